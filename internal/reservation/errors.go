/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package reservation

import (
	"errors"
	"syscall"
)

var (
	ErrNotFound         = errors.New("reservation: not found")
	ErrInvalidArgument  = errors.New("reservation: invalid argument")
	ErrAddressInUse     = errors.New("reservation: address in use")
	ErrNotConnected     = errors.New("reservation: not connected")
	ErrPermissionDenied = errors.New("reservation: permission denied")
)

// Errno maps a port-operation error to the absolute numeric error code the
// wire protocol carries in a response header. Nil maps to 0 (success).
func Errno(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return int32(syscall.ENOENT)
	case errors.Is(err, ErrInvalidArgument):
		return int32(syscall.EINVAL)
	case errors.Is(err, ErrAddressInUse):
		return int32(syscall.EADDRINUSE)
	case errors.Is(err, ErrNotConnected):
		return int32(syscall.ENOTCONN)
	case errors.Is(err, ErrPermissionDenied):
		return int32(syscall.EPERM)
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int32(errno)
	}
	return int32(syscall.EIO)
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
