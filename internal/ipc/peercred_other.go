/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux

package ipc

import (
	"errors"
	"net"
)

var errUnsupportedPlatform = errors.New("ipc: peer credential lookup is only implemented on linux")

func peerCredentials(conn *net.UnixConn) (*Ucred, error) {
	return nil, errUnsupportedPlatform
}
