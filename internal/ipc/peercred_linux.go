/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package ipc

import (
	"fmt"
	"net"
	"syscall"
)

// getUcred is a var, not a direct call, so tests can substitute a fake
// without a real socket.
var getUcred = syscall.GetsockoptUcred

// peerCredentials reads the kernel-tracked credentials of the process on
// the other end of conn via SO_PEERCRED. Unlike the SCM_CREDENTIALS
// ancillary-data approach, this needs no cooperation from the client and
// can't be spoofed by anything the client sends.
func peerCredentials(conn *net.UnixConn) (*Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *syscall.Ucred
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		cred, sockErr = getUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if sockErr != nil {
		return nil, fmt.Errorf("ipc: getsockopt(SO_PEERCRED): %w", sockErr)
	}
	return &Ucred{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
