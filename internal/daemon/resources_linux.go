/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build linux

package daemon

import "syscall"

// raiseFileLimit sets both the soft and hard RLIMIT_NOFILE to n, so that one
// listening socket per managed account is always feasible regardless of
// what the parent shell or service manager handed the process.
func raiseFileLimit(n uint64) error {
	rl := syscall.Rlimit{Cur: n, Max: n}
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rl)
}

// dropPrivileges sets the real and effective group, then the real and
// effective user, to gid/uid. Group must be dropped first: once the uid
// change takes effect an unprivileged process can no longer change its gid.
func dropPrivileges(uid, gid int) error {
	if err := syscall.Setregid(gid, gid); err != nil {
		return err
	}
	if err := syscall.Setreuid(uid, uid); err != nil {
		return err
	}
	return nil
}
