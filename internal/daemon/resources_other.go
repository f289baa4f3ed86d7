/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

//go:build !linux

package daemon

import "errors"

var errUnsupportedPlatform = errors.New("daemon: resource-limit and privilege-drop calls are only implemented on linux")

func raiseFileLimit(n uint64) error {
	return errUnsupportedPlatform
}

func dropPrivileges(uid, gid int) error {
	return errUnsupportedPlatform
}
