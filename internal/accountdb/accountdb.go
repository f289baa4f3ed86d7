/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package accountdb reads the local passwd-format account database and
// watches it for changes, turning it into the set of accounts eligible to
// hold a reserved port.
package accountdb

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hashbang/bookkeeper/internal/reservation"
)

// defaultBlacklist never gets a reservation, regardless of uid, matching
// the two names the original daemon hard-coded.
var defaultBlacklist = []string{"nobody", "nfsnobody"}

// ReadEligible parses path (normally /etc/passwd) and returns every account
// at or above threshold whose name doesn't match the default blacklist or
// one of extraBlacklist's glob patterns. Lines that don't parse as a
// passwd record are skipped rather than treated as fatal, since a
// corrupt or half-written line shouldn't take the whole sync down.
func ReadEligible(path string, threshold uint32, extraBlacklist []string) ([]reservation.Account, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	patterns := make([]string, 0, len(defaultBlacklist)+len(extraBlacklist))
	patterns = append(patterns, defaultBlacklist...)
	patterns = append(patterns, extraBlacklist...)

	var accounts []reservation.Account
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		name := fields[0]
		if name == "" {
			continue
		}
		uid64, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			continue
		}
		uid := uint32(uid64)
		if uid < threshold {
			continue
		}
		if blacklisted(name, patterns) {
			continue
		}
		accounts = append(accounts, reservation.Account{UID: uid, Username: name})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func blacklisted(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
