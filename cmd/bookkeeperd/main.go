/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command bookkeeperd reserves a TCP port for every eligible local account
// and holds it open until the owning user asks to release it. See
// SPEC_FULL.md for the full design; this file is only flag parsing and
// startup wiring, not core daemon logic.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/hashbang/bookkeeper/internal/daemon"
	"github.com/hashbang/bookkeeper/internal/log"
)

type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var (
	sysUIDThreshold = flag.Uint("sys-uid-threshold", 1000, "accounts below this uid are never managed")
	portOffset      = flag.Uint("port-offset", 10000, "port reserved for a uid is port-offset+uid; must be >= 1024")
	userName        = flag.String("user", "", "unprivileged account bookkeeperd drops to after startup (required)")
	sockPath        = flag.String("sockpath", "/var/run/bookkeeper/bookkeeper.sock", "absolute path of the control socket")
	passwdPath      = flag.String("passwd-file", "/etc/passwd", "path of the account database to watch")
	logLevel        = flag.String("log-level", "INFO", "log level: OFF, DEBUG, INFO, WARN, ERROR, CRITICAL, FATAL")
	logFile         = flag.String("log-file", "", "additional log destination; stderr is always written")
	acceptRate      = flag.Float64("accept-rate", 50, "sustained control-connection accept rate, per second")
	acceptBurst     = flag.Int("accept-burst", 10, "control-connection accept burst size")
	blacklist       stringList
)

func init() {
	flag.Var(&blacklist, "blacklist-user", "account name or glob pattern (bmatcuk/doublestar) never managed; repeatable")
}

func main() {
	flag.Parse()

	lg := log.New(os.Stderr)
	if err := lg.SetLevelString(*logLevel); err != nil {
		lg.Fatalf("invalid --log-level %q: %v", *logLevel, err)
	}
	if *logFile != "" {
		fout, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err != nil {
			lg.Fatalf("opening --log-file %s: %v", *logFile, err)
		}
		if err := lg.AddWriter(fout); err != nil {
			lg.Fatalf("adding log file writer: %v", err)
		}
	}

	if *userName == "" {
		lg.Fatalf("--user is required")
	}
	if !filepath.IsAbs(*sockPath) {
		lg.Fatalf("--sockpath must be absolute, got %q", *sockPath)
	}
	if *portOffset < 1024 {
		lg.Fatalf("--port-offset must be >= 1024, got %d", *portOffset)
	}

	u, err := user.Lookup(*userName)
	if err != nil {
		lg.Fatalf("resolving --user %q: %v", *userName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		lg.Fatalf("parsing uid for %q: %v", *userName, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		lg.Fatalf("parsing gid for %q: %v", *userName, err)
	}

	cfg := daemon.DefaultConfig()
	cfg.PasswdPath = *passwdPath
	cfg.SockPath = *sockPath
	cfg.PortOffset = uint16(*portOffset)
	cfg.SysUIDThreshold = uint32(*sysUIDThreshold)
	cfg.Blacklist = []string(blacklist)
	cfg.AcceptRate = rate.Limit(*acceptRate)
	cfg.AcceptBurst = *acceptBurst
	cfg.UID = uid
	cfg.GID = gid

	d, err := daemon.New(cfg, lg)
	if err != nil {
		lg.Fatalf("building daemon: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(*sockPath), 0755); err != nil {
		lg.Fatalf("creating control socket directory: %v", err)
	}

	if err := d.Run(context.Background()); err != nil {
		lg.Fatalf("%v", err)
	}
}
