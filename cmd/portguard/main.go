/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Command portguard is the client side of the control protocol: fill one
// request frame, send it, read one response, print it. Table rendering of
// `list` output is intentionally bare (a column dump, no rendering
// library) to match the original's plain printf-based client.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"

	"github.com/hashbang/bookkeeper/internal/protocol"
)

var (
	sockPath = flag.String("sockpath", "/var/run/bookkeeper/bookkeeper.sock", "path to the control socket")
	userName = flag.String("user", "", "perform the request on this account instead of the caller's own; honored only for root")
)

func main() {
	flag.Parse()

	uid := uint32(os.Getuid())
	if *userName != "" {
		if os.Getuid() == 0 {
			u, err := user.Lookup(*userName)
			if err != nil {
				fmt.Fprintf(os.Stderr, "portguard: resolving --user %q: %v\n", *userName, err)
				os.Exit(1)
			}
			n, err := strconv.ParseUint(u.Uid, 10, 32)
			if err != nil {
				fmt.Fprintf(os.Stderr, "portguard: parsing uid for %q: %v\n", *userName, err)
				os.Exit(1)
			}
			uid = uint32(n)
		}
		// Non-root callers silently act on their own uid, matching the spec's
		// "--user is honored only for the superuser" rule.
	}

	cmd := "list"
	switch flag.NArg() {
	case 0:
	case 1:
		cmd = flag.Arg(0)
	default:
		fmt.Fprintln(os.Stderr, "portguard: at most one command may be given")
		os.Exit(1)
	}

	req := protocol.Request{Magic: protocol.Magic, UID: uid}
	switch cmd {
	case "reserve":
		req.Opcode = protocol.OpReserve
	case "release":
		req.Opcode = protocol.OpRelease
	case "list":
		req.Opcode = protocol.OpList
	case "no_reacquire":
		req.Opcode = protocol.OpPolicy
		req.SuppressReacquire = 1
	case "reacquire":
		req.Opcode = protocol.OpPolicy
		req.SuppressReacquire = 0
	default:
		fmt.Fprintf(os.Stderr, "portguard: unrecognized command %q\n", cmd)
		os.Exit(1)
	}

	conn, err := net.Dial("unix", *sockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portguard: connecting to %s: %v\n", *sockPath, err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write(req.Encode()); err != nil {
		fmt.Fprintf(os.Stderr, "portguard: sending request: %v\n", err)
		os.Exit(1)
	}

	hdr, err := protocol.DecodeResponseHeader(conn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portguard: reading response: %v\n", err)
		os.Exit(1)
	}
	if hdr.Error != 0 {
		fmt.Fprintf(os.Stderr, "portguard: %s\n", errnoString(hdr.Error))
		os.Exit(1)
	}

	if req.Opcode != protocol.OpList {
		return
	}

	ports, err := protocol.DecodePortInfoList(conn, hdr.PortsLen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portguard: reading port list: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%-24s%-8s%-16s%-8s\n", "User", "Port", "Status", "Re-acquire")
	fmt.Println("----------------------------------------------------------")
	for _, p := range ports {
		fmt.Printf("%-24s%-8d%-16s%-8s\n", userLabel(p.UID), p.Port, statusLabel(p.Status), reacquireLabel(p.SuppressReacquire))
	}
}

func userLabel(uid uint32) string {
	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		return u.Username
	}
	return strconv.FormatUint(uint64(uid), 10)
}

func statusLabel(s protocol.Status) string {
	switch s {
	case protocol.StatusReserved:
		return "reserved"
	case protocol.StatusReleased:
		return "released"
	case protocol.StatusUnknown:
		return ""
	}
	return "unknown"
}

func reacquireLabel(r protocol.Reacquire) string {
	switch r {
	case protocol.ReacquireDo:
		return "yes"
	case protocol.ReacquireDont:
		return "no"
	case protocol.ReacquireUnknown:
		return ""
	}
	return "unknown"
}

func errnoString(errno int32) string {
	return fmt.Sprintf("request failed: errno %d", errno)
}
