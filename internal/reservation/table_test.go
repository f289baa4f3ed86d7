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
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hashbang/bookkeeper/internal/protocol"
)

type nullLogger struct{}

func (nullLogger) Infof(string, ...interface{}) {}
func (nullLogger) Warnf(string, ...interface{}) {}

const testPortOffset = 21000

func newTestTable() *Table {
	return New(testPortOffset, 1024, 50*time.Millisecond, nullLogger{})
}

func TestSyncAddsAndRemoves(t *testing.T) {
	tbl := newTestTable()
	res := tbl.Sync([]Account{{UID: 1, Username: "alice"}, {UID: 2, Username: "bob"}})
	if len(res.Added) != 2 {
		t.Fatalf("expected 2 added, got %d", len(res.Added))
	}
	if tbl.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", tbl.Len())
	}

	res = tbl.Sync([]Account{{UID: 1, Username: "alice"}})
	if len(res.Removed) != 1 || res.Removed[0] != 2 {
		t.Fatalf("expected uid 2 removed, got %+v", res.Removed)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", tbl.Len())
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	tbl := newTestTable()
	tbl.Sync([]Account{{UID: 5, Username: "carol"}})
	port := tbl.entries[5].Port
	tbl.Sync([]Account{{UID: 5, Username: "carol"}})
	if tbl.entries[5].Port != port {
		t.Fatalf("second sync rebound the port: got %d want %d", tbl.entries[5].Port, port)
	}
}

func TestReleaseThenRequest(t *testing.T) {
	tbl := newTestTable()
	tbl.Sync([]Account{{UID: 7, Username: "dave"}})

	if err := tbl.Release(7, 7, 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !tbl.entries[7].Released {
		t.Fatal("expected entry to be released")
	}
	if err := tbl.Release(7, 7, 0); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected on double release, got %v", err)
	}

	if err := tbl.Request(7, 7, 0); err != nil {
		t.Fatalf("request: %v", err)
	}
	if tbl.entries[7].Released {
		t.Fatal("expected entry to be held again")
	}
	if err := tbl.Request(7, 7, 0); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse on double request, got %v", err)
	}
}

func TestRequestRejectsWrongPort(t *testing.T) {
	tbl := newTestTable()
	tbl.Sync([]Account{{UID: 8, Username: "erin"}})
	tbl.Release(8, 8, 0)
	if err := tbl.Request(8, 8, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	tbl := newTestTable()
	tbl.Sync([]Account{{UID: 9, Username: "frank"}})
	if err := tbl.Release(10, 9, 0); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if err := tbl.Release(0, 9, 0); err != nil {
		t.Fatalf("root should be able to release: %v", err)
	}
}

func TestUnknownUIDNotFound(t *testing.T) {
	tbl := newTestTable()
	if err := tbl.Release(99, 99, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetPolicyAndList(t *testing.T) {
	tbl := newTestTable()
	tbl.Sync([]Account{{UID: 11, Username: "gwen"}, {UID: 12, Username: "hank"}})

	if err := tbl.SetPolicy(11, 11, true); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	own := tbl.List(11)
	var self, other protocol.PortInfo
	for _, pi := range own {
		switch pi.UID {
		case 11:
			self = pi
		case 12:
			other = pi
		}
	}
	if self.Status != protocol.StatusReserved || self.SuppressReacquire != protocol.ReacquireDont {
		t.Fatalf("unexpected self entry: %+v", self)
	}
	if other.Status != protocol.StatusUnknown || other.SuppressReacquire != protocol.ReacquireUnknown {
		t.Fatalf("expected other uid's entry redacted, got %+v", other)
	}

	root := tbl.List(0)
	for _, pi := range root {
		if pi.Status == protocol.StatusUnknown {
			t.Fatalf("root view should never redact, got %+v", pi)
		}
	}
}

func TestReacquireDueSkipsSuppressedAndNotYetDue(t *testing.T) {
	tbl := newTestTable()
	tbl.Sync([]Account{{UID: 13, Username: "iris"}, {UID: 14, Username: "jack"}})
	tbl.Release(13, 13, 0)
	tbl.Release(14, 14, 0)
	tbl.SetPolicy(14, 14, true)

	// neither deadline has passed yet, and 14 is suppressed regardless.
	outcomes := tbl.ReacquireDue(time.Now())
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes before deadline, got %+v", outcomes)
	}

	future := time.Now().Add(time.Hour)
	outcomes = tbl.ReacquireDue(future)
	if len(outcomes) != 1 || outcomes[0].UID != 13 || !outcomes[0].Reacquired {
		t.Fatalf("expected uid 13 reacquired, got %+v", outcomes)
	}
	if tbl.entries[14].Released != true {
		t.Fatal("suppressed uid 14 should remain released")
	}
}

func TestReacquireDueRetriesOnAddrInUse(t *testing.T) {
	tbl := newTestTable()
	tbl.Sync([]Account{{UID: 15, Username: "kate"}})
	port := tbl.entries[15].Port
	tbl.Release(15, 15, 0)

	blocker, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		t.Skipf("could not reserve port %d to simulate contention: %v", port, err)
	}
	defer blocker.Close()

	future := time.Now().Add(time.Hour)
	outcomes := tbl.ReacquireDue(future)
	if len(outcomes) != 1 || outcomes[0].Reacquired {
		t.Fatalf("expected failed reacquire while port is busy, got %+v", outcomes)
	}
	if !tbl.entries[15].Released {
		t.Fatal("entry should remain released after a failed reacquire")
	}
	if !tbl.entries[15].ReacquireDeadline.After(future) {
		t.Fatal("expected deadline pushed out after EADDRINUSE")
	}
}

func TestComputePortOverflowAndPrivileged(t *testing.T) {
	tbl := New(0xfff0, 1024, time.Second, nullLogger{})
	if _, ok := tbl.computePort(0x20); ok {
		t.Fatal("expected overflow to be rejected")
	}
	tbl2 := New(100, 1024, time.Second, nullLogger{})
	if _, ok := tbl2.computePort(1); ok {
		t.Fatal("expected sub-privileged-ceiling port to be rejected")
	}
}

func TestErrnoMapping(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrNotFound, true},
		{ErrInvalidArgument, true},
		{ErrAddressInUse, true},
		{ErrNotConnected, true},
		{ErrPermissionDenied, true},
	}
	for _, c := range cases {
		if Errno(c.err) == 0 {
			t.Fatalf("expected non-zero errno for %v", c.err)
		}
	}
	if Errno(nil) != 0 {
		t.Fatal("expected zero errno for nil")
	}
}
