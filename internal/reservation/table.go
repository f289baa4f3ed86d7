/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package reservation holds the in-memory table mapping local account uids
// to reserved TCP ports, and the state machine that governs how a port
// moves between held, released, and re-acquired.
package reservation

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hashbang/bookkeeper/internal/protocol"
)

// Account is the minimal shape of an eligible local user account that the
// table needs in order to compute and hold a port for it.
type Account struct {
	UID      uint32
	Username string
}

// Reservation tracks the state of a single account's held port.
type Reservation struct {
	UID               uint32
	Username          string
	Port              uint16
	Listener          *net.TCPListener
	Released          bool
	ReacquireDeadline time.Time
	SuppressReacquire bool
}

// Logger is the subset of *internal/log.Logger the table needs. Accepting
// the interface here, rather than the concrete type, keeps this package
// free of any dependency on how lines end up on disk.
type Logger interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
}

// Table is the reservation table for one daemon instance. Every method
// takes the table's mutex; in the daemon only the control goroutine that
// owns the event loop ever calls them, so the lock is never contended.
type Table struct {
	mtx sync.Mutex

	entries map[uint32]*Reservation

	portOffset        uint16
	privilegedCeiling uint16
	reacquireInterval time.Duration

	log Logger
}

// New builds an empty reservation table. portOffset mirrors the daemon's
// --port-offset flag; privilegedCeiling is the lowest port the table will
// hold (the daemon's Config.PrivilegedCeiling); reacquireInterval is how long a released port waits before the periodic
// sweep tries to take it back.
func New(portOffset, privilegedCeiling uint16, reacquireInterval time.Duration, logger Logger) *Table {
	return &Table{
		entries:           make(map[uint32]*Reservation),
		portOffset:        portOffset,
		privilegedCeiling: privilegedCeiling,
		reacquireInterval: reacquireInterval,
		log:               logger,
	}
}

// SyncResult reports which uids were added to or dropped from the table by
// a Sync call, for callers that want to log or audit the delta.
type SyncResult struct {
	Added   []uint32
	Removed []uint32
}

// Sync reconciles the table against the current set of eligible accounts.
// New accounts get a freshly bound listener; accounts no longer present
// lose their reservation and have their listener closed. The caller is
// responsible for having already filtered accounts by uid threshold and
// username blacklist.
//
// The removal pass snapshots the current keys before mutating the map, so
// that accounts deleted mid-sync never perturb the iteration itself.
func (t *Table) Sync(accounts []Account) SyncResult {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var res SyncResult
	present := make(map[uint32]struct{}, len(accounts))
	for _, a := range accounts {
		present[a.UID] = struct{}{}
		if _, ok := t.entries[a.UID]; ok {
			continue
		}
		port, ok := t.computePort(a.UID)
		if !ok {
			t.log.Warnf("uid %d: port offset overflow, skipping", a.UID)
			continue
		}
		ln, err := bindListener(port)
		if err != nil {
			t.log.Warnf("uid %d (%s): cannot bind port %d: %v", a.UID, a.Username, port, err)
			continue
		}
		t.entries[a.UID] = &Reservation{
			UID:      a.UID,
			Username: a.Username,
			Port:     port,
			Listener: ln,
		}
		res.Added = append(res.Added, a.UID)
		t.log.Infof("reserved port %d for uid %d (%s)", port, a.UID, a.Username)
	}

	keys := make([]uint32, 0, len(t.entries))
	for uid := range t.entries {
		keys = append(keys, uid)
	}
	for _, uid := range keys {
		if _, ok := present[uid]; ok {
			continue
		}
		e := t.entries[uid]
		if e.Listener != nil {
			e.Listener.Close()
		}
		delete(t.entries, uid)
		res.Removed = append(res.Removed, uid)
		t.log.Infof("dropped reservation for uid %d (%s)", uid, e.Username)
	}
	return res
}

// computePort derives the port a uid is entitled to: portOffset+uid, as
// long as it fits in sixteen bits and clears the privileged ceiling.
func (t *Table) computePort(uid uint32) (uint16, bool) {
	sum := uint32(t.portOffset) + uid
	if sum > 0xffff {
		return 0, false
	}
	port := uint16(sum)
	if port < t.privilegedCeiling {
		return 0, false
	}
	return port, true
}

// ReacquireOutcome reports what happened when the periodic sweep tried to
// take a released port back for one uid.
type ReacquireOutcome struct {
	UID        uint32
	Reacquired bool
	Err        error
}

// ReacquireDue scans for released, non-suppressed reservations whose
// deadline has passed and tries to rebind them. A bind failing with
// EADDRINUSE just pushes the deadline out by another interval and keeps
// going; the original implementation stopped at the first busy port, which
// left every uid behind it stuck until the next full sweep.
func (t *Table) ReacquireDue(now time.Time) []ReacquireOutcome {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var outcomes []ReacquireOutcome
	for uid, e := range t.entries {
		if !e.Released || e.SuppressReacquire {
			continue
		}
		if now.Before(e.ReacquireDeadline) {
			continue
		}
		ln, err := bindListener(e.Port)
		if err != nil {
			if isAddrInUse(err) {
				e.ReacquireDeadline = now.Add(t.reacquireInterval)
			} else {
				t.log.Warnf("uid %d: reacquire of port %d failed: %v", uid, e.Port, err)
			}
			outcomes = append(outcomes, ReacquireOutcome{UID: uid, Err: err})
			continue
		}
		e.Listener = ln
		e.Released = false
		e.ReacquireDeadline = time.Time{}
		t.log.Infof("re-acquired port %d for uid %d (%s)", e.Port, uid, e.Username)
		outcomes = append(outcomes, ReacquireOutcome{UID: uid, Reacquired: true})
	}
	return outcomes
}

// authorized reports whether requesterUID may act on targetUID's
// reservation: either they're the same account, or the requester is root.
func authorized(requesterUID, targetUID uint32) bool {
	return requesterUID == targetUID || requesterUID == 0
}

// Request re-binds a previously released port on behalf of targetUID. A
// non-zero port must match the uid's assigned port exactly; zero means
// "whatever port this uid holds".
func (t *Table) Request(requesterUID, targetUID uint32, port uint16) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if !authorized(requesterUID, targetUID) {
		return ErrPermissionDenied
	}
	e, ok := t.entries[targetUID]
	if !ok {
		return ErrNotFound
	}
	if port != 0 && port != e.Port {
		return ErrInvalidArgument
	}
	if !e.Released {
		return ErrAddressInUse
	}
	ln, err := bindListener(e.Port)
	if err != nil {
		return err
	}
	e.Listener = ln
	e.Released = false
	e.ReacquireDeadline = time.Time{}
	return nil
}

// Release gives a held port up: the listener is closed immediately and the
// reservation moves to Released with a reacquire deadline set one interval
// out.
func (t *Table) Release(requesterUID, targetUID uint32, port uint16) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if !authorized(requesterUID, targetUID) {
		return ErrPermissionDenied
	}
	e, ok := t.entries[targetUID]
	if !ok {
		return ErrNotFound
	}
	if port != 0 && port != e.Port {
		return ErrInvalidArgument
	}
	if e.Released {
		return ErrNotConnected
	}
	if e.Listener != nil {
		e.Listener.Close()
		e.Listener = nil
	}
	e.Released = true
	e.ReacquireDeadline = time.Now().Add(t.reacquireInterval)
	return nil
}

// SetPolicy flips whether the periodic sweep is allowed to reacquire
// targetUID's port automatically once it's released.
func (t *Table) SetPolicy(requesterUID, targetUID uint32, suppress bool) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if !authorized(requesterUID, targetUID) {
		return ErrPermissionDenied
	}
	e, ok := t.entries[targetUID]
	if !ok {
		return ErrNotFound
	}
	e.SuppressReacquire = suppress
	return nil
}

// List renders the table as wire PortInfo entries. Entries belonging to
// someone other than viewerUID are reported with their status and policy
// redacted to Unknown, unless viewerUID is 0 (root sees everything).
func (t *Table) List(viewerUID uint32) []protocol.PortInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	out := make([]protocol.PortInfo, 0, len(t.entries))
	for uid, e := range t.entries {
		pi := protocol.PortInfo{UID: uid, Port: e.Port}
		if authorized(viewerUID, uid) {
			if e.Released {
				pi.Status = protocol.StatusReleased
			} else {
				pi.Status = protocol.StatusReserved
			}
			if e.SuppressReacquire {
				pi.SuppressReacquire = protocol.ReacquireDont
			} else {
				pi.SuppressReacquire = protocol.ReacquireDo
			}
		} else {
			pi.Status = protocol.StatusUnknown
			pi.SuppressReacquire = protocol.ReacquireUnknown
		}
		out = append(out, pi)
	}
	return out
}

// Len reports how many accounts currently hold a reservation.
func (t *Table) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.entries)
}

// bindListener opens a SO_REUSEADDR, dual-stack listener on port. Every
// socket the daemon ever holds for a reserved port goes through here so
// that a bind refused mid-reacquire surfaces the same EADDRINUSE the table
// knows how to retry.
func bindListener(port uint16) (*net.TCPListener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("reservation: unexpected listener type %T", ln)
	}
	return tl, nil
}
