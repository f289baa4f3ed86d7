/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package daemon wires the account-database watcher, the reservation
// table, the control-socket server, and the periodic re-acquirer together
// behind one event multiplexer, and handles the startup sequencing
// (resource limits, privilege drop, single-instance lock) that has to run
// before any of those components can come up.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hashbang/bookkeeper/internal/accountdb"
	"github.com/hashbang/bookkeeper/internal/ipc"
	"github.com/hashbang/bookkeeper/internal/mux"
	"github.com/hashbang/bookkeeper/internal/reservation"
)

// Logger is the subset of *internal/log.Logger the daemon and its wired
// components need.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
	Fatalf(string, ...interface{})
}

// Config carries every value cmd/bookkeeperd parses from flags.
type Config struct {
	PasswdPath string
	SockPath   string

	PortOffset        uint16
	PrivilegedCeiling uint16
	SysUIDThreshold   uint32
	Blacklist         []string
	ReacquireInterval time.Duration
	ReacquireTick     time.Duration

	AcceptRate  rate.Limit
	AcceptBurst int

	MaxOpenFiles uint64

	// UID/GID are the account cmd/bookkeeperd resolved from --user. Run
	// always attempts the drop, so leaving both at zero only succeeds for a
	// process already running as uid and gid 0.
	UID int
	GID int
}

// DefaultConfig returns the flag defaults named in SPEC_FULL.md §6.
func DefaultConfig() Config {
	return Config{
		PasswdPath:        "/etc/passwd",
		SockPath:          "/var/run/bookkeeper/bookkeeper.sock",
		PortOffset:        10000,
		PrivilegedCeiling: 1024,
		SysUIDThreshold:   1000,
		Blacklist:         nil,
		ReacquireInterval: 7200 * time.Second,
		ReacquireTick:     60 * time.Second,
		AcceptRate:        50,
		AcceptBurst:       10,
		MaxOpenFiles:      70000,
	}
}

// Daemon is one running bookkeeperd instance.
type Daemon struct {
	cfg Config
	log Logger

	tbl     *reservation.Table
	watcher *accountdb.Watcher
	server  *ipc.Server
	lock    *flock.Flock
	ticker  *time.Ticker
	sigCh   chan os.Signal
}

// New validates cfg and builds the reservation table, but does not yet
// touch any resource limits, privileges, or descriptors; call Run for that.
func New(cfg Config, logger Logger) (*Daemon, error) {
	if cfg.PortOffset < cfg.PrivilegedCeiling {
		return nil, fmt.Errorf("daemon: port-offset %d is below the privileged-port ceiling %d", cfg.PortOffset, cfg.PrivilegedCeiling)
	}
	return &Daemon{
		cfg: cfg,
		log: logger,
		tbl: reservation.New(cfg.PortOffset, cfg.PrivilegedCeiling, cfg.ReacquireInterval, logger),
	}, nil
}

// Run performs startup sequencing, then drives the event multiplexer until
// ctx is canceled or a signal requests exit. It returns nil on orderly
// shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := raiseFileLimit(d.cfg.MaxOpenFiles); err != nil {
		return fmt.Errorf("daemon: raising file descriptor limit: %w", err)
	}
	if err := dropPrivileges(d.cfg.UID, d.cfg.GID); err != nil {
		return fmt.Errorf("daemon: dropping privileges: %w", err)
	}

	lock := flock.New(d.cfg.SockPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("daemon: acquiring single-instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon: another instance is already running against %s", d.cfg.SockPath)
	}
	d.lock = lock
	defer lock.Unlock()

	if err := d.reconcile(); err != nil {
		return fmt.Errorf("daemon: initial reconciliation: %w", err)
	}

	watcher, err := accountdb.NewWatcher(d.cfg.PasswdPath, d.log)
	if err != nil {
		return fmt.Errorf("daemon: arming account watcher: %w", err)
	}
	d.watcher = watcher
	defer watcher.Close()

	server, err := ipc.Listen(d.cfg.SockPath, d.tbl, d.log, d.cfg.AcceptRate, d.cfg.AcceptBurst)
	if err != nil {
		return fmt.Errorf("daemon: listening on control socket: %w", err)
	}
	d.server = server
	defer server.Close()

	d.ticker = time.NewTicker(d.cfg.ReacquireTick)
	defer d.ticker.Stop()

	d.sigCh = make(chan os.Signal, 4)
	signal.Notify(d.sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(d.sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var eg errgroup.Group
	eg.Go(func() error {
		server.Accept(runCtx)
		return nil
	})
	// Accept blocks in AcceptUnix until the listener is closed, so close it
	// as soon as runCtx ends to let the accept loop exit.
	go func() {
		<-runCtx.Done()
		server.Close()
	}()

	m := mux.New()
	muxErr := make(chan error, 1)
	go func() { muxErr <- m.Run(runCtx) }()
	if err := m.Register(mux.Source{Name: "control", Ch: server.Conns(), Handler: d.handleControl}); err != nil {
		cancel()
		eg.Wait()
		return err
	}
	if err := m.Register(mux.Source{Name: "accountdb", Ch: watcher.Changed(), Handler: d.handleReconcile}); err != nil {
		cancel()
		eg.Wait()
		return err
	}
	if err := m.Register(mux.Source{Name: "accountdb-errors", Ch: watcher.Errors(), Handler: d.handleWatcherError}); err != nil {
		cancel()
		eg.Wait()
		return err
	}
	if err := m.Register(mux.Source{Name: "reacquire", Ch: d.ticker.C, Handler: d.handleTick}); err != nil {
		cancel()
		eg.Wait()
		return err
	}
	if err := m.Register(mux.Source{Name: "signals", Ch: d.sigCh, Handler: d.handleSignal}); err != nil {
		cancel()
		eg.Wait()
		return err
	}

	runErr := <-muxErr
	cancel()
	if werr := eg.Wait(); werr != nil && runErr == nil {
		runErr = werr
	}
	return runErr
}

// reconcile re-reads the account database and syncs the table against it,
// logging the delta. It is called once at startup and again on every
// SIGHUP or account-file change.
func (d *Daemon) reconcile() error {
	accounts, err := accountdb.ReadEligible(d.cfg.PasswdPath, d.cfg.SysUIDThreshold, d.cfg.Blacklist)
	if err != nil {
		return err
	}
	res := d.tbl.Sync(accounts)
	if len(res.Added) > 0 || len(res.Removed) > 0 {
		d.log.Infof("reconciled: %d added, %d removed, %d total", len(res.Added), len(res.Removed), d.tbl.Len())
	}
	return nil
}

func (d *Daemon) handleControl(ev mux.Event) (mux.Outcome, error) {
	if !ev.Ok {
		return mux.Drop, nil
	}
	conn, ok := ev.Value.(net.Conn)
	if !ok {
		return mux.Continue, nil
	}
	d.server.HandleConn(conn)
	return mux.Continue, nil
}

func (d *Daemon) handleReconcile(ev mux.Event) (mux.Outcome, error) {
	if !ev.Ok {
		return mux.Drop, nil
	}
	if err := d.reconcile(); err != nil {
		d.log.Warnf("reconcile after account-file change: %v", err)
	}
	return mux.Continue, nil
}

func (d *Daemon) handleWatcherError(ev mux.Event) (mux.Outcome, error) {
	if !ev.Ok {
		return mux.Drop, nil
	}
	if err, ok := ev.Value.(error); ok {
		d.log.Warnf("account watcher: %v", err)
	}
	return mux.Continue, nil
}

func (d *Daemon) handleTick(ev mux.Event) (mux.Outcome, error) {
	if !ev.Ok {
		return mux.Drop, nil
	}
	now, ok := ev.Value.(time.Time)
	if !ok {
		now = time.Now()
	}
	for _, o := range d.tbl.ReacquireDue(now) {
		if o.Reacquired {
			d.log.Infof("re-acquired port for uid %d", o.UID)
		} else if o.Err != nil {
			d.log.Warnf("reacquire attempt for uid %d failed: %v", o.UID, o.Err)
		}
	}
	return mux.Continue, nil
}

func (d *Daemon) handleSignal(ev mux.Event) (mux.Outcome, error) {
	if !ev.Ok {
		return mux.Drop, nil
	}
	sig, _ := ev.Value.(os.Signal)
	switch sig {
	case syscall.SIGHUP:
		d.log.Infof("SIGHUP received, forcing reconciliation")
		if err := d.reconcile(); err != nil {
			d.log.Warnf("forced reconciliation: %v", err)
		}
		return mux.Continue, nil
	case syscall.SIGINT, syscall.SIGTERM:
		d.log.Infof("%v received, shutting down", sig)
		return mux.Stop, nil
	}
	return mux.Continue, nil
}
