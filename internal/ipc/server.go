/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package ipc implements the control-socket protocol server: accepting
// connections on a unix domain socket, verifying the caller's identity via
// the kernel's own peer-credential tracking, decoding a request frame, and
// dispatching it against a reservation table.
package ipc

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hashbang/bookkeeper/internal/protocol"
	"github.com/hashbang/bookkeeper/internal/reservation"
)

// Ucred is the subset of a peer's credentials the server cares about.
type Ucred struct {
	PID int32
	UID uint32
	GID uint32
}

// Table is the reservation-table behavior the server dispatches requests
// against. *reservation.Table satisfies it; tests can substitute a fake.
type Table interface {
	Request(requesterUID, targetUID uint32, port uint16) error
	Release(requesterUID, targetUID uint32, port uint16) error
	SetPolicy(requesterUID, targetUID uint32, suppress bool) error
	List(viewerUID uint32) []protocol.PortInfo
}

// Logger is the subset of *internal/log.Logger the server needs.
type Logger interface {
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

// Server accepts and serves connections on one control socket.
type Server struct {
	ln      *net.UnixListener
	tbl     Table
	log     Logger
	limiter *rate.Limiter

	conns chan net.Conn
	errs  chan error
}

// Listen creates (replacing any stale socket file left behind by a prior
// run) the control socket at sockPath, world-writable so any local account
// can connect; the peer-credential check, not filesystem permissions,
// decides what each caller is allowed to do. acceptRate/acceptBurst bound
// how fast new connections are drained, as cheap insurance against a
// connect-storm from a misbehaving client.
func Listen(sockPath string, tbl Table, logger Logger, acceptRate rate.Limit, acceptBurst int) (*Server, error) {
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: removing stale socket: %w", err)
	}
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(sockPath, 0777); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}
	return &Server{
		ln:      ln,
		tbl:     tbl,
		log:     logger,
		limiter: rate.NewLimiter(acceptRate, acceptBurst),
		conns:   make(chan net.Conn),
		errs:    make(chan error, 1),
	}, nil
}

// Conns is the channel of accepted connections, meant to be registered as
// a mux.Source so the control goroutine is the only thing that ever calls
// HandleConn.
func (s *Server) Conns() <-chan net.Conn { return s.conns }

// Errors carries a fatal accept-loop error. After a send on this channel
// the accept loop has exited.
func (s *Server) Errors() <-chan error { return s.errs }

// Accept runs the accept loop until ctx is canceled or the listener
// errors. It's meant to run in its own goroutine, feeding Conns().
func (s *Server) Accept(ctx context.Context) {
	defer close(s.conns)
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				select {
				case s.errs <- err:
				default:
				}
			}
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			conn.Close()
			return
		}
		select {
		case s.conns <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// Close shuts the listener down; Accept's next AcceptUnix call returns an
// error and the loop exits.
func (s *Server) Close() error {
	return s.ln.Close()
}

// HandleConn serves exactly one request over conn, then closes it. The
// protocol is a single frame in, a single response out: there is nothing
// here that benefits from keeping the connection open past one exchange.
func (s *Server) HandleConn(conn net.Conn) {
	defer conn.Close()
	id := uuid.New().String()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		s.log.Errorf("[%s] not a unix socket connection: %T", id, conn)
		return
	}
	cred, err := peerCredentials(uc)
	if err != nil {
		s.log.Warnf("[%s] cannot read peer credentials: %v", id, err)
		return
	}
	if cred.PID == 0 {
		s.log.Warnf("[%s] rejecting connection with no peer pid", id)
		return
	}

	req, err := protocol.DecodeRequest(conn)
	if err != nil {
		s.log.Warnf("[%s] uid %d: cannot decode request: %v", id, cred.UID, err)
		return
	}
	if req.Magic != protocol.Magic {
		s.log.Warnf("[%s] uid %d: bad magic, dropping connection", id, cred.UID)
		return
	}

	hdr, ports := s.dispatch(cred.UID, req)

	if _, err := conn.Write(hdr.Encode()); err != nil {
		s.log.Warnf("[%s] uid %d: writing response header: %v", id, cred.UID, err)
		return
	}
	if len(ports) > 0 {
		if _, err := conn.Write(protocol.EncodePortInfoList(ports)); err != nil {
			s.log.Warnf("[%s] uid %d: writing port list: %v", id, cred.UID, err)
			return
		}
	}
	s.log.Infof("[%s] uid %d: %s -> error=%d", id, cred.UID, opcodeName(req.Opcode), hdr.Error)
}

// dispatch enforces that a caller may only act on its own uid's
// reservation unless it is root, then runs the requested operation. Only
// OPLIST reports results for uids other than the caller (redacted, via
// Table.List), matching every other opcode's "yourself, or root" rule.
func (s *Server) dispatch(peerUID uint32, req protocol.Request) (protocol.ResponseHeader, []protocol.PortInfo) {
	if req.Opcode != protocol.OpList && req.UID != peerUID && peerUID != 0 {
		return protocol.ResponseHeader{Error: reservation.Errno(reservation.ErrPermissionDenied)}, nil
	}
	switch req.Opcode {
	case protocol.OpReserve:
		err := s.tbl.Request(peerUID, req.UID, req.Port)
		return protocol.ResponseHeader{Error: reservation.Errno(err)}, nil
	case protocol.OpRelease:
		err := s.tbl.Release(peerUID, req.UID, req.Port)
		return protocol.ResponseHeader{Error: reservation.Errno(err)}, nil
	case protocol.OpPolicy:
		err := s.tbl.SetPolicy(peerUID, req.UID, req.SuppressReacquire != 0)
		return protocol.ResponseHeader{Error: reservation.Errno(err)}, nil
	case protocol.OpList:
		ports := s.tbl.List(peerUID)
		return protocol.ResponseHeader{PortsLen: uint16(len(ports))}, ports
	default:
		return protocol.ResponseHeader{Error: reservation.Errno(reservation.ErrInvalidArgument)}, nil
	}
}

func opcodeName(op protocol.Opcode) string {
	switch op {
	case protocol.OpReserve:
		return "RESERVE"
	case protocol.OpRelease:
		return "RELEASE"
	case protocol.OpPolicy:
		return "POLICY"
	case protocol.OpList:
		return "LIST"
	}
	return "UNKNOWN"
}
