/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package mux implements the daemon's single-goroutine event reactor: one
// control goroutine waits on an arbitrary, dynamically changing set of
// channels and dispatches each value it receives to that channel's
// handler, one at a time. It plays the role the original daemon gave a
// single epoll instance, but built from channels and reflect.Select
// instead of file descriptors, which is the idiomatic Go way to fan many
// event sources into one dispatch loop.
package mux

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Event is one value received from a registered Source.
type Event struct {
	Source string
	Value  interface{}
	// Ok is false when the source's channel was closed; Value is the zero
	// value in that case and the source is dropped before the handler runs.
	Ok bool
}

// Outcome tells Run what to do after a Handler returns.
type Outcome int

const (
	// Continue keeps the reactor running.
	Continue Outcome = iota
	// Stop ends Run cleanly, as if the context had been canceled.
	Stop
	// Drop unregisters the source after the Handler returns. A source whose
	// channel was closed (Event.Ok false) is already unregistered before its
	// Handler runs, so returning Drop for that case only names it.
	Drop
)

// Handler processes one Event. Returning a non-nil error ends Run with
// that error; returning Stop ends Run with a nil error.
type Handler func(Event) (Outcome, error)

// Source binds a readable channel to the Handler that processes values
// received from it. Ch must be a channel with a receivable direction;
// Register rejects anything else.
type Source struct {
	Name    string
	Ch      interface{}
	Handler Handler
}

// MaxSources is the hard cap on concurrently registered sources.
const MaxSources = 1 << 20

// ErrFull is returned by Register when MaxSources sources are already
// registered.
var ErrFull = errors.New("mux: source table full")

type registration struct {
	src  Source
	resp chan error
}

type unregistration struct {
	name string
	resp chan struct{}
}

type modification struct {
	name    string
	handler Handler
	resp    chan error
}

// Multiplexer is the reactor itself. The zero value is not usable; build
// one with New.
type Multiplexer struct {
	sources map[string]Source
	regCh   chan registration
	unregCh chan unregistration
	modCh   chan modification
}

// New builds an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{
		sources: make(map[string]Source),
		regCh:   make(chan registration),
		unregCh: make(chan unregistration),
		modCh:   make(chan modification),
	}
}

// Register adds src to the set of channels Run waits on. It is safe to
// call from any goroutine other than Run's own, and blocks until Run
// receives the registration: called before Run has started it waits for
// Run, and called from inside a Handler it deadlocks, since Run is busy
// running that Handler.
func (m *Multiplexer) Register(src Source) error {
	if src.Name == "" {
		return errors.New("mux: source must have a name")
	}
	if src.Handler == nil {
		return errors.New("mux: source must have a handler")
	}
	v := reflect.ValueOf(src.Ch)
	if v.Kind() != reflect.Chan {
		return fmt.Errorf("mux: source %q: Ch must be a channel, got %s", src.Name, v.Kind())
	}
	if v.Type().ChanDir() == reflect.SendDir {
		return fmt.Errorf("mux: source %q: Ch must be receivable", src.Name)
	}
	resp := make(chan error, 1)
	m.regCh <- registration{src: src, resp: resp}
	return <-resp
}

// Unregister drops a source. Events already in flight for it may still be
// delivered to its Handler before this takes effect.
func (m *Multiplexer) Unregister(name string) {
	resp := make(chan struct{})
	m.unregCh <- unregistration{name: name, resp: resp}
	<-resp
}

// Modify replaces the Handler already-registered source name dispatches to,
// without a full Unregister/Register round trip. This is the channel-based
// analogue of changing a descriptor's interest mask: a Go channel has no
// equivalent of EPOLLIN/EPOLLOUT, but the Handler is the one thing about a
// registered Source a caller might legitimately want to change in place.
// Returns an error if name isn't currently registered.
func (m *Multiplexer) Modify(name string, handler Handler) error {
	if handler == nil {
		return errors.New("mux: handler must not be nil")
	}
	resp := make(chan error, 1)
	m.modCh <- modification{name: name, handler: handler, resp: resp}
	return <-resp
}

// Run blocks, dispatching events to their sources' handlers one at a
// time, until ctx is canceled, a Handler returns Stop, or a Handler
// returns an error. The select set is rebuilt on every iteration since
// sources can be added and removed between events; with the handful of
// sources the daemon ever registers this costs nothing worth avoiding.
func (m *Multiplexer) Run(ctx context.Context) error {
	for {
		cases := make([]reflect.SelectCase, 0, len(m.sources)+4)
		names := make([]string, 0, len(m.sources)+4)

		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
		names = append(names, "")
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.regCh)})
		names = append(names, "")
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.unregCh)})
		names = append(names, "")
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(m.modCh)})
		names = append(names, "")

		for name, src := range m.sources {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(src.Ch)})
			names = append(names, name)
		}

		chosen, val, ok := reflect.Select(cases)
		switch chosen {
		case 0:
			return ctx.Err()
		case 1:
			reg := val.Interface().(registration)
			if _, exists := m.sources[reg.src.Name]; exists {
				reg.resp <- fmt.Errorf("mux: source %q already registered", reg.src.Name)
			} else if len(m.sources) >= MaxSources {
				reg.resp <- ErrFull
			} else {
				m.sources[reg.src.Name] = reg.src
				reg.resp <- nil
			}
		case 2:
			un := val.Interface().(unregistration)
			delete(m.sources, un.name)
			close(un.resp)
		case 3:
			mod := val.Interface().(modification)
			src, present := m.sources[mod.name]
			if !present {
				mod.resp <- fmt.Errorf("mux: source %q not registered", mod.name)
			} else {
				src.Handler = mod.handler
				m.sources[mod.name] = src
				mod.resp <- nil
			}
		default:
			name := names[chosen]
			src, present := m.sources[name]
			if !present {
				// raced with an Unregister between building cases and firing;
				// nothing to dispatch to.
				continue
			}
			ev := Event{Source: name, Ok: ok}
			if !ok {
				delete(m.sources, name)
			} else {
				ev.Value = val.Interface()
			}
			outcome, err := src.Handler(ev)
			if err != nil {
				return err
			}
			if outcome == Stop {
				return nil
			}
			if outcome == Drop {
				delete(m.sources, name)
			}
		}
	}
}
