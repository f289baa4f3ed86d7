/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package mux

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRunDispatchesToCorrectHandler(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	a := make(chan int, 1)
	b := make(chan int, 1)
	gotA := make(chan int, 1)
	gotB := make(chan int, 1)

	if err := m.Register(Source{Name: "a", Ch: a, Handler: func(ev Event) (Outcome, error) {
		gotA <- ev.Value.(int)
		return Continue, nil
	}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(Source{Name: "b", Ch: b, Handler: func(ev Event) (Outcome, error) {
		gotB <- ev.Value.(int)
		return Continue, nil
	}}); err != nil {
		t.Fatal(err)
	}

	b <- 2
	a <- 1

	select {
	case v := <-gotA:
		if v != 1 {
			t.Fatalf("expected 1 from a, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a's handler")
	}
	select {
	case v := <-gotB:
		if v != 2 {
			t.Fatalf("expected 2 from b, got %d", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for b's handler")
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestRunStopsOnHandlerStop(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	ch := make(chan struct{}, 1)
	if err := m.Register(Source{Name: "stopper", Ch: ch, Handler: func(Event) (Outcome, error) {
		return Stop, nil
	}}); err != nil {
		t.Fatal(err)
	}
	ch <- struct{}{}

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("expected nil error on Stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop outcome")
	}
}

func TestRunPropagatesHandlerError(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	wantErr := errors.New("boom")
	ch := make(chan struct{}, 1)
	if err := m.Register(Source{Name: "failer", Ch: ch, Handler: func(Event) (Outcome, error) {
		return Continue, wantErr
	}}); err != nil {
		t.Fatal(err)
	}
	ch <- struct{}{}

	select {
	case err := <-runErr:
		if !errors.Is(err, wantErr) {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after handler error")
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	ch := make(chan struct{})
	src := Source{Name: "dup", Ch: ch, Handler: func(Event) (Outcome, error) { return Continue, nil }}
	if err := m.Register(src); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(src); err == nil {
		t.Fatal("expected error registering a duplicate name")
	}
}

func TestRegisterRejectsNonChannel(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if err := m.Register(Source{Name: "bad", Ch: 5, Handler: func(Event) (Outcome, error) { return Continue, nil }}); err == nil {
		t.Fatal("expected error registering a non-channel source")
	}
}

func TestRegisterRejectsOverCap(t *testing.T) {
	m := New()
	noop := func(Event) (Outcome, error) { return Continue, nil }
	for i := 0; i < MaxSources; i++ {
		m.sources[fmt.Sprintf("filler-%d", i)] = Source{Name: fmt.Sprintf("filler-%d", i), Ch: make(chan struct{}), Handler: noop}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	ch := make(chan struct{})
	if err := m.Register(Source{Name: "one-too-many", Ch: ch, Handler: noop}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull once MaxSources are registered, got %v", err)
	}
}

func TestModifyReplacesHandler(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	ch := make(chan int, 1)
	gotOld := make(chan int, 1)
	gotNew := make(chan int, 1)
	if err := m.Register(Source{Name: "modme", Ch: ch, Handler: func(ev Event) (Outcome, error) {
		gotOld <- ev.Value.(int)
		return Continue, nil
	}}); err != nil {
		t.Fatal(err)
	}

	if err := m.Modify("modme", func(ev Event) (Outcome, error) {
		gotNew <- ev.Value.(int)
		return Continue, nil
	}); err != nil {
		t.Fatal(err)
	}

	ch <- 7
	select {
	case v := <-gotNew:
		if v != 7 {
			t.Fatalf("expected 7 from replaced handler, got %d", v)
		}
	case <-gotOld:
		t.Fatal("old handler ran after Modify replaced it")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replaced handler")
	}
}

func TestModifyRejectsUnknownName(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if err := m.Modify("nope", func(Event) (Outcome, error) { return Continue, nil }); err == nil {
		t.Fatal("expected an error modifying an unregistered source")
	}
}

func TestClosedChannelMarksEventNotOk(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	ch := make(chan struct{})
	seen := make(chan bool, 1)
	if err := m.Register(Source{Name: "closer", Ch: ch, Handler: func(ev Event) (Outcome, error) {
		seen <- ev.Ok
		return Continue, nil
	}}); err != nil {
		t.Fatal(err)
	}
	close(ch)

	select {
	case ok := <-seen:
		if ok {
			t.Fatal("expected Ok=false for a closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for closed-channel event")
	}
}
