// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"sync"
	"testing"
	"time"
)

type fakeSource struct {
	mu     sync.Mutex
	events []struct {
		id    ID
		param int
	}
	closed chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{closed: make(chan struct{})}
}

func (f *fakeSource) push(id ID, param int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, struct {
		id    ID
		param int
	}{id, param})
}

func (f *fakeSource) ReadEvent() (ID, int, bool) {
	for {
		f.mu.Lock()
		if len(f.events) > 0 {
			ev := f.events[0]
			f.events = f.events[1:]
			f.mu.Unlock()
			return ev.id, ev.param, true
		}
		f.mu.Unlock()

		select {
		case <-f.closed:
			return 0, 0, false
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeSource) Close() { close(f.closed) }

type countingHandler struct {
	mu     sync.Mutex
	params []int
	seen   chan int
}

func newCountingHandler() *countingHandler {
	return &countingHandler{seen: make(chan int, 16)}
}

func (h *countingHandler) OnEvent(param int) {
	h.mu.Lock()
	h.params = append(h.params, param)
	h.mu.Unlock()
	h.seen <- param
}

func TestDispatcher_NotifyEvent_UnenabledIDIsIgnored(t *testing.T) {
	d := NewDispatcher(nil)
	// Must not panic, must not block: there is no slot for Booster.
	d.NotifyEvent(Booster, 42)
}

func TestDispatcher_DrainDeliversInPriorityOrder(t *testing.T) {
	d := NewDispatcher(nil)
	d.Enable(Tick)

	var mu sync.Mutex
	var order []string
	record := func(name string) HandlerFunc {
		return func(param int) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	d.Register(Tick, 2, record("second"))
	d.Register(Tick, 0, record("first"))
	d.Register(Tick, 1, record("middle"))

	d.NotifyEvent(Tick, 1)
	d.drain()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "middle" || order[2] != "second" {
		t.Fatalf("got order %v, want [first middle second]", order)
	}
}

func TestDispatcher_MergePolicyAppliedBeforeDrain(t *testing.T) {
	d := NewDispatcher(nil)
	d.Enable(Tick)

	h := newCountingHandler()
	d.Register(Tick, 0, h)

	d.NotifyEvent(Tick, 0) // pending=false -> merged=0
	d.NotifyEvent(Tick, 0) // pending=true  -> merged=1 (one missed trigger)
	d.drain()

	select {
	case p := <-h.seen:
		if p != 1 {
			t.Fatalf("got param %d, want 1 (one missed trigger counted)", p)
		}
	default:
		t.Fatalf("handler was never invoked")
	}
}

func TestDispatcher_SpawnAndClose_RoundTrips(t *testing.T) {
	d := NewDispatcher(nil)
	d.Enable(Tick)

	h := newCountingHandler()
	d.Register(Tick, 0, h)

	src := newFakeSource()
	if err := d.Spawn(src); err != nil {
		t.Fatalf("Spawn: %+v", err)
	}

	// Tick uses the counted merge: a single occurrence with nothing
	// already pending is delivered with a missed-trigger count of 0,
	// whatever parameter the source reported.
	src.push(Tick, 7)

	select {
	case p := <-h.seen:
		if p != 0 {
			t.Fatalf("got %d, want 0 (no missed triggers)", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("handler was never invoked")
	}

	src.Close()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
}

func TestDispatcher_Spawn_TwiceFails(t *testing.T) {
	d := NewDispatcher(nil)
	src := newFakeSource()
	defer src.Close()

	if err := d.Spawn(src); err != nil {
		t.Fatalf("first Spawn: %+v", err)
	}
	if err := d.Spawn(src); err == nil {
		t.Fatalf("expected second Spawn to fail")
	}
	d.Close()
}
