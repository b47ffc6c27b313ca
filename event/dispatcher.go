// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source is the hardware event source capability: ReadEvent blocks
// until the next hardware event arrives (or the source is torn down),
// returning its id and parameter. It is the event receiver's only
// suspension point, mirroring pll.ClockSource's role for the clock
// controllers.
type Source interface {
	ReadEvent() (id ID, param int, ok bool)
}

// Dispatcher pairs the event table with the handler table: a fixed
// set of subscribed event ids, each with its own merge policy and a
// priority-ordered handler list, drained by a single dedicated
// execution context so that no handler is ever invoked concurrently
// with itself.
type Dispatcher struct {
	msg *log.Logger

	mu       sync.Mutex
	slots    map[ID]*slot
	order    []ID
	handlers map[ID][]handlerEntry

	sem  chan struct{}
	stop chan struct{}

	grp *errgroup.Group
}

type handlerEntry struct {
	priority int
	handler  Handler
}

// NewDispatcher builds an empty Dispatcher. Call Enable for every
// event id the wiring layer cares about, then Register a handler for
// each, before calling Spawn.
func NewDispatcher(msg *log.Logger) *Dispatcher {
	if msg == nil {
		msg = log.New(log.Writer(), "event: ", 0)
	}
	return &Dispatcher{
		msg:      msg,
		slots:    make(map[ID]*slot),
		handlers: make(map[ID][]handlerEntry),
		sem:      make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Enable adds id to the set of subscribed events, binding it to its
// merge policy. It is a no-op if id is already enabled.
func (d *Dispatcher) Enable(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.slots[id]; ok {
		return
	}
	d.slots[id] = &slot{merge: policyFor(id)}
	d.order = append(d.order, id)
}

// Register binds h to id at the given priority index. Handlers for
// the same id are invoked in ascending priority order; ids are not
// required to be enabled yet — the event table and the handler table
// are populated independently during wiring.
func (d *Dispatcher) Register(id ID, priority int, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := append(d.handlers[id], handlerEntry{priority: priority, handler: h})
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	d.handlers[id] = list
}

// NotifyEvent applies id's merge policy to param and, if id is
// enabled, wakes the dispatcher. It is the hand-off point between the
// event receiver's hardware-blocking context and the dispatcher's
// drain loop; called concurrently with a drain in progress, it never
// blocks and never loses an occurrence.
func (d *Dispatcher) NotifyEvent(id ID, param int) {
	d.mu.Lock()
	s, ok := d.slots[id]
	if !ok {
		d.mu.Unlock()
		d.msg.Printf("unhandled event id=%v ignored", id)
		return
	}
	merged, warn := s.merge(s.occurred, s.param, param)
	s.param = merged
	s.occurred = true
	d.mu.Unlock()

	if warn {
		d.msg.Printf("synchronisation trigger missed")
	}

	select {
	case d.sem <- struct{}{}:
	default:
	}
}

// Spawn starts the event receiver and dispatcher execution contexts.
// It fails if the dispatcher is already running.
func (d *Dispatcher) Spawn(source Source) error {
	d.mu.Lock()
	if d.grp != nil {
		d.mu.Unlock()
		return fmt.Errorf("event: dispatcher already spawned")
	}
	d.grp = new(errgroup.Group)
	d.mu.Unlock()

	d.grp.Go(func() error { return d.receive(source) })
	d.grp.Go(d.dispatchLoop)
	return nil
}

// Close asks both execution contexts to exit cooperatively and waits
// for them to do so.
func (d *Dispatcher) Close() error {
	close(d.stop)
	if d.grp == nil {
		return nil
	}
	return d.grp.Wait()
}

// receive is the event receiver's dedicated execution context: it
// blocks on the hardware event source and hands every event it sees to
// NotifyEvent. The event receiver never drops an event — a read
// failure is logged and retried, never silently discarded.
func (d *Dispatcher) receive(source Source) error {
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}

		id, param, ok := source.ReadEvent()
		if !ok {
			d.msg.Printf("could not read hardware event source, retrying")
			select {
			case <-d.stop:
				return nil
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		d.NotifyEvent(id, param)
	}
}

// dispatchLoop is the dispatcher's dedicated execution context: it
// wakes on the semaphore and drains every pending slot.
func (d *Dispatcher) dispatchLoop() error {
	for {
		select {
		case <-d.stop:
			return nil
		case <-d.sem:
			d.drain()
		}
	}
}

// drain snapshots and clears every pending slot under the dispatcher
// lock, then invokes each fired event's handlers, in priority order,
// with the lock released — so a handler blocking on an Interlock's
// Wait never stalls another event's merge.
func (d *Dispatcher) drain() {
	type fired struct {
		id    ID
		param int
	}

	d.mu.Lock()
	var events []fired
	for _, id := range d.order {
		s := d.slots[id]
		if s.occurred {
			events = append(events, fired{id: id, param: s.param})
			s.occurred = false
		}
	}
	d.mu.Unlock()

	for _, ev := range events {
		for _, he := range d.handlers[ev.id] {
			he.handler.OnEvent(ev.param)
		}
	}
}
