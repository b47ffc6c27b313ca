// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwreg

import (
	"time"

	"github.com/go-lpc/bpm/event"
	"github.com/go-lpc/bpm/internal/mmap"
)

// eventPollInterval is how often EventFIFO polls the fill-level
// register while no event is pending.
const eventPollInterval = 100 * time.Microsecond

// EventFIFO is an event.Source backed by a memory-mapped hardware
// event queue: a fill-level register plus one (id, parameter) register
// pair, popped by reading the parameter word.
type EventFIFO struct {
	level, id, param regs32Source

	stop chan struct{}
}

// NewEventFIFO builds an EventFIFO over h at the given register
// offsets (in bytes).
func NewEventFIFO(h *mmap.Handle, levelOff, idOff, paramOff int64) *EventFIFO {
	return &EventFIFO{
		level: reg32At(h, levelOff),
		id:    reg32At(h, idOff),
		param: reg32At(h, paramOff),
		stop:  make(chan struct{}),
	}
}

// ReadEvent implements event.Source: it blocks until the hardware
// queue is non-empty (or Close is called) and pops one event. The id
// register must be read before the parameter word, which acknowledges
// the entry.
func (f *EventFIFO) ReadEvent() (event.ID, int, bool) {
	for f.level.Read() == 0 {
		select {
		case <-f.stop:
			return 0, 0, false
		case <-time.After(eventPollInterval):
		}
	}
	id := event.ID(f.id.Read())
	param := int(int32(f.param.Read()))
	return id, param, true
}

// Close wakes any blocked ReadEvent so the event receiver can exit.
func (f *EventFIFO) Close() error {
	close(f.stop)
	return nil
}
