// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"log"
	"sync"
	"time"
)

// ReportDoneTimeout bounds how long Interlock.Wait blocks for a
// ReportDone acknowledgement before giving up and letting processing
// continue, a defensive fallback against a lost acknowledgement.
const ReportDoneTimeout = 2 * time.Second

// ObserverReady is the process-wide, one-shot condition broadcast
// exactly once when the external observer layer finishes its own
// initialisation. Every Interlock's very first Wait blocks on it in
// addition to its own handshake; once broadcast it never clears, so
// later waits are no-ops — this avoids the lost-wakeup a plain
// semaphore would have if the broadcast happened before the wait.
type ObserverReady struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready bool
}

// NewObserverReady builds an unset ObserverReady condition.
func NewObserverReady() *ObserverReady {
	r := &ObserverReady{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Broadcast sets the condition and wakes every current and future
// waiter. Calling it more than once has no further effect.
func (r *ObserverReady) Broadcast() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return
	}
	r.ready = true
	r.cond.Broadcast()
}

// Wait blocks until Broadcast has been called at least once.
func (r *ObserverReady) Wait() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for !r.ready {
		r.cond.Wait()
	}
}

// Interlock is the two-PV TRIG/DONE handshake that gates a consumer's
// writes of a fresh data set against the external observer's read of
// the previous one.
// Life cycle: constructed pre-armed (so the first Wait returns as soon
// as the observer is ready), then alternates Wait -> Ready -> Wait.
type Interlock struct {
	observer *ObserverReady
	msg      *log.Logger
	name     string

	sem chan struct{} // capacity-1 binary semaphore, signalled by ReportDone

	mu            sync.Mutex
	firstWait     bool
	mcLow, mcHigh int32
	haveStamp     bool
}

// NewInterlock builds a pre-armed Interlock: name is used only in log
// messages. observer is the process-wide readiness condition every
// first Wait additionally blocks on.
func NewInterlock(name string, observer *ObserverReady, msg *log.Logger) *Interlock {
	if msg == nil {
		msg = log.New(log.Writer(), "event: ", 0)
	}
	il := &Interlock{
		observer:  observer,
		msg:       msg,
		name:      name,
		sem:       make(chan struct{}, 1),
		firstWait: true,
	}
	il.sem <- struct{}{} // ready state: the first Wait returns immediately
	return il
}

// Wait blocks until the observer has signalled completion of the
// previous cycle, bounded by ReportDoneTimeout; on timeout it logs a
// warning and lets processing continue rather than deadlock. The very
// first call additionally blocks on the process-wide observer-ready
// condition before consuming the pre-armed semaphore.
func (il *Interlock) Wait() {
	il.mu.Lock()
	first := il.firstWait
	il.firstWait = false
	il.mu.Unlock()

	if first {
		il.observer.Wait()
	}

	timer := time.NewTimer(ReportDoneTimeout)
	defer timer.Stop()
	select {
	case <-il.sem:
	case <-timer.C:
		il.msg.Printf("interlock %q: timed out waiting for ReportDone after %v", il.name, ReportDoneTimeout)
	}
}

// Ready marks the end of a publishing cycle. If mc is non-nil, the
// 62-bit machine-time value is split into two 31-bit halves and
// stashed for the caller's wire encoding (see Timestamp). Ready sends
// nothing to the external observer itself.
func (il *Interlock) Ready(mc *int64) {
	il.mu.Lock()
	defer il.mu.Unlock()
	if mc != nil {
		const mask31 = 1<<31 - 1
		il.mcLow = int32(*mc & mask31)
		il.mcHigh = int32((*mc >> 31) & mask31)
		il.haveStamp = true
	}
}

// Timestamp returns the machine-time pair most recently stashed by
// Ready, if any.
func (il *Interlock) Timestamp() (low, high int32, ok bool) {
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.mcLow, il.mcHigh, il.haveStamp
}

// ReportDone is invoked by the observer once it has finished reading
// the data Ready published. A warning is logged if a second
// ReportDone arrives before the next Wait consumes the first.
func (il *Interlock) ReportDone() {
	select {
	case il.sem <- struct{}{}:
	default:
		il.msg.Printf("interlock %q: duplicate ReportDone before next Wait", il.name)
	}
}
