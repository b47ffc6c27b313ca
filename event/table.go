// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event implements the in-process fan-out of hardware trigger
// events to consumer subsystems: a fixed-capacity merge table keyed by
// event id, a dispatcher goroutine draining it in priority order, and
// the Interlock handshake object each handler uses to gate data it
// publishes to the external observer layer.
package event // import "github.com/go-lpc/bpm/event"

// ID identifies one distinct class of hardware event. The standard
// values are defined below; merge policy and handler priority are both
// keyed by it.
type ID int

// Standard event ids the merge-policy table recognises by name; a
// Dispatcher may be configured with additional, caller-defined ids
// that fall back to the "other: overwrite" policy.
const (
	Postmortem ID = iota
	InterlockEvent
	SyncTrigger
	Tick
	MeanSums
	FirstTurn
	TurnByTurn
	FreeRunning
	SignalConditioning
	Booster
)

// mergePolicy computes the new merged parameter for an event id given
// whether an unconsumed occurrence is already pending and its
// previously merged parameter.
type mergePolicy func(pending bool, old, new int) (merged int, warn bool)

// mergeInterlock keeps the first (oldest) reason: once a reason is
// pending, later occurrences are dropped.
func mergeInterlock(pending bool, old, new int) (int, bool) {
	if pending {
		return old, false
	}
	return new, false
}

// mergeCounted counts missed occurrences: each merge while one is
// already pending increments the count, matching the trigger and
// postmortem event merge rule.
func mergeCounted(pending bool, old, new int) (int, bool) {
	if pending {
		return old + 1, false
	}
	return 0, false
}

// mergeSyncTrigger never accumulates a count — a missed
// synchronisation trigger is always a bug worth a warning — but still
// reports whether one was already pending so the caller can log it.
func mergeSyncTrigger(pending bool, old, new int) (int, bool) {
	return 0, pending
}

// mergeOverwrite is the default policy: the newest parameter always
// wins.
func mergeOverwrite(pending bool, old, new int) (int, bool) {
	return new, false
}

func policyFor(id ID) mergePolicy {
	switch id {
	case InterlockEvent:
		return mergeInterlock
	case Tick, Postmortem:
		return mergeCounted
	case SyncTrigger:
		return mergeSyncTrigger
	default:
		return mergeOverwrite
	}
}

// slot is one event table entry: whether an occurrence is pending and
// its merged parameter.
type slot struct {
	occurred bool
	param    int
	merge    mergePolicy
}

// Handler receives a dispatched event's merged parameter. It must
// return before the dispatcher invokes the next handler for the same
// event; handlers for different events may run back to back but never
// concurrently with themselves.
type Handler interface {
	OnEvent(param int)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(param int)

func (f HandlerFunc) OnEvent(param int) { f(param) }
