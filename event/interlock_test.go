// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import (
	"testing"
	"time"
)

func TestInterlock_FirstWaitUnblocksOnObserverReady(t *testing.T) {
	obs := NewObserverReady()
	il := NewInterlock("test", obs, nil)

	done := make(chan struct{})
	go func() {
		il.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Wait returned before the observer was ready")
	case <-time.After(20 * time.Millisecond):
	}

	obs.Broadcast()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after Broadcast")
	}
}

func TestInterlock_WaitReadyReportDoneRoundTrip(t *testing.T) {
	obs := NewObserverReady()
	obs.Broadcast()
	il := NewInterlock("test", obs, nil)

	il.Wait() // pre-armed, returns immediately

	il.Ready(nil)
	il.ReportDone()
	il.Wait() // should return promptly, consuming the ReportDone signal
}

func TestInterlock_Wait_TimesOutOnMissedReportDone(t *testing.T) {
	obs := NewObserverReady()
	obs.Broadcast()
	il := NewInterlock("test", obs, nil)
	il.Wait() // consume the pre-armed token

	il.Ready(nil)
	// No ReportDone this cycle.

	start := time.Now()
	il.Wait()
	if elapsed := time.Since(start); elapsed < ReportDoneTimeout {
		t.Fatalf("Wait returned after %v, want at least %v", elapsed, ReportDoneTimeout)
	}

	// The subsequent cycle proceeds normally once ReportDone arrives.
	il.Ready(nil)
	il.ReportDone()
	done := make(chan struct{})
	go func() {
		il.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait did not return after a timely ReportDone")
	}
}

func TestInterlock_ReportDone_DuplicateIsHarmless(t *testing.T) {
	obs := NewObserverReady()
	obs.Broadcast()
	il := NewInterlock("test", obs, nil)
	il.Wait()

	il.ReportDone()
	il.ReportDone() // duplicate: logged, not fatal

	il.Wait() // should not block: one signal was buffered
}

func TestInterlock_Ready_SplitsTimestampInto31BitHalves(t *testing.T) {
	obs := NewObserverReady()
	obs.Broadcast()
	il := NewInterlock("test", obs, nil)

	mc := int64(1)<<40 + 12345
	il.Ready(&mc)

	low, high, ok := il.Timestamp()
	if !ok {
		t.Fatalf("expected a stashed timestamp")
	}
	const mask31 = 1<<31 - 1
	if got, want := low, int32(mc&mask31); got != want {
		t.Fatalf("low: got %d, want %d", got, want)
	}
	if got, want := high, int32((mc>>31)&mask31); got != want {
		t.Fatalf("high: got %d, want %d", got, want)
	}
}

func TestObserverReady_BroadcastIsIdempotentAndOneShot(t *testing.T) {
	obs := NewObserverReady()
	obs.Broadcast()
	obs.Broadcast() // must not panic or deadlock

	done := make(chan struct{})
	go func() {
		obs.Wait() // already ready: must return immediately
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Wait blocked after Broadcast")
	}
}
