// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package event

import "testing"

func TestMergeInterlock_KeepsFirstReason(t *testing.T) {
	got, warn := mergeInterlock(true, 7, 9)
	if got != 7 || warn {
		t.Fatalf("got (%d,%v), want (7,false)", got, warn)
	}
	got, warn = mergeInterlock(false, 7, 9)
	if got != 9 || warn {
		t.Fatalf("got (%d,%v), want (9,false)", got, warn)
	}
}

func TestMergeCounted_CountsMissedTriggers(t *testing.T) {
	if got, _ := mergeCounted(false, 3, 99); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	if got, _ := mergeCounted(true, 3, 99); got != 4 {
		t.Fatalf("got %d, want 4", got)
	}
}

func TestMergeSyncTrigger_WarnsOnlyWhenPending(t *testing.T) {
	if got, warn := mergeSyncTrigger(false, 1, 2); got != 0 || warn {
		t.Fatalf("got (%d,%v), want (0,false)", got, warn)
	}
	if got, warn := mergeSyncTrigger(true, 1, 2); got != 0 || !warn {
		t.Fatalf("got (%d,%v), want (0,true)", got, warn)
	}
}

func TestMergeOverwrite_AlwaysTakesNew(t *testing.T) {
	if got, _ := mergeOverwrite(true, 1, 2); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestPolicyFor_SelectsExpectedRule(t *testing.T) {
	if got, _ := policyFor(InterlockEvent)(true, 5, 99); got != 5 {
		t.Fatalf("InterlockEvent: got %d, want old value preserved (5)", got)
	}
	if got, _ := policyFor(Tick)(true, 5, 99); got != 6 {
		t.Fatalf("Tick: got %d, want incremented count (6)", got)
	}
	if got, _ := policyFor(Postmortem)(true, 5, 99); got != 6 {
		t.Fatalf("Postmortem: got %d, want incremented count (6)", got)
	}
	if got, _ := policyFor(Booster)(true, 5, 99); got != 99 {
		t.Fatalf("Booster: got %d, want overwrite (99)", got)
	}
}
