// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pll

// SyncState is a controller's synchronisation state machine: it only
// ever moves no-sync -> tracking -> synchronised, and can be dropped
// back to no-sync from either of the other two states.
type SyncState int

const (
	NoSync SyncState = iota
	Tracking
	Synchronised
)

func (s SyncState) String() string {
	switch s {
	case NoSync:
		return "no-sync"
	case Tracking:
		return "tracking"
	case Synchronised:
		return "synchronised"
	default:
		return "unknown"
	}
}
