// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dsc implements the DSC (digital signal conditioning)
// compensation engine: the amplitude, phase and gain (AGC) estimators
// that keep the four button channels of a beam-position measurement
// balanced across switch positions and input power levels.
package dsc // import "github.com/go-lpc/bpm/dsc"

import "sync"

const (
	MinPowerDBm = -100
	MaxPowerDBm = 30
	// NumPowerLevels is the width of the coefficient table, one entry
	// per integer dBm in [MinPowerDBm, MaxPowerDBm].
	NumPowerLevels = MaxPowerDBm - MinPowerDBm + 1

	NumSwitchPositions = 16
	NumChannels        = 4
)

// Status bits recorded in a CompensationRecord, set once the
// corresponding estimator has committed a value for that power level.
const (
	StatusAmplitudeValid uint8 = 1 << iota
	StatusPhaseValid
)

// CompensationRecord holds one input-power level's calibration: an
// amplitude scalar and a phase angle per (switch position, channel),
// plus a bitmask of which fields have actually been calibrated.
type CompensationRecord struct {
	Amp    [NumSwitchPositions][NumChannels]float64
	Phase  [NumSwitchPositions][NumChannels]float64
	Status uint8
}

func newCompensationRecord() CompensationRecord {
	var rec CompensationRecord
	for pos := range rec.Amp {
		for ch := range rec.Amp[pos] {
			rec.Amp[pos][ch] = 1.0
		}
	}
	return rec
}

// CoefficientTable is the [-100,+30] dBm coefficient table, held as a
// single array (it is not double-buffered). Every mutation builds a full replacement record and swaps it
// into place under a single lock, so a reader — the persistence poller
// or a diagnostic client — never observes a record half-updated by an
// in-progress estimator.
type CoefficientTable struct {
	mu    sync.RWMutex
	table [NumPowerLevels]CompensationRecord
}

// NewCoefficientTable builds a table with every record lazily
// initialised to unity amplitude, zero phase, and no valid bits set.
func NewCoefficientTable() *CoefficientTable {
	t := &CoefficientTable{}
	for i := range t.table {
		t.table[i] = newCompensationRecord()
	}
	return t
}

func powerIndex(dBm int) (int, bool) {
	if dBm < MinPowerDBm || dBm > MaxPowerDBm {
		return 0, false
	}
	return dBm - MinPowerDBm, true
}

// Record returns a copy of the record for the given power level.
func (t *CoefficientTable) Record(dBm int) (CompensationRecord, bool) {
	idx, ok := powerIndex(dBm)
	if !ok {
		return CompensationRecord{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table[idx], true
}

// Commit atomically replaces the record for the given power level.
func (t *CoefficientTable) Commit(dBm int, rec CompensationRecord) bool {
	idx, ok := powerIndex(dBm)
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table[idx] = rec
	return true
}

// Mutate reads the record for dBm, applies fn to a private copy, and
// commits the result — the read-modify-commit pattern the amplitude
// and phase estimators use, one power level per cycle. The gain
// estimator only reads records, through Record.
func (t *CoefficientTable) Mutate(dBm int, fn func(rec *CompensationRecord)) bool {
	rec, ok := t.Record(dBm)
	if !ok {
		return false
	}
	fn(&rec)
	return t.Commit(dBm, rec)
}

// Snapshot returns a copy of the whole table, the shape the
// persistence layer dumps to disk.
func (t *CoefficientTable) Snapshot() [NumPowerLevels]CompensationRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.table
}

// Load replaces the whole table, the shape the persistence layer
// restores a binary dump into at startup.
func (t *CoefficientTable) Load(records [NumPowerLevels]CompensationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table = records
}
