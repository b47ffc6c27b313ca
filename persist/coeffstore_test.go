// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-lpc/bpm/dsc"
)

func sampleTable() [dsc.NumPowerLevels]dsc.CompensationRecord {
	var table [dsc.NumPowerLevels]dsc.CompensationRecord
	for i := range table {
		table[i].Amp[0][0] = float64(i) + 0.5
		table[i].Phase[3][2] = float64(i) * 1.25
		table[i].Status = dsc.StatusAmplitudeValid
	}
	return table
}

func TestCoeffStore_SaveVolatileLoadVolatileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := NewCoeffStore(filepath.Join(dir, "volatile.dat"), filepath.Join(dir, "lastgood.dat"), "", nil)

	want := sampleTable()
	if err := s.SaveVolatile(want); err != nil {
		t.Fatalf("SaveVolatile: %+v", err)
	}

	got, ok, err := s.LoadVolatile()
	if err != nil {
		t.Fatalf("LoadVolatile: %+v", err)
	}
	if !ok {
		t.Fatalf("expected a snapshot to be present")
	}
	if got != want {
		t.Fatalf("round-tripped table does not match original")
	}
}

func TestCoeffStore_LoadVolatileMissingIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s := NewCoeffStore(filepath.Join(dir, "volatile.dat"), filepath.Join(dir, "lastgood.dat"), "", nil)

	_, ok, err := s.LoadVolatile()
	if err != nil {
		t.Fatalf("LoadVolatile: %+v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot in a fresh directory")
	}
}

func TestCoeffStore_SaveLastGoodRateLimited(t *testing.T) {
	dir := t.TempDir()
	// mountPoint "" disables the remount dance so the test does not
	// need CAP_SYS_ADMIN.
	s := NewCoeffStore(filepath.Join(dir, "volatile.dat"), filepath.Join(dir, "lastgood.dat"), "", nil)

	table := sampleTable()
	if err := s.SaveLastGood(table); err != nil {
		t.Fatalf("first SaveLastGood: %+v", err)
	}
	if err := s.SaveLastGood(table); err != dsc.ErrTryAgain {
		t.Fatalf("second SaveLastGood: got %v, want dsc.ErrTryAgain", err)
	}

	got, ok, err := s.LoadPersistent()
	if err != nil {
		t.Fatalf("LoadPersistent: %+v", err)
	}
	if !ok || got != table {
		t.Fatalf("persistent snapshot missing or does not match")
	}
}

func TestCoeffStore_DecodeRejectsCorruptDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volatile.dat")
	s := NewCoeffStore(path, filepath.Join(dir, "lastgood.dat"), "", nil)

	table := sampleTable()
	if err := s.SaveVolatile(table); err != nil {
		t.Fatalf("SaveVolatile: %+v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading back dump: %+v", err)
	}
	data[len(data)-1] ^= 0xFF // flip a bit deep in the payload

	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewriting corrupt dump: %+v", err)
	}

	if _, _, err := s.LoadVolatile(); err == nil {
		t.Fatalf("expected a checksum error for a corrupted dump")
	}
}
