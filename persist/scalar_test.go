// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package persist

import (
	"path/filepath"
	"testing"
	"time"
)

func TestScalarStore_SetFlushReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.txt")

	s, err := OpenScalarStore(path, nil)
	if err != nil {
		t.Fatalf("OpenScalarStore: %+v", err)
	}
	s.SetInt("AGC_MODE", 1)
	s.Set("SWITCH", "auto")

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %+v", err)
	}

	s2, err := OpenScalarStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %+v", err)
	}
	if v, ok := s2.GetInt("AGC_MODE"); !ok || v != 1 {
		t.Fatalf("AGC_MODE: got (%d,%v), want (1,true)", v, ok)
	}
	if v, ok := s2.Get("SWITCH"); !ok || v != "auto" {
		t.Fatalf("SWITCH: got (%q,%v), want (\"auto\",true)", v, ok)
	}
}

func TestScalarStore_FlushIsNoopWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.txt")

	s, err := OpenScalarStore(path, nil)
	if err != nil {
		t.Fatalf("OpenScalarStore: %+v", err)
	}
	if s.changed() {
		t.Fatalf("freshly opened empty store should not be dirty")
	}
	s.Set("X", "1")
	if !s.changed() {
		t.Fatalf("store should be dirty after Set")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %+v", err)
	}
	if s.changed() {
		t.Fatalf("store should not be dirty immediately after Flush")
	}
	s.Set("X", "1") // same value: must not mark dirty
	if s.changed() {
		t.Fatalf("setting the same value must not mark the store dirty")
	}
}

func TestScalarStore_OpenMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.txt")

	s, err := OpenScalarStore(path, nil)
	if err != nil {
		t.Fatalf("OpenScalarStore: %+v", err)
	}
	if _, ok := s.Get("anything"); ok {
		t.Fatalf("expected no values in a fresh store")
	}
}

func TestScalarStore_RunFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.txt")

	s, err := OpenScalarStore(path, nil)
	if err != nil {
		t.Fatalf("OpenScalarStore: %+v", err)
	}
	s.SetInt("N", 42)

	done := make(chan struct{})
	go func() {
		s.Run(time.Hour) // never ticks within the test
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
	<-done

	s2, err := OpenScalarStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %+v", err)
	}
	if v, ok := s2.GetInt("N"); !ok || v != 42 {
		t.Fatalf("N: got (%d,%v), want (42,true)", v, ok)
	}
}
