// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pidfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteRunningRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpm.pid")

	if Running(path) {
		t.Fatalf("Running: got true for a nonexistent pid file")
	}

	if err := Write(path); err != nil {
		t.Fatalf("Write: %+v", err)
	}
	// Our own process is alive by construction, so the just-written
	// PID file must now report as running.
	if !Running(path) {
		t.Fatalf("Running: got false right after Write")
	}

	if err := Write(path); err == nil {
		t.Fatalf("expected a second Write to the same path to fail (O_EXCL)")
	}

	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %+v", err)
	}
	if Running(path) {
		t.Fatalf("Running: got true after Remove")
	}
}

func TestRunning_StalePidFileIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpm.pid")
	// PID 0 is never a valid process to signal.
	if err := os.WriteFile(path, []byte("0"), 0o644); err != nil {
		t.Fatalf("could not seed stale pid file: %+v", err)
	}
	if Running(path) {
		t.Fatalf("Running: got true for pid 0")
	}
}

func TestRunning_MalformedPidFileIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpm.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("could not seed malformed pid file: %+v", err)
	}
	if Running(path) {
		t.Fatalf("Running: got true for a malformed pid file")
	}
}

func TestEnsureFIFO_IdempotentAndRemovable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bpm.fifo")

	if err := EnsureFIFO(path, 0o600); err != nil {
		t.Fatalf("first EnsureFIFO: %+v", err)
	}
	if err := EnsureFIFO(path, 0o600); err != nil {
		t.Fatalf("second EnsureFIFO (already exists): %+v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %+v", err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected a named pipe at %q, got mode %v", path, fi.Mode())
	}

	if err := RemoveFIFO(path); err != nil {
		t.Fatalf("RemoveFIFO: %+v", err)
	}
	if err := RemoveFIFO(path); err != nil {
		t.Fatalf("RemoveFIFO on an already-removed FIFO should be a no-op: %+v", err)
	}
}
