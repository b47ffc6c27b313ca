// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
commandFifo: /run/bpm/clock.cmd
statusFifo: /run/bpm/clock.status
machine:
  name: machine
  prescale: 10921527
  normalLimit: 1000
  slewLimit: 10000
  reportInterval: 10
system:
  name: system
  prescale: 125000000
dsc:
  requestFifo: /run/bpm/dsc.req
  attenuatorScheduleFile: /etc/bpm/attenuator.sched
  tickInterval: 3s
persist:
  scalarStateFile: /var/lib/bpm/state.txt
  volatileCoeffFile: /tmp/dsc_lastgood.dat
  persistentCoeffFile: /opt/dsc/lastgood.dat
  mountPoint: /
audit:
  enabled: true
  name: bpm_audit
pidDir: /run/bpm
verbose: true
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bpm.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("could not write temp config: %+v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTemp(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %+v", err)
	}

	if got, want := cfg.CommandFIFO, "/run/bpm/clock.cmd"; got != want {
		t.Fatalf("CommandFIFO: got %q, want %q", got, want)
	}
	if got, want := cfg.Machine.Prescale, int64(10921527); got != want {
		t.Fatalf("Machine.Prescale: got %d, want %d", got, want)
	}
	if got, want := cfg.DSC.TickInterval, 3*time.Second; got != want {
		t.Fatalf("DSC.TickInterval: got %v, want %v", got, want)
	}
	if !cfg.Audit.Enabled || cfg.Audit.Name != "bpm_audit" {
		t.Fatalf("Audit: got %+v, want enabled with name bpm_audit", cfg.Audit)
	}
	if !cfg.Verbose {
		t.Fatalf("Verbose: got false, want true")
	}
}

func TestLoad_MissingRequiredFieldFails(t *testing.T) {
	path := writeTemp(t, `
commandFifo: /run/bpm/clock.cmd
statusFifo: /run/bpm/clock.status
machine:
  name: machine
system:
  name: system
  prescale: 125000000
dsc:
  requestFifo: /run/bpm/dsc.req
persist:
  scalarStateFile: /var/lib/bpm/state.txt
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to fail: machine clock is missing its prescale")
	}
}

func TestLoad_AuditEnabledWithoutNameFails(t *testing.T) {
	path := writeTemp(t, `
commandFifo: /run/bpm/clock.cmd
statusFifo: /run/bpm/clock.status
machine:
  name: machine
  prescale: 10921527
system:
  name: system
  prescale: 125000000
dsc:
  requestFifo: /run/bpm/dsc.req
persist:
  scalarStateFile: /var/lib/bpm/state.txt
audit:
  enabled: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to fail: audit.enabled without audit.name")
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("expected Load to fail for a missing file")
	}
}
