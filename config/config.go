// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config parses the YAML startup configuration shared by the
// clockd and dscd daemons: FIFO and device paths, and the tunables
// that only change at boot (report interval, persistence poll
// period, AGC thresholds). Frequently-changing runtime scalars
// (frequency offset, verbose flag, mode) are not part of this file —
// they live in the key=value scalar store persist.ScalarStore
// maintains across restarts.
package config // import "github.com/go-lpc/bpm/config"

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Clock holds one clock-pair member's (machine or system) PLL
// controller configuration. The command and status FIFOs are shared by
// both clocks and live at the top level of Config.
type Clock struct {
	// Name identifies the clock in log output ("machine" or "system").
	Name string `yaml:"name"`

	// Prescale is the nominal phase advance per tick the controller
	// servos against.
	Prescale int64 `yaml:"prescale"`

	// NormalLimit and SlewLimit are the phase-error limits beyond
	// which synchronisation is dropped, in normal operation and while
	// slewing through a commanded phase-offset change.
	NormalLimit int32 `yaml:"normalLimit,omitempty"`
	SlewLimit   int32 `yaml:"slewLimit,omitempty"`

	// ReportInterval is the default number of ticks between
	// unconditional status-line emissions. Zero means use the
	// controller's built-in default.
	ReportInterval int `yaml:"reportInterval,omitempty"`
}

// DSC holds the DSC compensation daemon's startup configuration.
type DSC struct {
	// RequestFIFO is the path to the named pipe (or the TCP address,
	// if it contains a colon) clients send Request messages to.
	RequestFIFO string `yaml:"requestFifo"`

	// AttenuatorScheduleFile is the path to the text file
	// dsc.ParseAttenuatorSchedule reads the power/attenuation mapping
	// from.
	AttenuatorScheduleFile string `yaml:"attenuatorScheduleFile"`

	// SMBusBus is the SMBus adapter number (/dev/i2c-<n>) the
	// step-attenuator pair is addressed through.
	SMBusBus int `yaml:"smbusBus,omitempty"`

	// AttenuatorAddr1/AttenuatorAddr2 are the SMBus slave addresses of
	// the two step-attenuators, and AttenuatorCmd1/AttenuatorCmd2 the
	// command register each one exposes its "set attenuation" write
	// on.
	AttenuatorAddr1 uint8 `yaml:"attenuatorAddr1,omitempty"`
	AttenuatorAddr2 uint8 `yaml:"attenuatorAddr2,omitempty"`
	AttenuatorCmd1  uint8 `yaml:"attenuatorCmd1,omitempty"`
	AttenuatorCmd2  uint8 `yaml:"attenuatorCmd2,omitempty"`

	// AcquireDevice is the path to the memory-mapped acquisition FIFO
	// register file runGain/runAmplitude/runPhase read demodulated
	// samples from.
	AcquireDevice string `yaml:"acquireDevice,omitempty"`

	// EventDevice is the path to the memory-mapped hardware event
	// queue. Empty disables event dispatch in dscd.
	EventDevice string `yaml:"eventDevice,omitempty"`

	// GainDevice and PhaseDevice are the memory-mapped register files
	// holding the committed per-(position,channel) gain and phase
	// correction banks, wired through internal/regs.Bank.
	GainDevice  string `yaml:"gainDevice,omitempty"`
	PhaseDevice string `yaml:"phaseDevice,omitempty"`

	// NTBT and PhAvg configure the hardware's turn-by-turn dwell
	// length and the phase estimator's averaging count.
	NTBT  int `yaml:"ntbt,omitempty"`
	PhAvg int `yaml:"phAvg,omitempty"`

	// AGC holds the gain estimator's fixed sampling and calibration
	// parameters.
	AGC AGC `yaml:"agc"`

	// TickInterval overrides dsc.TickInterval, the period between
	// compensation-engine round-robin ticks. Zero means use the
	// package default.
	TickInterval time.Duration `yaml:"tickInterval,omitempty"`

	// Brilliance selects the Brilliance front end's attenuator range
	// (0-31) for the double-buffered register view instead of the
	// Electron range (0-62).
	Brilliance bool `yaml:"brilliance,omitempty"`
}

// AGC holds the gain estimator's ADC sample rate, intermediate
// frequency, and the two calibration constants converting a
// normalised FIR-delayed demodulator peak into an absolute input
// power in dBm.
type AGC struct {
	FS          float64 `yaml:"fs"`
	FIF         float64 `yaml:"fif"`
	ADCPeak0dBm float64 `yaml:"adcPeak0dBm"`
	ATTNSum0dBm float64 `yaml:"attnSum0dBm"`
}

// Persist holds the file locations and timing parameters of the two
// persistent stores.
type Persist struct {
	// ScalarStateFile is the key=value runtime-scalar store path.
	ScalarStateFile string `yaml:"scalarStateFile"`

	// PollInterval is the background poller's period between
	// dirty-state checks. Zero means use persist.DefaultPollInterval.
	PollInterval time.Duration `yaml:"pollInterval,omitempty"`

	// VolatileCoeffFile is the tmpfs coefficient-table snapshot path,
	// rewritten on every clean shutdown.
	VolatileCoeffFile string `yaml:"volatileCoeffFile,omitempty"`

	// PersistentCoeffFile is the flash-backed last-good coefficient
	// snapshot path, written only on an explicit client request.
	PersistentCoeffFile string `yaml:"persistentCoeffFile,omitempty"`

	// MountPoint is the filesystem mount point remounted read-write
	// for the duration of a write to PersistentCoeffFile. Empty
	// disables the remount dance.
	MountPoint string `yaml:"mountPoint,omitempty"`
}

// AuditDB holds the optional MySQL audit sink's connection
// parameters. A zero value (Enabled false) disables auditing
// entirely — dscd and clockd run without it by default.
type AuditDB struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name,omitempty"`
}

// Config is the root of the YAML startup configuration file, parsed
// once at daemon startup.
type Config struct {
	// CommandFIFO and StatusFIFO are the command and status pipes
	// shared by the machine-clock and system-clock controllers: one
	// command stream mutates both, one status stream reports on both.
	CommandFIFO string `yaml:"commandFifo"`
	StatusFIFO  string `yaml:"statusFifo"`

	Machine Clock   `yaml:"machine"`
	System  Clock   `yaml:"system"`
	DSC     DSC     `yaml:"dsc"`
	Persist Persist `yaml:"persist"`
	Audit   AuditDB `yaml:"audit,omitempty"`

	// PIDDir names a directory for daemon PID files. clockd and dscd
	// do not read it: each takes its PID file path from its -pidfile
	// flag.
	PIDDir string `yaml:"pidDir,omitempty"`

	// Verbose enables the controllers' per-tick diagnostic status
	// lines in addition to the periodic summary line.
	Verbose bool `yaml:"verbose,omitempty"`
}

// Load reads and parses the YAML configuration file at path.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: could not read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: could not parse %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config: invalid configuration in %q: %w", path, err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.CommandFIFO == "" || c.StatusFIFO == "" {
		return fmt.Errorf("clock pair requires commandFifo and statusFifo")
	}
	if c.Machine.Prescale <= 0 {
		return fmt.Errorf("machine clock requires a positive prescale")
	}
	if c.System.Prescale <= 0 {
		return fmt.Errorf("system clock requires a positive prescale")
	}
	if c.DSC.RequestFIFO == "" {
		return fmt.Errorf("dsc requires requestFifo")
	}
	if c.Persist.ScalarStateFile == "" {
		return fmt.Errorf("persist requires scalarStateFile")
	}
	if c.Audit.Enabled && c.Audit.Name == "" {
		return fmt.Errorf("audit.enabled requires audit.name")
	}
	return nil
}
