// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pll implements the cascaded digital PLL controller framework
// shared by the machine-clock and system-clock servos: a generic
// multi-stage digital servo that drives a 16-bit DAC to lock a VCXO to
// a pulse stream read from hardware.
package pll // import "github.com/go-lpc/bpm/pll"

import (
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	dacMid                = 0x8000
	dacMax                = 0xFFFF
	defaultReportInterval = 10
)

// Config holds the fixed, effectively-immutable configuration of a
// controller: the nominal phase advance per tick (the prescale), the
// phase-error limits, and the human-readable identity used in logs and
// on the status pipe. Option funcs set everything else at
// construction time; Config itself is never mutated after New.
type Config struct {
	Name        string
	Prefix      byte // 'm' or 's', the status-line / command prefix
	Prescale    int64
	NormalLimit int32
	SlewLimit   int32
}

// state is the mutable, lock-protected half of a controller: current
// DAC value, phase/frequency error, and the various flags the clock
// update contract and the command alphabet mutate at runtime.
type state struct {
	freqOffset  int32
	phaseOffset int32

	lastClock    int64
	nominalClock int64

	phaseErr int32
	freqErr  int32

	phaseLocked bool
	clockOK     bool
	openLoop    bool
	slewing     bool

	dac   uint16
	stage int // 0 == searching; [1,StageCount] once clockOK; StageCount+1 in open loop

	sync SyncState

	verbose        bool
	reportInterval int
	reportAge      int

	prevStage int
	prevSync  SyncState

	openLoopStage int // stage index saved across an open-loop excursion
}

// Controller represents one managed VCXO: the machine-clock or the
// system-clock servo. Both are instances of the same framework,
// differing only in Config and in the ClockSource/DAC/Driver
// capability objects they are constructed with.
type Controller struct {
	cfg Config

	mu sync.Mutex
	st state

	stages []Stage

	clock  ClockSource
	dac    DAC
	driver Driver
	status *StatusPipe

	msg *log.Logger

	grp  *errgroup.Group
	stop chan struct{}
}

// Option configures a Controller at construction time, following the
// functional-options idiom used throughout this codebase's config
// layers.
type Option func(*Controller)

func WithLogger(msg *log.Logger) Option {
	return func(c *Controller) {
		c.msg = msg
	}
}

func WithVerbose(v bool) Option {
	return func(c *Controller) {
		c.st.verbose = v
	}
}

func WithReportInterval(n int) Option {
	return func(c *Controller) {
		c.st.reportInterval = n
	}
}

// New builds a Controller around the given hardware capabilities and
// ordered stage list. The stage list must be non-empty; its order is
// the order stages are traversed by the stage sequencer.
func New(cfg Config, clock ClockSource, dac DAC, driver Driver, status *StatusPipe, stages []Stage, opts ...Option) (*Controller, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pll: controller %q requires at least one stage", cfg.Name)
	}

	c := &Controller{
		cfg:    cfg,
		stages: stages,
		clock:  clock,
		dac:    dac,
		driver: driver,
		status: status,
		msg:    log.New(log.Writer(), fmt.Sprintf("pll(%s): ", cfg.Name), 0),
		stop:   make(chan struct{}),
	}
	c.st.reportInterval = defaultReportInterval
	c.st.dac = dacMid

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Spawn starts the controller's dedicated execution context (a
// goroutine supervised by an errgroup.Group) and returns immediately.
// It fails if the controller is already running.
func (c *Controller) Spawn() error {
	c.mu.Lock()
	if c.grp != nil {
		c.mu.Unlock()
		return fmt.Errorf("pll: controller %q already spawned", c.cfg.Name)
	}
	c.st.dac = dacMid
	c.st.openLoop = false
	c.st.sync = NoSync
	c.st.slewing = false
	c.grp = new(errgroup.Group)
	c.mu.Unlock()

	c.grp.Go(c.run)

	return nil
}

// Close asks the controller's execution context to exit cooperatively
// and waits for it to do so.
func (c *Controller) Close() error {
	close(c.stop)
	if c.grp == nil {
		return nil
	}
	return c.grp.Wait()
}

// Snapshot is a point-in-time, lock-protected copy of a controller's
// mutable state, used by status reporting and by tests.
type Snapshot struct {
	Stage       int
	Sync        SyncState
	DAC         uint16
	PhaseErr    int32
	FreqErr     int32
	PhaseLocked bool
	ClockOK     bool
	OpenLoop    bool
	Slewing     bool
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Stage:       c.st.stage,
		Sync:        c.st.sync,
		DAC:         c.st.dac,
		PhaseErr:    c.st.phaseErr,
		FreqErr:     c.st.freqErr,
		PhaseLocked: c.st.phaseLocked,
		ClockOK:     c.st.clockOK,
		OpenLoop:    c.st.openLoop,
		Slewing:     c.st.slewing,
	}
}

// StageCount returns the number of configured stages.
func (c *Controller) StageCount() int {
	return len(c.stages)
}

func clipInt32(v int64) int32 {
	const (
		maxI32 = int64(1<<31 - 1)
		minI32 = -int64(1 << 31)
	)
	switch {
	case v > maxI32:
		return 1<<31 - 1
	case v < minI32:
		return -(1 << 31)
	default:
		return int32(v)
	}
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func clampDAC(v int64) uint16 {
	switch {
	case v < 0:
		return 0
	case v > dacMax:
		return dacMax
	default:
		return uint16(v)
	}
}
