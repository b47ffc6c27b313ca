// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/go-lpc/bpm/internal/regs"
)

// TickInterval is the compensation scheduler's fixed tick period.
const TickInterval = 3 * time.Second

// NumAmpPositions is the number of switch positions the amplitude and
// phase estimators cycle over in one repeating sequence; it is
// distinct from CoefficientTable's 16 stored positions — only the low
// 8 are driven by this acquisition geometry, the rest belonging to a
// second attenuator bank this engine does not address directly.
const NumAmpPositions = 8

// MinIntegratedPower is the minimum summed-amplitude threshold below
// which amplitude/phase refinement aborts rather than commits.
const MinIntegratedPower = 2e8

// AuditSink is the optional audit-trail capability an *auditdb.DB
// implements; when configured, the compensation tick's commit paths
// (runAmplitude, runPhase, runGain) record a row for every coefficient
// commit and AGC level transition there.
type AuditSink interface {
	RecordCoeffCommit(ctx context.Context, powerDBm int, status uint8) error
	RecordAGCTransition(ctx context.Context, from, to, powerDBm int) error
}

// Mode is the operator-selected DSC compensation mode.
type Mode int32

const (
	ModeOff Mode = iota
	ModeUnity
	ModeAuto
)

// AGCMode is the operator-selected AGC mode.
type AGCMode int32

const (
	AGCManual AGCMode = iota
	AGCAuto
)

// Config holds the scheduler's fixed tuning: the hardware's N_TBT
// dwell length, the phase estimator's averaging count, the
// intermediate frequency used to convert the phase slope into a
// detune, and the routing table mapping (switch position, channel) to
// an absolute FPGA register index.
type Config struct {
	NTBT         int
	PhAvg        int
	FTBT         float64
	RoutingTable [NumAmpPositions][NumChannels]int
	AGC          AGCConfig
}

// Engine is the DSC compensation engine: the round-robin scheduler
// over {gain, amplitude, phase, crosstalk} plus the client-request
// service loop, both operating against one shared CoefficientTable.
type Engine struct {
	cfg   Config
	table *CoefficientTable

	acq     Acquirer
	sampler ADCSampler
	att     Attenuator
	saver   LastGoodSaver

	gainBank  *regs.Bank
	phaseBank *regs.Bank

	attSchedule *AttenuatorSchedule

	view *RegisterView

	audit AuditSink
	msg   *log.Logger

	tickEvery time.Duration

	mu           sync.Mutex
	mode         Mode
	agc          AGCMode
	tickIdx      int
	gainFiltered float64
	targetLevel  float64
	lastDetune   float64
	switchAuto   bool
	switchFixed  int

	requests chan clientRequest
	stop     chan struct{}
}

type clientRequest struct {
	req  Request
	resp chan Reply
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.msg = l
	}
}

func WithGainBank(b *regs.Bank) Option {
	return func(e *Engine) {
		e.gainBank = b
	}
}

func WithPhaseBank(b *regs.Bank) Option {
	return func(e *Engine) {
		e.phaseBank = b
	}
}

func WithLastGoodSaver(s LastGoodSaver) Option {
	return func(e *Engine) {
		e.saver = s
	}
}

func WithAuditSink(a AuditSink) Option {
	return func(e *Engine) {
		e.audit = a
	}
}

func WithRegisterView(v *RegisterView) Option {
	return func(e *Engine) {
		e.view = v
	}
}

// WithTickInterval overrides the scheduler's round-robin tick period
// (TickInterval by default).
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.tickEvery = d
	}
}

// New builds an Engine around the given coefficient table and
// hardware capabilities.
func New(cfg Config, table *CoefficientTable, acq Acquirer, sampler ADCSampler, att Attenuator, schedule *AttenuatorSchedule, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		table:       table,
		acq:         acq,
		sampler:     sampler,
		att:         att,
		attSchedule: schedule,
		requests:    make(chan clientRequest),
		stop:        make(chan struct{}),
		msg:         log.New(log.Writer(), "dsc: ", 0),
	}
	if schedule != nil {
		min, _ := schedule.Range()
		e.targetLevel = float64(min)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.view != nil {
		// Crosstalk compensation is reserved (the scheduler's
		// crosstalk tick is a no-op), so the demux register surface
		// starts and stays at the identity mapping; the switch
		// sequence reflects whatever mode SetSwitch/SET_SWITCH left
		// it in, auto by default.
		for pos := 0; pos < NumSwitchPositions; pos++ {
			var identity DemuxArray
			for ch := 0; ch < NumChannels; ch++ {
				identity[ch][ch] = 1
			}
			_ = e.view.WriteDemuxArray(pos, identity)
		}
		e.view.Commit()
		e.pushSwitchSequence()
	}
	return e
}

// Run is the scheduler's dedicated execution context: it ticks the
// round-robin compensation stage and services client requests,
// returning when Close is called.
func (e *Engine) Run(power func() int) error {
	every := e.tickEvery
	if every <= 0 {
		every = TickInterval
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return nil
		case <-ticker.C:
			e.tick(power())
		case r := <-e.requests:
			r.resp <- e.HandleRequest(r.req)
		}
	}
}

// Close asks the scheduler's execution context to exit.
func (e *Engine) Close() error {
	close(e.stop)
	return nil
}

func (e *Engine) tick(dBm int) {
	e.mu.Lock()
	idx := e.tickIdx % 4
	e.tickIdx++
	e.mu.Unlock()

	var err error
	switch idx {
	case 0:
		err = e.runGain(dBm)
	case 1:
		err = e.runAmplitude(dBm)
	case 2:
		err = e.runPhase(dBm)
	case 3:
		// crosstalk: reserved, intentionally a no-op.
	}
	if err != nil {
		e.msg.Printf("compensation tick (stage %d, power %d dBm) failed: %+v", idx, dBm, err)
	}
}

func (e *Engine) currentMode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Engine) currentAGC() AGCMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agc
}

func (e *Engine) commitGainRegister(pos, ch int, coeff float64) {
	if e.gainBank == nil {
		return
	}
	idx := e.cfg.RoutingTable[pos][ch]
	e.gainBank.Write(idx, q16(coeff))
}

func (e *Engine) commitPhaseRegister(pos, ch int, phase float64) {
	if e.phaseBank == nil {
		return
	}
	idx := e.cfg.RoutingTable[pos][ch]
	e.phaseBank.Write(idx, q16(phase))
}

// q16 encodes a float as a Q16.16 fixed-point register value, the
// format the FPGA gain/phase register files expect.
func q16(v float64) uint32 {
	return uint32(int32(math.Round(v * (1 << 16))))
}

// recordCoeffCommit notifies the configured audit sink, if any, that
// the compensation record for dBm was just committed.
func (e *Engine) recordCoeffCommit(dBm int, status uint8) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordCoeffCommit(context.Background(), dBm, status); err != nil {
		e.msg.Printf("could not record coefficient commit audit row: %+v", err)
	}
}

// recordAGCTransition notifies the configured audit sink, if any, of
// an AGC attenuation-level change.
func (e *Engine) recordAGCTransition(from, to, dBm int) {
	if e.audit == nil {
		return
	}
	if err := e.audit.RecordAGCTransition(context.Background(), from, to, dBm); err != nil {
		e.msg.Printf("could not record AGC transition audit row: %+v", err)
	}
}
