// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pll

import "math"

// stageResult is the return code of a single stage tick: advance to
// the next stage, retreat to the previous one, or signal that the
// clock has been lost.
type stageResult int

const (
	stageRetreat stageResult = -1
	stageLost    stageResult = 0
	stageAdvance stageResult = 1
	stageHold    stageResult = 2 // stay in this stage for another tick
)

// Stage is the sum type of the three controller stage variants
// (frequency-seek, proportional-integral, N-pole IIR). Each variant
// carries its own parameter record and exposes its tunables to the
// diagnostic write path (command.go) through the DiagField interface;
// the stage sequencer only ever calls tick.
type Stage interface {
	tick(c *Controller) stageResult
	Kind() string
}

// --- FF: frequency seek -----------------------------------------------

// StageFF is a pure integrator on frequency error: it cannot lock
// phase, and its only termination condition is frequency convergence.
type StageFF struct {
	FK int32 // scaled gain
}

var _ Stage = (*StageFF)(nil)

func (s *StageFF) Kind() string { return "FF" }

func (s *StageFF) tick(c *Controller) stageResult {
	ok := c.updateClock(false)
	if c.st.openLoop {
		return stageRetreat
	}
	if !ok {
		return stageLost
	}

	target := int64(c.st.dac) + int64(s.FK)*int64(c.st.freqErr)
	c.st.dac = clampDAC(target)
	c.dac.SetDAC(c.st.dac)

	if absInt32(c.st.freqErr) <= 1 {
		return stageAdvance
	}
	return stageHold
}

// --- PI: coarse phase lock --------------------------------------------

const piHistoryLen = 16

// StagePI is the coarse phase-lock stage: a PI controller with
// anti-windup and a phase-error-variance convergence test that hands
// off to the IIR stage once the loop has settled.
type StagePI struct {
	KP, KI      int32
	IIR         float64 // smoothing factor in (0,1]
	MaxPhaseErr int32

	tI         int64
	varErr     float64
	hist       [piHistoryLen]int64
	histPos    int
	nominalDAC int64
	seeded     bool
}

var _ Stage = (*StagePI)(nil)

func (s *StagePI) Kind() string { return "PI" }

func (s *StagePI) seed(entryDAC uint16) {
	for i := range s.hist {
		s.hist[i] = int64(entryDAC)
	}
	s.nominalDAC = int64(entryDAC)
	s.varErr = 100.0
	s.tI = 0
	s.seeded = true
}

func (s *StagePI) tick(c *Controller) stageResult {
	if !s.seeded {
		s.seed(c.st.dac)
	}

	if !c.updateClock(true) {
		return stageLost
	}
	if c.st.openLoop {
		return stageHold
	}

	s.tI += int64(c.st.phaseErr)
	target := s.nominalDAC + int64(s.KP)*int64(c.st.phaseErr) + int64(s.KI)*s.tI

	s.hist[s.histPos%piHistoryLen] = target
	s.histPos++

	if target <= 0 || target >= 0xFFFF {
		s.tI -= int64(c.st.phaseErr)
	}

	c.st.dac = clampDAC(target)
	c.dac.SetDAC(c.st.dac)

	if absInt32(c.st.phaseErr) > s.MaxPhaseErr {
		s.seeded = false
		return stageRetreat
	}

	fe := float64(c.st.phaseErr)
	s.varErr = s.IIR*fe*fe + (1-s.IIR)*s.varErr

	if s.varErr < 2 {
		var sum int64
		for _, v := range s.hist {
			sum += v
		}
		c.st.dac = clampDAC(sum / piHistoryLen)
		c.dac.SetDAC(c.st.dac)
		return stageAdvance
	}
	return stageHold
}

// --- IIR: narrow phase lock -------------------------------------------

// IIRCoeff is one (B,A) coefficient pair of an N-pole IIR phase
// filter; A is unused for k==0.
type IIRCoeff struct {
	B, A float64
}

// StageIIR is the narrow phase-lock stage: an order-N IIR filter run
// directly on the phase error, optionally dithered.
type StageIIR struct {
	Order  int
	Dither float64
	Coeffs []IIRCoeff // len == Order+1

	x, y       []float64 // sliding windows, length Order, zero-initialized
	nominalDAC int64
	init       bool
}

var _ Stage = (*StageIIR)(nil)

func (s *StageIIR) Kind() string { return "IIR" }

func (s *StageIIR) ensureInit(entryDAC uint16) {
	if s.init {
		return
	}
	s.x = make([]float64, s.Order)
	s.y = make([]float64, s.Order)
	s.nominalDAC = int64(entryDAC)
	s.init = true
}

func (s *StageIIR) tick(c *Controller) stageResult {
	s.ensureInit(c.st.dac)

	if !c.updateClock(true) {
		return stageLost
	}
	if c.st.openLoop {
		return stageHold
	}
	if c.st.sync == Synchronised {
		c.st.slewing = false
	}

	x0 := float64(c.st.phaseErr) + s.Dither

	y0 := s.Coeffs[0].B * x0
	for k := 1; k <= s.Order; k++ {
		xk := x0
		if k <= len(s.x) {
			xk = s.x[k-1]
		}
		y0 += s.Coeffs[k].B * xk

		yk := 0.0
		if k <= len(s.y) {
			yk = s.y[k-1]
		}
		y0 -= s.Coeffs[k].A * yk
	}

	for i := s.Order - 1; i > 0; i-- {
		s.x[i] = s.x[i-1]
		s.y[i] = s.y[i-1]
	}
	if s.Order > 0 {
		s.x[0] = x0
		s.y[0] = y0
	}

	target := s.nominalDAC + int64(math.Round(y0))
	c.st.dac = clampDAC(target)
	c.dac.SetDAC(c.st.dac)

	if absInt32(c.st.phaseErr) > 2 {
		s.init = false
		return stageRetreat
	}
	return stageHold
}
