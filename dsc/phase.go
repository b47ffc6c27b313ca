// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import (
	"fmt"
	"math"
)

// runPhase is one phase compensation pass. It only runs once
// amplitude compensation has committed a value for dBm: phase angles
// measured against unbalanced amplitudes would be thrown away on the
// next amplitude commit anyway.
func (e *Engine) runPhase(dBm int) error {
	if e.currentMode() != ModeAuto {
		return nil
	}
	rec, ok := e.table.Record(dBm)
	if !ok {
		return fmt.Errorf("dsc: phase: power level %d dBm out of range", dBm)
	}
	if rec.Status&StatusAmplitudeValid == 0 {
		return nil
	}

	nTBT := e.cfg.NTBT
	n := 8 * nTBT * (e.cfg.PhAvg + 1)
	burst, err := e.acq.Acquire(n)
	if err != nil {
		return fmt.Errorf("dsc: phase: could not acquire burst: %w", err)
	}

	marker := findMarker(burst.Marker, nTBT+9, nTBT)
	if marker < 0 {
		return fmt.Errorf("dsc: phase: no switch marker found")
	}

	phaseA := make([]float64, len(burst.Samples))
	for i, s := range burst.Samples {
		p, good := CordicPhase(s[0].Cos, s[0].Sin)
		if !good {
			return fmt.Errorf("dsc: phase: cordic failure on channel A at sample %d", i)
		}
		phaseA[i] = p
	}
	unwrapped := UnwrapPhase(phaseA)

	span := len(unwrapped) - 1
	if span <= 0 {
		return fmt.Errorf("dsc: phase: burst too short for a slope estimate")
	}
	avgAngle := (unwrapped[span] - unwrapped[0]) / float64(span)

	var angles [NumAmpPositions][NumChannels]float64
	for pos := 0; pos < NumAmpPositions; pos++ {
		base := marker + pos*nTBT

		lo := base + int(0.2*float64(nTBT))
		hi := base + int(0.8*float64(nTBT))
		var sumAB, sumAC, sumAD float64
		count := 0
		if hi <= len(burst.Samples) {
			for i := lo; i < hi; i++ {
				pa, _ := CordicPhase(burst.Samples[i][0].Cos, burst.Samples[i][0].Sin)
				pb, _ := CordicPhase(burst.Samples[i][1].Cos, burst.Samples[i][1].Sin)
				pc, _ := CordicPhase(burst.Samples[i][2].Cos, burst.Samples[i][2].Sin)
				pd, _ := CordicPhase(burst.Samples[i][3].Cos, burst.Samples[i][3].Sin)
				sumAB += WrapPi(pb - pa)
				sumAC += WrapPi(pc - pa)
				sumAD += WrapPi(pd - pa)
				count++
			}
		}
		var dAB, dAC, dAD float64
		if count > 0 {
			dAB, dAC, dAD = sumAB/float64(count), sumAC/float64(count), sumAD/float64(count)
		}

		var deltaA float64
		if pos == NumAmpPositions-1 {
			deltaA = 0
		} else {
			refBase := base + nTBT
			refLen := int(math.Round(0.5 * float64(nTBT)))
			if refBase+refLen <= len(unwrapped) {
				var sumDiff float64
				for i := 0; i < refLen; i++ {
					extrapolated := unwrapped[0] + avgAngle*float64(refBase+i)
					sumDiff += unwrapped[refBase+i] - extrapolated
				}
				deltaA = WrapPi(sumDiff / float64(refLen))
			}
		}

		angles[pos] = [NumChannels]float64{
			WrapPi(deltaA),
			WrapPi(deltaA + dAB),
			WrapPi(deltaA + dAC),
			WrapPi(deltaA + dAD),
		}
	}

	var committedStatus uint8
	ok = e.table.Mutate(dBm, func(rec *CompensationRecord) {
		for pos := 0; pos < NumAmpPositions; pos++ {
			var arr PhaseArray
			for ch := 0; ch < NumChannels; ch++ {
				rec.Phase[pos][ch] = WrapPi(rec.Phase[pos][ch] - angles[pos][ch])
				e.commitPhaseRegister(pos, ch, rec.Phase[pos][ch])
				arr[ch] = [2]int32{int32(q16(rec.Phase[pos][ch])), int32(q16(avgAngle))}
			}
			if e.view != nil {
				if err := e.view.WritePhaseArray(pos, arr); err != nil {
					e.msg.Printf("could not write phase array at position %d: %+v", pos, err)
				}
			}
		}
		rec.Status |= StatusPhaseValid
		committedStatus = rec.Status
	})
	if !ok {
		return fmt.Errorf("dsc: phase: power level %d dBm out of range", dBm)
	}
	if e.view != nil {
		e.view.Commit()
	}
	e.recordCoeffCommit(dBm, committedStatus)

	e.mu.Lock()
	e.lastDetune = avgAngle * e.cfg.FTBT / (2 * math.Pi)
	e.mu.Unlock()

	return nil
}

// Detune returns the most recently computed intermediate-frequency
// detune, in the same units as Config.FTBT.
func (e *Engine) Detune() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDetune
}
