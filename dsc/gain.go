// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import (
	"fmt"
	"math"
	"time"
)

const (
	agcSnapshotSamples = 1024
	agcSnapshotTimeout = 100 * time.Millisecond

	agcFastThreshold   = 0.025
	agcFastK           = 1.0
	agcSlowK           = 0.125
	agcSlowRegionWidth = 4.0
)

// AGCConfig holds the fixed parameters the gain estimator's FIR
// quadrature delay and power conversion need.
type AGCConfig struct {
	FS, FIF                  float64
	ADCPeak0dBm, ATTNSum0dBm float64
}

func agcFIRCoeffs(fs, fIF float64) (d int, k1, k2 float64) {
	d = int(math.Floor(fs / (4 * fIF)))
	residual := math.Pi/2 - float64(d)*2*math.Pi*fIF/fs
	return d, math.Cos(residual), math.Sin(residual)
}

// runGain is one AGC pass: it arms an ADC-rate snapshot at each
// switch position, estimates the per-channel peak via a FIR-delayed
// CORDIC quadrature demodulator, filters the maximum across channels,
// converts to absolute input power, and steps the target level toward
// it.
func (e *Engine) runGain(dBm int) error {
	if e.currentAGC() != AGCAuto {
		return nil
	}

	d, k1, k2 := agcFIRCoeffs(e.cfg.AGC.FS, e.cfg.AGC.FIF)

	var posPeak [NumAmpPositions][NumChannels]float64
	for pos := 0; pos < NumAmpPositions; pos++ {
		samples, err := e.sampler.ArmSnapshot(pos, agcSnapshotSamples, agcSnapshotTimeout)
		if err != nil {
			return fmt.Errorf("dsc: gain: snapshot at position %d: %w", pos, err)
		}
		for ch := 0; ch < NumChannels; ch++ {
			x := samples[ch]
			var amp []float64
			for n := 0; n+d+1 < len(x); n++ {
				q := (k1*x[n+d] + k2*x[n+d+1]) / (1 << 14)
				m, ok := CordicMagnitude(x[n], q)
				if ok {
					amp = append(amp, m)
				}
			}
			if len(amp) == 0 {
				continue
			}
			peak := 0.0
			for _, v := range amp {
				if v > peak {
					peak = v
				}
			}
			var sum float64
			var cnt int
			for _, v := range amp {
				if v >= 0.95*peak {
					sum += v
					cnt++
				}
			}
			if cnt > 0 {
				posPeak[pos][ch] = sum / float64(cnt)
			}
		}
	}

	var chanAvg [NumChannels]float64
	for ch := 0; ch < NumChannels; ch++ {
		var sum float64
		for pos := 0; pos < NumAmpPositions; pos++ {
			sum += posPeak[pos][ch]
		}
		chanAvg[ch] = sum / NumAmpPositions / CordicGain
	}

	maxPeak := 0.0
	for _, v := range chanAvg {
		if v > maxPeak {
			maxPeak = v
		}
	}

	e.mu.Lock()
	prev := e.gainFiltered
	k := agcSlowK
	if prev == 0 || math.Abs(maxPeak-prev) > agcFastThreshold*prev {
		k = agcFastK
	}
	filtered := k*maxPeak + (1-k)*prev
	e.gainFiltered = filtered
	L := e.targetLevel
	e.mu.Unlock()

	P := 20*math.Log10(filtered/e.cfg.AGC.ADCPeak0dBm) + e.sumAttenuation() - e.cfg.AGC.ATTNSum0dBm

	h := e.hysteresis(L)
	diff := P - L
	newL := L
	switch {
	case math.Abs(diff) < agcSlowRegionWidth:
		if diff < -0.5-h {
			newL = L - 1
		} else if diff > 0.5+h {
			newL = L + 1
		}
	default:
		newL = L + math.Round(0.5*diff)
	}
	newL = e.clampLevel(newL)

	if newL == L {
		return nil
	}

	e.mu.Lock()
	e.targetLevel = newL
	e.mu.Unlock()

	entry, ok := e.attSchedule.Lookup(int(math.Round(newL)))
	if !ok {
		return fmt.Errorf("dsc: gain: no attenuator schedule entry for level %v", newL)
	}
	if e.att != nil {
		if err := e.att.SetAttenuation(entry.Att1, entry.Att2); err != nil {
			return fmt.Errorf("dsc: gain: could not apply attenuator pair: %w", err)
		}
	}
	if e.view != nil {
		if err := e.view.WriteAttenuation(entry.Att1 + entry.Att2); err != nil {
			e.msg.Printf("could not write register-view attenuation: %+v", err)
		} else {
			e.view.Commit()
		}
	}

	// Re-commit the stored calibration for the level just selected, so
	// the hardware gain/phase registers follow the power-dependent
	// coefficient table across attenuation steps.
	if rec, ok := e.table.Record(int(math.Round(newL))); ok {
		for pos := 0; pos < NumAmpPositions; pos++ {
			for ch := 0; ch < NumChannels; ch++ {
				e.commitGainRegister(pos, ch, rec.Amp[pos][ch])
				e.commitPhaseRegister(pos, ch, rec.Phase[pos][ch])
			}
		}
	}

	e.recordAGCTransition(int(math.Round(L)), int(math.Round(newL)), dBm)
	return nil
}

// Level returns the AGC's current target input-power level in dBm,
// the power the coefficient table is being refined against.
func (e *Engine) Level() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(math.Round(e.targetLevel))
}

func (e *Engine) hysteresis(L float64) float64 {
	entry, ok := e.attSchedule.Lookup(int(math.Round(L)))
	if !ok {
		return 0
	}
	return entry.Hysteresis
}

func (e *Engine) clampLevel(L float64) float64 {
	if e.attSchedule == nil {
		return L
	}
	return e.attSchedule.Clamp(L)
}

func (e *Engine) sumAttenuation() float64 {
	e.mu.Lock()
	L := e.targetLevel
	e.mu.Unlock()
	entry, ok := e.attSchedule.Lookup(int(math.Round(L)))
	if !ok {
		return 0
	}
	return float64(entry.Att1 + entry.Att2)
}
