// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import "fmt"

const nAcqAvg = 8

// runAmplitude is one amplitude compensation pass: it acquires
// nAcqAvg bursts of 8*N_TBT samples, locates the switch-position
// marker, trims and averages the amplitude at each of the 8
// positions, and renormalises the stored coefficients to unity
// geometric mean per channel.
func (e *Engine) runAmplitude(dBm int) error {
	if e.currentMode() != ModeAuto {
		return nil
	}

	nTBT := e.cfg.NTBT
	period := 8 * nTBT
	burst, err := e.acq.Acquire(nAcqAvg * period)
	if err != nil {
		return fmt.Errorf("dsc: amplitude: could not acquire burst: %w", err)
	}

	mag := make([][NumChannels]float64, len(burst.Samples))
	for i, s := range burst.Samples {
		for ch := 0; ch < NumChannels; ch++ {
			m, ok := CordicMagnitude(s[ch].Cos, s[ch].Sin)
			if !ok {
				m = 0
			}
			mag[i][ch] = m
		}
	}
	for ch := 0; ch < NumChannels; ch++ {
		col := make([]float64, len(mag))
		for i := range mag {
			col[i] = mag[i][ch]
		}
		BoxcarSmooth(col, 0.5)
		for i := range mag {
			mag[i][ch] = col[i]
		}
	}

	marker := findMarker(burst.Marker, 0, nTBT)
	if marker < 0 {
		return fmt.Errorf("dsc: amplitude: no switch marker found")
	}

	var accum [NumAmpPositions][NumChannels]float64
	for acqN := 0; acqN < nAcqAvg; acqN++ {
		base := marker + acqN*period
		for pos := 0; pos < NumAmpPositions; pos++ {
			lo := base + pos*nTBT + 4
			hi := base + (pos+1)*nTBT - 2
			if hi > len(mag) || lo >= hi {
				continue
			}
			for ch := 0; ch < NumChannels; ch++ {
				vals := make([]float64, 0, hi-lo)
				for i := lo; i < hi; i++ {
					vals = append(vals, mag[i][ch])
				}
				accum[pos][ch] += TrimmedMean(vals)
			}
		}
	}

	var total float64
	for pos := range accum {
		for ch := range accum[pos] {
			total += accum[pos][ch]
		}
	}
	if total < MinIntegratedPower {
		return fmt.Errorf("dsc: amplitude: integrated power %.3g below threshold", total)
	}

	var committedStatus uint8
	ok := e.table.Mutate(dBm, func(rec *CompensationRecord) {
		var gch [NumChannels]float64
		for ch := 0; ch < NumChannels; ch++ {
			vals := make([]float64, NumAmpPositions)
			for pos := 0; pos < NumAmpPositions; pos++ {
				vals[pos] = accum[pos][ch]
			}
			gch[ch] = GeometricMean(vals)
		}

		for pos := 0; pos < NumAmpPositions; pos++ {
			for ch := 0; ch < NumChannels; ch++ {
				if accum[pos][ch] == 0 {
					continue
				}
				c := rec.Amp[pos][ch] * (gch[ch] / accum[pos][ch])
				if c > 1.99 {
					c = 1.99
				}
				rec.Amp[pos][ch] = c
			}
		}

		for ch := 0; ch < NumChannels; ch++ {
			vals := make([]float64, NumAmpPositions)
			for pos := 0; pos < NumAmpPositions; pos++ {
				vals[pos] = rec.Amp[pos][ch]
			}
			mch := GeometricMean(vals)
			if mch == 0 {
				continue
			}
			for pos := 0; pos < NumAmpPositions; pos++ {
				rec.Amp[pos][ch] /= mch
				e.commitGainRegister(pos, ch, rec.Amp[pos][ch])
			}
		}

		rec.Status |= StatusAmplitudeValid
		committedStatus = rec.Status
	})
	if !ok {
		return fmt.Errorf("dsc: amplitude: power level %d dBm out of range", dBm)
	}
	e.recordCoeffCommit(dBm, committedStatus)
	return nil
}

// findMarker scans marker bits starting at startAt for the first
// window of nTBT consecutive set bits.
func findMarker(bits []bool, startAt, nTBT int) int {
	for i := startAt; i+nTBT <= len(bits); i++ {
		all := true
		for k := 0; k < nTBT; k++ {
			if !bits[i+k] {
				all = false
				break
			}
		}
		if all {
			return i
		}
	}
	return -1
}
