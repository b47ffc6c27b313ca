// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import "math"

// CordicGain is the fixed gain a CORDIC magnitude estimate carries and
// must be divided out of any absolute amplitude derived from it.
const CordicGain = 1.6468

// CordicMagnitude approximates the firmware's CORDIC magnitude
// primitive. ok is false for the documented failure mode of both
// inputs being exactly zero.
func CordicMagnitude(cos, sin float64) (mag float64, ok bool) {
	if cos == 0 && sin == 0 {
		return 0, false
	}
	return math.Hypot(cos, sin), true
}

// CordicPhase approximates the firmware's CORDIC phase primitive,
// returning radians in (-pi, pi]. ok is false for the same
// both-inputs-zero failure mode as CordicMagnitude.
func CordicPhase(cos, sin float64) (phase float64, ok bool) {
	if cos == 0 && sin == 0 {
		return 0, false
	}
	return math.Atan2(sin, cos), true
}

// WrapPi reduces an angle into (-pi, pi].
func WrapPi(a float64) float64 {
	for a <= -math.Pi {
		a += 2 * math.Pi
	}
	for a > math.Pi {
		a -= 2 * math.Pi
	}
	return a
}

// UnwrapPhase adds the ±2π jump whenever two consecutive samples
// differ by more than 3π/2, turning a wrapped phase sequence into a
// monotonically drifting one.
func UnwrapPhase(phases []float64) []float64 {
	if len(phases) == 0 {
		return nil
	}
	out := make([]float64, len(phases))
	out[0] = phases[0]
	offset := 0.0
	for i := 1; i < len(phases); i++ {
		diff := phases[i] - phases[i-1]
		switch {
		case diff > 1.5*math.Pi:
			offset -= 2 * math.Pi
		case diff < -1.5*math.Pi:
			offset += 2 * math.Pi
		}
		out[i] = phases[i] + offset
	}
	return out
}

// BoxcarSmooth applies the first-order box-car smoothing filter
// y[n] = k*x[n] + (1-k)*y[n-1] in place.
func BoxcarSmooth(x []float64, k float64) {
	if len(x) == 0 {
		return
	}
	prev := x[0]
	for i := 1; i < len(x); i++ {
		x[i] = k*x[i] + (1-k)*prev
		prev = x[i]
	}
}

// GeometricMean returns the geometric mean of a non-empty slice of
// strictly positive values.
func GeometricMean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += math.Log(v)
	}
	return math.Exp(sum / float64(len(vals)))
}

// TrimmedMean drops the lowest and highest sample (if there are
// enough samples to do so) and averages the rest, the per-position
// estimate the amplitude pass accumulates.
func TrimmedMean(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return 0
	}
	if n <= 2 {
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return sum / float64(n)
	}
	lo, hi := 0, 0
	for i, v := range vals {
		if v < vals[lo] {
			lo = i
		}
		if v > vals[hi] {
			hi = i
		}
	}
	sum, count := 0.0, 0
	for i, v := range vals {
		if i == lo || i == hi {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return vals[0]
	}
	return sum / float64(count)
}
