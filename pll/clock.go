// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pll // import "github.com/go-lpc/bpm/pll"

// ClockSource reads the free-running hardware pulse counter that a
// controller servos against. ReadClock may block up to the hardware
// timeout; it is the controller's only suspension point, and the
// controller releases its serialisation lock for the duration of the
// call. ok is false on a hardware read failure.
type ClockSource interface {
	ReadClock() (count int64, ok bool)
}

// DAC writes the 16-bit control register that drives the VCXO.
type DAC interface {
	SetDAC(v uint16)
}

// Driver is the hardware notification callback, invoked once per
// successful clock update with the raw tick delta since the previous
// sample, the unclamped phase offset, and whether the controller
// currently considers itself phase-locked.
type Driver interface {
	NotifyDriver(delta int64, phaseOffsetRaw int64, phaseLocked bool)
}
