// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwreg

import (
	"fmt"
	"time"

	"github.com/go-lpc/bpm/dsc"
	"github.com/go-lpc/bpm/internal/mmap"
)

// pollInterval is how often FIFOAcquirer polls the level register
// while waiting for a burst to fill.
const pollInterval = time.Microsecond

// DefaultAcquireTimeout bounds how long Acquire waits for the FIFO
// fill-level register to reach the requested sample count; a stalled
// FIFO past this point is a hardware fault, not a normal operating
// condition.
const DefaultAcquireTimeout = 5 * time.Second

// FIFOAcquirer reads demodulated (cosine, sine) sample bursts out of
// a memory-mapped acquisition FIFO: one (cosine, sine) data register
// pair per channel, plus a fill-level register the caller polls until enough samples
// are available.
type FIFOAcquirer struct {
	level   regs32Source
	data    [4]channelRegs
	timeout time.Duration
}

type regs32Source interface {
	Read() uint32
}

type channelRegs struct {
	cos, sin regs32Source
}

// NewFIFOAcquirer builds a FIFOAcquirer over h: level is the FIFO
// fill-level register offset, and dataOff holds the four (cos, sin)
// register-pair offsets, one pair per button channel.
func NewFIFOAcquirer(h *mmap.Handle, levelOff int64, dataOff [dsc.NumChannels][2]int64) *FIFOAcquirer {
	a := &FIFOAcquirer{level: reg32At(h, levelOff), timeout: DefaultAcquireTimeout}
	for ch := range dataOff {
		a.data[ch] = channelRegs{
			cos: reg32At(h, dataOff[ch][0]),
			sin: reg32At(h, dataOff[ch][1]),
		}
	}
	return a
}

// Acquire implements dsc.Acquirer: it polls the fill-level register
// until n samples are available (bounded by a generous timeout, since
// a stalled FIFO is a hardware fault, not a normal operating
// condition) and reads them back one word per channel per sample. The
// switch-position marker is carried in the least-significant bit of
// channel A's cosine word.
func (a *FIFOAcquirer) Acquire(n int) (dsc.Burst, error) {
	deadline := time.Now().Add(a.timeout)
	for int(a.level.Read()) < n {
		if time.Now().After(deadline) {
			return dsc.Burst{}, fmt.Errorf("hwreg: timed out waiting for %d acquisition samples", n)
		}
		time.Sleep(pollInterval)
	}

	burst := dsc.Burst{
		Samples: make([][dsc.NumChannels]dsc.IQSample, n),
		Marker:  make([]bool, n),
	}
	for i := 0; i < n; i++ {
		for ch := 0; ch < dsc.NumChannels; ch++ {
			cosRaw := a.data[ch].cos.Read()
			sinRaw := a.data[ch].sin.Read()
			burst.Samples[i][ch] = dsc.IQSample{
				Cos: q16ToFloat(cosRaw),
				Sin: q16ToFloat(sinRaw),
			}
			if ch == 0 {
				burst.Marker[i] = cosRaw&1 != 0
			}
		}
	}
	return burst, nil
}

// ArmSnapshot implements dsc.ADCSampler: it reads n consecutive
// samples of the given channel's cosine word as a raw ADC-rate
// amplitude snapshot for the AGC estimator, at whichever switch
// position the hardware is currently driving (pos is accepted for
// interface compatibility but the snapshot register file has no
// per-position addressing of its own — the caller is responsible for
// having already settled the switch at pos before calling).
func (a *FIFOAcquirer) ArmSnapshot(pos int, n int, timeout time.Duration) (samples [dsc.NumChannels][]float64, err error) {
	deadline := time.Now().Add(timeout)
	for int(a.level.Read()) < n {
		if time.Now().After(deadline) {
			return samples, fmt.Errorf("hwreg: timed out arming snapshot at position %d", pos)
		}
		time.Sleep(pollInterval)
	}

	for ch := 0; ch < dsc.NumChannels; ch++ {
		samples[ch] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for ch := 0; ch < dsc.NumChannels; ch++ {
			samples[ch][i] = q16ToFloat(a.data[ch].cos.Read())
		}
	}
	return samples, nil
}

// q16ToFloat decodes a Q16.16 fixed-point register value, the
// inverse of the gain/phase commit path's q16 encoder.
func q16ToFloat(v uint32) float64 {
	return float64(int32(v)) / (1 << 16)
}

var (
	_ dsc.Acquirer   = (*FIFOAcquirer)(nil)
	_ dsc.ADCSampler = (*FIFOAcquirer)(nil)
)
