// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import (
	"fmt"
	"sync"
)

// Variant selects which hardware's attenuation range a RegisterView
// enforces: the Electron and Brilliance front ends expose different
// maximum step-attenuator settings.
type Variant int

const (
	VariantElectron Variant = iota
	VariantBrilliance
)

// MaxAttenuation returns the largest attenuation setting the variant
// accepts.
func (v Variant) MaxAttenuation() int {
	if v == VariantBrilliance {
		return 31
	}
	return 62
}

// SwitchSequence is the repeating pattern of analog-switch positions
// the hardware cycles through, tiled to fill all NumSwitchPositions
// slots; each entry only carries its low 4 bits.
type SwitchSequence [NumSwitchPositions]uint8

// PhaseArray holds one switch position's per-channel phase
// compensation pair: the committed phase correction and the
// intermediate-frequency detune it was computed against.
type PhaseArray [NumChannels][2]int32

// DemuxArray holds one switch position's channel demultiplex matrix:
// DemuxArray[out][in] is the coefficient routing input channel in to
// output channel out.
type DemuxArray [NumChannels][NumChannels]int32

// registerHalf is one physical half of the double-buffered DSC
// register file.
type registerHalf struct {
	attenuation int
	switchSeq   SwitchSequence
	phase       [NumSwitchPositions]PhaseArray
	demux       [NumSwitchPositions]DemuxArray
}

// RegisterView models the FPGA's double-buffered DSC register file:
// attenuation, switch-sequence, phase-array and demux-array writes
// land in a staging area and only take effect on the half the next
// Commit targets. Each field carries its own dirty counter set to 2
// on a write, so a field touched once is still re-applied on the
// following commit — guaranteeing both physical halves eventually
// carry the same value even though a commit only ever writes to the
// currently-inactive one.
type RegisterView struct {
	mu      sync.Mutex
	variant Variant

	half   [2]registerHalf
	active int

	current registerHalf

	dirtyAtten, dirtySwitch, dirtyPhase, dirtyDemux int
}

// NewRegisterView builds a RegisterView enforcing variant's
// attenuation range, with both halves zeroed (unity-free, all-zero
// switch/phase/demux state).
func NewRegisterView(variant Variant) *RegisterView {
	return &RegisterView{variant: variant}
}

// WriteAttenuation stages a new attenuation setting, rejecting values
// outside [0, variant.MaxAttenuation()].
func (v *RegisterView) WriteAttenuation(val int) error {
	max := v.variant.MaxAttenuation()
	if val < 0 || val > max {
		return fmt.Errorf("dsc: attenuation %d out of range [0,%d]", val, max)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current.attenuation = val
	v.dirtyAtten = 2
	return nil
}

// isPowerOfTwoSwitchLength reports whether n is a valid switch
// sequence length: a power of 2 in {1,2,4,8,16}, the only lengths
// that tile the 16-slot sequence register evenly.
func isPowerOfTwoSwitchLength(n int) bool {
	return n > 0 && n <= NumSwitchPositions && n&(n-1) == 0
}

// WriteSwitchSequence stages seq, tiled to fill all
// NumSwitchPositions slots, rejecting any length that is not a power
// of 2 in {1,2,4,8,16}.
func (v *RegisterView) WriteSwitchSequence(seq []uint8) error {
	n := len(seq)
	if !isPowerOfTwoSwitchLength(n) {
		return fmt.Errorf("dsc: switch sequence length %d must be a power of 2 in {1,2,4,8,16}", n)
	}

	var out SwitchSequence
	for i := 0; i < NumSwitchPositions; i += n {
		for j := 0; j < n; j++ {
			out[i+j] = seq[j] & 0xF
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.current.switchSeq = out
	v.dirtySwitch = 2
	return nil
}

// WritePhaseArray stages arr as switch position pos's phase
// compensation pair.
func (v *RegisterView) WritePhaseArray(pos int, arr PhaseArray) error {
	if pos < 0 || pos >= NumSwitchPositions {
		return fmt.Errorf("dsc: phase array position %d out of range", pos)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current.phase[pos] = arr
	v.dirtyPhase = 2
	return nil
}

// WriteDemuxArray stages arr as switch position pos's channel demux
// matrix.
func (v *RegisterView) WriteDemuxArray(pos int, arr DemuxArray) error {
	if pos < 0 || pos >= NumSwitchPositions {
		return fmt.Errorf("dsc: demux array position %d out of range", pos)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current.demux[pos] = arr
	v.dirtyDemux = 2
	return nil
}

// Commit copies every still-dirty staged field into the currently
// inactive half, decrements that field's dirty counter, then makes
// the just-written half active — so reading back from the half
// Commit just targeted is the identity for whatever was last written
// to that field.
func (v *RegisterView) Commit() {
	v.mu.Lock()
	defer v.mu.Unlock()

	inactive := v.active ^ 1

	if v.dirtyAtten > 0 {
		v.half[inactive].attenuation = v.current.attenuation
		v.dirtyAtten--
	}
	if v.dirtySwitch > 0 {
		v.half[inactive].switchSeq = v.current.switchSeq
		v.dirtySwitch--
	}
	if v.dirtyPhase > 0 {
		v.half[inactive].phase = v.current.phase
		v.dirtyPhase--
	}
	if v.dirtyDemux > 0 {
		v.half[inactive].demux = v.current.demux
		v.dirtyDemux--
	}

	v.active = inactive
}

// ActiveAttenuation returns the attenuation setting of the currently
// active half.
func (v *RegisterView) ActiveAttenuation() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.half[v.active].attenuation
}

// ActiveSwitchSequence returns the switch sequence of the currently
// active half.
func (v *RegisterView) ActiveSwitchSequence() SwitchSequence {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.half[v.active].switchSeq
}

// ActivePhaseArray returns switch position pos's phase pair from the
// currently active half.
func (v *RegisterView) ActivePhaseArray(pos int) PhaseArray {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.half[v.active].phase[pos]
}

// ActiveDemuxArray returns switch position pos's demux matrix from
// the currently active half.
func (v *RegisterView) ActiveDemuxArray(pos int) DemuxArray {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.half[v.active].demux[pos]
}
