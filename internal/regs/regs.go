// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs models a small addressable register bank, generalizing
// the closure-backed register views the FPGA device driver used to
// read and write hardware registers so the same shape can address
// anything from a memory-mapped region to an in-memory test double.
package regs // import "github.com/go-lpc/bpm/internal/regs"

// Reg32 is a single 32-bit register view, backed by caller-supplied
// read/write closures.
type Reg32 struct {
	r func() uint32
	w func(v uint32)
}

// NewReg32 builds a register view around r/w.
func NewReg32(r func() uint32, w func(v uint32)) Reg32 {
	return Reg32{r: r, w: w}
}

func (reg Reg32) Read() uint32   { return reg.r() }
func (reg Reg32) Write(v uint32) { reg.w(v) }

// Bank is a fixed-size set of addressable registers, such as the
// per-(switch-position, RF-chain) gain and phase register files the
// compensation engine commits coefficients into.
type Bank struct {
	regs []Reg32
}

// NewBank wraps a slice of register views as one addressable bank.
func NewBank(regs []Reg32) *Bank {
	return &Bank{regs: regs}
}

func (b *Bank) Len() int { return len(b.regs) }

func (b *Bank) Read(i int) uint32 {
	return b.regs[i].Read()
}

func (b *Bank) Write(i int, v uint32) {
	b.regs[i].Write(v)
}
