// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hwreg maps the instrument FPGA's register file into process
// address space and exposes it through the small capability
// interfaces pll, clockpair, dsc and event consume (ClockSource, DAC,
// Driver, NCOSetter, Acquirer, Source), each backed by closure-based
// 32-bit register views over the mmap'd region.
package hwreg // import "github.com/go-lpc/bpm/internal/hwreg"

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/go-lpc/bpm/internal/mmap"
	"github.com/go-lpc/bpm/internal/regs"
)

// Map mmaps span bytes of dev starting at base, returning a handle
// whose lifetime is tied to the caller; Close unmaps it.
func Map(dev *os.File, base, span int64) (*mmap.Handle, error) {
	data, err := unix.Mmap(
		int(dev.Fd()), base, int(span),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("hwreg: could not mmap base=0x%x span=%d: %w", base, span, err)
	}
	if len(data) != int(span) {
		return nil, fmt.Errorf("hwreg: invalid mmap'd data: got %d bytes, want %d", len(data), span)
	}
	return mmap.HandleFrom(data), nil
}

func readU32(h *mmap.Handle, off int64) uint32 {
	var buf [4]byte
	if _, err := h.ReadAt(buf[:], off); err != nil {
		panic(fmt.Errorf("hwreg: could not read register at offset 0x%x: %+v", off, err))
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func writeU32(h *mmap.Handle, off int64, v uint32) {
	buf := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	if _, err := h.WriteAt(buf[:], off); err != nil {
		panic(fmt.Errorf("hwreg: could not write register at offset 0x%x: %+v", off, err))
	}
}

func reg32At(h *mmap.Handle, off int64) regs.Reg32 {
	return regs.NewReg32(
		func() uint32 { return readU32(h, off) },
		func(v uint32) { writeU32(h, off, v) },
	)
}

// ClockCounter is a pll.ClockSource backed by a pair of 32-bit
// registers holding the low and high halves of a free-running 64-bit
// tick counter, with a third register carrying a one-bit "counter
// valid" status flag latched by the hardware on every read.
type ClockCounter struct {
	lo, hi, status regs.Reg32
}

// NewClockCounter builds a ClockCounter over h at the given register
// offsets (in bytes).
func NewClockCounter(h *mmap.Handle, loOff, hiOff, statusOff int64) *ClockCounter {
	return &ClockCounter{
		lo:     reg32At(h, loOff),
		hi:     reg32At(h, hiOff),
		status: reg32At(h, statusOff),
	}
}

// ReadClock implements pll.ClockSource. The hardware latches all
// three registers on the low-word read, so reading low, then high,
// then status cannot tear across a wraparound.
func (c *ClockCounter) ReadClock() (count int64, ok bool) {
	lo := c.lo.Read()
	hi := c.hi.Read()
	valid := c.status.Read()&1 != 0
	return int64(hi)<<32 | int64(lo), valid
}

// DACRegister is a pll.DAC backed by one 32-bit register whose low 16
// bits carry the DAC control word.
type DACRegister struct {
	reg regs.Reg32
}

// NewDACRegister builds a DACRegister over h at off.
func NewDACRegister(h *mmap.Handle, off int64) *DACRegister {
	return &DACRegister{reg: reg32At(h, off)}
}

// SetDAC implements pll.DAC.
func (d *DACRegister) SetDAC(v uint16) { d.reg.Write(uint32(v)) }

// DriverStatus is a pll.Driver backed by three registers the
// downstream RF driver board latches on every clock update: the raw
// tick delta (low/high halves) and a one-bit phase-locked flag.
type DriverStatus struct {
	deltaLo, deltaHi, locked regs.Reg32
}

// NewDriverStatus builds a DriverStatus over h at the given offsets.
func NewDriverStatus(h *mmap.Handle, deltaLoOff, deltaHiOff, lockedOff int64) *DriverStatus {
	return &DriverStatus{
		deltaLo: reg32At(h, deltaLoOff),
		deltaHi: reg32At(h, deltaHiOff),
		locked:  reg32At(h, lockedOff),
	}
}

// NotifyDriver implements pll.Driver. phaseOffsetRaw is not latched
// separately: downstream hardware derives it from the delta and the
// locked flag.
func (d *DriverStatus) NotifyDriver(delta int64, phaseOffsetRaw int64, phaseLocked bool) {
	d.deltaLo.Write(uint32(delta))
	d.deltaHi.Write(uint32(delta >> 32))
	if phaseLocked {
		d.locked.Write(1)
	} else {
		d.locked.Write(0)
	}
}

// NCORegister is a clockpair.NCOSetter backed by a single 32-bit
// register holding the intermediate-frequency NCO's signed tuning
// word.
type NCORegister struct {
	reg regs.Reg32
}

// NewNCORegister builds an NCORegister over h at off.
func NewNCORegister(h *mmap.Handle, off int64) *NCORegister {
	return &NCORegister{reg: reg32At(h, off)}
}

// SetNCO implements clockpair.NCOSetter.
func (n *NCORegister) SetNCO(v int32) { n.reg.Write(uint32(v)) }

// Bank builds a regs.Bank of n consecutive 32-bit registers over h,
// starting at base and spaced stride bytes apart — the shape the DSC
// engine's committed gain and phase correction register files use.
func Bank(h *mmap.Handle, base int64, n int, stride int64) *regs.Bank {
	rs := make([]regs.Reg32, n)
	for i := range rs {
		rs[i] = reg32At(h, base+int64(i)*stride)
	}
	return regs.NewBank(rs)
}
