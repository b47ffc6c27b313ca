// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pll

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	val  int64
	step func(i int) int64
	i    int
	fail bool
}

func (f *fakeClock) ReadClock() (int64, bool) {
	if f.fail {
		return 0, false
	}
	f.val += f.step(f.i)
	f.i++
	return f.val, true
}

type fakeDAC struct {
	writes []uint16
}

func (d *fakeDAC) SetDAC(v uint16) { d.writes = append(d.writes, v) }

type fakeDriver struct {
	calls int
}

func (d *fakeDriver) NotifyDriver(delta, phaseOffsetRaw int64, phaseLocked bool) { d.calls++ }

func newTestController(t *testing.T, prescale int64, clock ClockSource, stages []Stage) (*Controller, *fakeDAC) {
	t.Helper()
	dac := &fakeDAC{}
	drv := &fakeDriver{}
	status := NewStatusPipe(&bytes.Buffer{})
	cfg := Config{
		Name:        "test",
		Prefix:      'm',
		Prescale:    prescale,
		NormalLimit: 100,
		SlewLimit:   500,
	}
	c, err := New(cfg, clock, dac, drv, status, stages, WithLogger(log.New(&bytes.Buffer{}, "", 0)))
	if err != nil {
		t.Fatalf("could not build controller: %+v", err)
	}
	c.st.clockOK = true
	c.st.stage = 1
	return c, dac
}

func TestStageFF_AdvanceOnConvergence(t *testing.T) {
	prescale := int64(1000)
	clock := &fakeClock{step: func(i int) int64 { return prescale }}
	ff := &StageFF{FK: 1}
	c, dac := newTestController(t, prescale, clock, []Stage{ff})

	c.mu.Lock()
	defer c.mu.Unlock()

	res := ff.tick(c)
	if res != stageAdvance {
		t.Fatalf("expected stageAdvance on converged frequency error, got %v", res)
	}
	if c.st.dac > dacMax {
		t.Fatalf("dac out of range: %d", c.st.dac)
	}
	if len(dac.writes) == 0 {
		t.Fatalf("expected at least one DAC write")
	}
}

func TestStageFF_Retreat_WhenOpenLoopSetMidRead(t *testing.T) {
	prescale := int64(1000)
	clock := &fakeClock{step: func(i int) int64 { return prescale }}
	ff := &StageFF{FK: 1}
	c, _ := newTestController(t, prescale, clock, []Stage{ff})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.openLoop = true

	res := ff.tick(c)
	if res != stageRetreat {
		t.Fatalf("expected stageRetreat when open-loop flag set, got %v", res)
	}
}

func TestStagePI_AntiWindup(t *testing.T) {
	prescale := int64(1000)
	// huge phase error each tick to force target out of [0,0xFFFF)
	clock := &fakeClock{step: func(i int) int64 { return prescale - 60000 }}
	pi := &StagePI{KP: 1, KI: 1, IIR: 0.5, MaxPhaseErr: 1 << 30}
	c, _ := newTestController(t, prescale, clock, []Stage{pi})

	c.mu.Lock()
	defer c.mu.Unlock()

	pi.tick(c)
	if pi.tI != 0 {
		t.Fatalf("expected anti-windup rollback to leave tI at 0, got %d", pi.tI)
	}
}

func TestStagePI_ConvergesAndAdvances(t *testing.T) {
	prescale := int64(1000)
	clock := &fakeClock{step: func(i int) int64 { return prescale }}
	pi := &StagePI{KP: 0, KI: 0, IIR: 1.0, MaxPhaseErr: 1000}
	c, _ := newTestController(t, prescale, clock, []Stage{pi})

	c.mu.Lock()
	defer c.mu.Unlock()

	var last stageResult
	for i := 0; i < 4; i++ {
		last = pi.tick(c)
		if last == stageRetreat {
			t.Fatalf("unexpected retreat at iteration %d", i)
		}
		if last == stageAdvance {
			break
		}
	}
	if last != stageAdvance {
		t.Fatalf("expected PI stage to advance once phase error variance settles, got %v", last)
	}
}

func TestStageIIR_OrderZeroIsScalarGain(t *testing.T) {
	prescale := int64(1000)
	clock := &fakeClock{step: func(i int) int64 { return prescale }}
	iir := &StageIIR{Order: 0, Coeffs: []IIRCoeff{{B: 2.0}}}
	c, dac := newTestController(t, prescale, clock, []Stage{iir})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.st.dac = dacMid

	iir.tick(c)
	// phase error should be 0 (clock tracks exactly); DAC should remain
	// at the nominal baseline captured on entry.
	if got, want := dac.writes[len(dac.writes)-1], uint16(dacMid); got != want {
		t.Fatalf("scalar-gain IIR: got dac=%d, want=%d", got, want)
	}
}

func TestStageIIR_RetreatOnLargePhaseError(t *testing.T) {
	prescale := int64(1000)
	clock := &fakeClock{step: func(i int) int64 { return prescale - 10 }}
	iir := &StageIIR{Order: 1, Coeffs: []IIRCoeff{{B: 1}, {B: 0, A: 0}}}
	c, _ := newTestController(t, prescale, clock, []Stage{iir})

	c.mu.Lock()
	defer c.mu.Unlock()

	res := iir.tick(c)
	if res != stageRetreat {
		t.Fatalf("expected retreat on large phase error, got %v", res)
	}
}

func TestCommand_SetPhaseOffsetOpensSlewBitExactly(t *testing.T) {
	clock := &fakeClock{step: func(i int) int64 { return 1000 }}
	c, _ := newTestController(t, 1000, clock, []Stage{&StageFF{FK: 1}})
	c.cfg.NormalLimit = 50

	// delta=0-40=-40, abs(delta)+10=50, not > 50 => no slew
	if err := c.Command("p40"); err != nil {
		t.Fatalf("command failed: %+v", err)
	}
	if c.Snapshot().Slewing {
		t.Fatalf("did not expect slewing to open at the boundary")
	}

	// delta=40-(-11)=51, abs+10=61 > 50 => slew opens
	if err := c.Command("p-11"); err != nil {
		t.Fatalf("command failed: %+v", err)
	}
	if !c.Snapshot().Slewing {
		t.Fatalf("expected slewing to open")
	}
}

func TestCommand_SyncGuards(t *testing.T) {
	clock := &fakeClock{step: func(i int) int64 { return 1000 }}
	c, _ := newTestController(t, 1000, clock, []Stage{&StageFF{FK: 1}})

	if err := c.Command("s1"); err == nil {
		t.Fatalf("expected error setting tracking while not phase locked")
	}

	c.mu.Lock()
	c.st.phaseLocked = true
	c.mu.Unlock()

	if err := c.Command("s2"); err == nil {
		t.Fatalf("expected error setting synchronised while not tracking")
	}
	if err := c.Command("s1"); err != nil {
		t.Fatalf("command failed: %+v", err)
	}
	if !c.Snapshot().Slewing {
		t.Fatalf("expected tracking to open the slew limit")
	}
	if err := c.Command("s2"); err != nil {
		t.Fatalf("command failed: %+v", err)
	}
	if got, want := c.Snapshot().Sync, Synchronised; got != want {
		t.Fatalf("got sync=%v, want=%v", got, want)
	}
}

func TestCommand_OpenLoopPinsAndRestoresStage(t *testing.T) {
	clock := &fakeClock{step: func(i int) int64 { return 1000 }}
	c, dac := newTestController(t, 1000, clock, []Stage{&StageFF{FK: 1}, &StagePI{KP: 1, KI: 1, IIR: 1, MaxPhaseErr: 100}})

	c.mu.Lock()
	c.st.stage = 2
	c.mu.Unlock()

	if err := c.Command("c1"); err != nil {
		t.Fatalf("command failed: %+v", err)
	}
	if got, want := c.Snapshot().Stage, c.StageCount()+1; got != want {
		t.Fatalf("open-loop stage pin: got=%d, want=%d", got, want)
	}

	if err := c.Command("d32768"); err != nil {
		t.Fatalf("command failed: %+v", err)
	}
	if got, want := dac.writes[len(dac.writes)-1], uint16(32768); got != want {
		t.Fatalf("direct dac write: got=%d, want=%d", got, want)
	}

	if err := c.Command("c0"); err != nil {
		t.Fatalf("command failed: %+v", err)
	}
	if got, want := c.Snapshot().Stage, 2; got != want {
		t.Fatalf("stage restore after open-loop: got=%d, want=%d", got, want)
	}
}

// vcxo couples the fake clock to the DAC: each read advances the
// counter by the prescale plus the DAC's offset from mid-range, so the
// stage cascade can actually servo it.
type vcxo struct {
	mu       sync.Mutex
	prescale int64
	dac      uint16
	val      int64
}

func (v *vcxo) SetDAC(d uint16) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dac = d
}

func (v *vcxo) ReadClock() (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.val += v.prescale + int64(v.dac) - dacMid
	return v.val, true
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestController_LockInFromCold(t *testing.T) {
	v := &vcxo{prescale: 1000}
	drv := &fakeDriver{}
	status := NewStatusPipe(&syncBuffer{})
	logs := &syncBuffer{}

	stages := []Stage{
		&StageFF{FK: 1},
		&StagePI{KP: 1, KI: 0, IIR: 1.0, MaxPhaseErr: 100},
		&StageIIR{Order: 0, Coeffs: []IIRCoeff{{B: 0.5}}},
	}
	cfg := Config{
		Name:        "machine",
		Prefix:      'm',
		Prescale:    1000,
		NormalLimit: 1000,
		SlewLimit:   10000,
	}
	c, err := New(cfg, v, v, drv, status, stages, WithLogger(log.New(logs, "", 0)))
	if err != nil {
		t.Fatalf("could not build controller: %+v", err)
	}

	if err := c.Spawn(); err != nil {
		t.Fatalf("Spawn: %+v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	locked := false
	for time.Now().Before(deadline) {
		s := c.Snapshot()
		if s.Stage == 3 && s.PhaseLocked && s.PhaseErr >= -2 && s.PhaseErr <= 2 {
			locked = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %+v", err)
	}
	if !locked {
		t.Fatalf("controller did not walk the stage cascade to lock: %+v", c.Snapshot())
	}

	got := logs.String()
	if !strings.Contains(got, "Clock found") {
		t.Errorf("missing %q transition in logs:\n%s", "Clock found", got)
	}
	if !strings.Contains(got, "Phase locked") {
		t.Errorf("missing %q transition in logs:\n%s", "Phase locked", got)
	}
}

func TestStatusPipe_OverflowResyncMarker(t *testing.T) {
	var buf bytes.Buffer
	p := NewStatusPipe(&buf)

	p.WriteLine("ms 1 0")
	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	if len(lines) != 2 || string(lines[0]) != "x" {
		t.Fatalf("expected leading resync marker, got %q", buf.String())
	}
}

func TestDiagCommand_RoundTrip(t *testing.T) {
	clock := &fakeClock{step: func(i int) int64 { return 1000 }}
	ff := &StageFF{FK: 7}
	c, _ := newTestController(t, 1000, clock, []Stage{ff})

	if err := c.Command("WI1 0 42"); err != nil {
		t.Fatalf("write failed: %+v", err)
	}
	if got, want := ff.FK, int32(42); got != want {
		t.Fatalf("got FK=%d, want=%d", got, want)
	}

	var out bytes.Buffer
	c.status = NewStatusPipe(&out)
	if err := c.Command("Wi1 0"); err != nil {
		t.Fatalf("read failed: %+v", err)
	}
	want := fmt.Sprintf("%cW 1 0 42\n", c.cfg.Prefix)
	if got := out.String(); got != "x\n"+want {
		t.Fatalf("got status %q, want %q", got, "x\n"+want)
	}
}
