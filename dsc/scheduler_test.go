// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import (
	"testing"
	"time"
)

type fakeAcquirer struct {
	burst Burst
	err   error
	calls int
}

func (f *fakeAcquirer) Acquire(n int) (Burst, error) {
	f.calls++
	return f.burst, f.err
}

type fakeSampler struct {
	samples [4][]float64
	err     error
}

func (f *fakeSampler) ArmSnapshot(pos, n int, timeout time.Duration) ([4][]float64, error) {
	return f.samples, f.err
}

type fakeAttenuator struct {
	att1, att2 int
	calls      int
}

func (f *fakeAttenuator) SetAttenuation(att1, att2 int) error {
	f.calls++
	f.att1, f.att2 = att1, att2
	return nil
}

type fakeSaver struct {
	saved [NumPowerLevels]CompensationRecord
	calls int
	err   error
}

func (f *fakeSaver) SaveLastGood(table [NumPowerLevels]CompensationRecord) error {
	f.calls++
	f.saved = table
	return f.err
}

func newTestEngine() (*Engine, *fakeAcquirer, *fakeAttenuator) {
	acq := &fakeAcquirer{}
	sampler := &fakeSampler{}
	att := &fakeAttenuator{}
	table := NewCoefficientTable()
	cfg := Config{NTBT: 16, PhAvg: 2, FTBT: 1e6}
	e := New(cfg, table, acq, sampler, att, nil)
	return e, acq, att
}

func TestEngine_Tick_RoundRobinsThroughFourStages(t *testing.T) {
	e, acq, _ := newTestEngine()
	e.mode = ModeAuto

	// Stage 0 (gain) and stage 3 (crosstalk) don't call the
	// acquirer, but stage 1 (amplitude) does, even when it ultimately
	// fails for lack of good data. Stage 2 (phase) skips acquisition
	// here, since no amplitude has been committed yet.
	for i := 0; i < 4; i++ {
		e.tick(0)
	}
	if e.tickIdx != 4 {
		t.Fatalf("got tickIdx %d, want 4", e.tickIdx)
	}
	if acq.calls == 0 {
		t.Fatalf("expected the amplitude/phase stages to call Acquire at least once")
	}
}

func TestEngine_HandleRequest_BadMagicRejected(t *testing.T) {
	e, _, _ := newTestEngine()
	reply := e.HandleRequest(Request{Magic: 0xdeadbeef, Type: ReqGetDSC})
	if reply.Err == "" {
		t.Fatalf("expected a bad-magic error")
	}
}

func TestEngine_HandleRequest_SetGetDSCMode(t *testing.T) {
	e, _, _ := newTestEngine()

	reply := e.HandleRequest(Request{Magic: RequestMagic, Type: ReqSetDSC, Value: 2})
	if reply.Err != "" {
		t.Fatalf("unexpected error setting mode: %v", reply.Err)
	}
	reply = e.HandleRequest(Request{Magic: RequestMagic, Type: ReqGetDSC})
	if reply.Value != int32(ModeAuto) {
		t.Fatalf("got mode %d, want ModeAuto", reply.Value)
	}
}

func TestEngine_HandleRequest_SetDSCInvalidMode(t *testing.T) {
	e, _, _ := newTestEngine()
	reply := e.HandleRequest(Request{Magic: RequestMagic, Type: ReqSetDSC, Value: 99})
	if reply.Err == "" {
		t.Fatalf("expected an invalid-mode error")
	}
}

func TestEngine_HandleRequest_SaveLastGood(t *testing.T) {
	e, _, _ := newTestEngine()
	saver := &fakeSaver{}
	e.saver = saver

	reply := e.HandleRequest(Request{Magic: RequestMagic, Type: ReqSetDSC, Value: 3})
	if reply.Err != "" {
		t.Fatalf("unexpected error: %v", reply.Err)
	}
	if saver.calls != 1 {
		t.Fatalf("expected SaveLastGood to be called once, got %d", saver.calls)
	}
}

func TestEngine_HandleRequest_SaveLastGoodTryAgain(t *testing.T) {
	e, _, _ := newTestEngine()
	e.saver = &fakeSaver{err: ErrTryAgain}

	reply := e.HandleRequest(Request{Magic: RequestMagic, Type: ReqSetDSC, Value: 3})
	if reply.Err != "try-again" {
		t.Fatalf("got %q, want %q", reply.Err, "try-again")
	}
}

func TestEngine_HandleRequest_SaveLastGoodNoSaverConfigured(t *testing.T) {
	e, _, _ := newTestEngine()
	reply := e.HandleRequest(Request{Magic: RequestMagic, Type: ReqSetDSC, Value: 3})
	if reply.Err == "" {
		t.Fatalf("expected an error when no saver is configured")
	}
}

func TestEngine_SetSwitch_AutoAndFixed(t *testing.T) {
	e, _, _ := newTestEngine()

	e.SetSwitch(5)
	if got := e.Switch(); got != 5 {
		t.Fatalf("got %d, want 5", got)
	}

	e.SetSwitch(-1)
	if got := e.Switch(); got != int(SwitchAuto) {
		t.Fatalf("got %d, want SwitchAuto", got)
	}
}

func TestEngine_HandleRequest_SetGetSwitch(t *testing.T) {
	e, _, _ := newTestEngine()

	e.HandleRequest(Request{Magic: RequestMagic, Type: ReqSetSwitch, Value: 3})
	reply := e.HandleRequest(Request{Magic: RequestMagic, Type: ReqGetSwitch})
	if reply.Value != 3 {
		t.Fatalf("got %d, want 3", reply.Value)
	}

	e.HandleRequest(Request{Magic: RequestMagic, Type: ReqSetSwitch, Value: SwitchAuto})
	reply = e.HandleRequest(Request{Magic: RequestMagic, Type: ReqGetSwitch})
	if reply.Value != SwitchAuto {
		t.Fatalf("got %d, want SwitchAuto", reply.Value)
	}
}

func TestEngine_Request_RoundTripsThroughRunLoop(t *testing.T) {
	e, _, _ := newTestEngine()

	done := make(chan error, 1)
	go func() { done <- e.Run(func() int { return 0 }) }()

	reply := e.Request(Request{Magic: RequestMagic, Type: ReqSetGain, Value: 7})
	if reply.Err != "" {
		t.Fatalf("unexpected error: %v", reply.Err)
	}
	reply = e.Request(Request{Magic: RequestMagic, Type: ReqGetGain})
	if reply.Value != 7 {
		t.Fatalf("got %d, want 7", reply.Value)
	}

	e.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %+v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Close")
	}
}

func TestEngine_CommitGainRegister_NilBankIsNoop(t *testing.T) {
	e, _, _ := newTestEngine()
	// No gain bank configured; this must not panic.
	e.commitGainRegister(0, 0, 1.0)
}

func TestQ16_EncodesFixedPoint(t *testing.T) {
	if got := q16(1.0); got != 1<<16 {
		t.Fatalf("got %d, want %d", got, uint32(1<<16))
	}
	if got := q16(-1.0); int32(got) != -(1 << 16) {
		t.Fatalf("got %d, want %d", int32(got), -(1 << 16))
	}
}
