// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwreg

import (
	"testing"
	"time"

	"github.com/go-lpc/bpm/dsc"
)

func TestFIFOAcquirer_Acquire(t *testing.T) {
	h := fakeHandle(64)
	dataOff := [dsc.NumChannels][2]int64{
		{8, 12}, {16, 20}, {24, 28}, {32, 36},
	}
	a := NewFIFOAcquirer(h, 0, dataOff)

	writeU32(h, 0, 4) // level: 4 samples available
	writeU32(h, 8, 3) // channel A cosine: marker bit (LSB) set

	burst, err := a.Acquire(1)
	if err != nil {
		t.Fatalf("Acquire: %+v", err)
	}
	if len(burst.Samples) != 1 {
		t.Fatalf("got %d samples, want 1", len(burst.Samples))
	}
	if !burst.Marker[0] {
		t.Fatalf("expected the marker bit to be set")
	}
}

func TestFIFOAcquirer_Acquire_TimesOutOnStalledFIFO(t *testing.T) {
	h := fakeHandle(64)
	dataOff := [dsc.NumChannels][2]int64{
		{8, 12}, {16, 20}, {24, 28}, {32, 36},
	}
	a := NewFIFOAcquirer(h, 0, dataOff)
	a.timeout = 20 * time.Millisecond

	// Level register never reaches the requested count: Acquire must
	// not block forever.
	done := make(chan struct{})
	go func() {
		_, err := a.Acquire(1000000)
		if err == nil {
			t.Errorf("expected a timeout error")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Acquire did not return within the test's patience window")
	}
}

func TestFIFOAcquirer_ArmSnapshot(t *testing.T) {
	h := fakeHandle(64)
	dataOff := [dsc.NumChannels][2]int64{
		{8, 12}, {16, 20}, {24, 28}, {32, 36},
	}
	a := NewFIFOAcquirer(h, 0, dataOff)
	writeU32(h, 0, 10)

	samples, err := a.ArmSnapshot(0, 3, time.Second)
	if err != nil {
		t.Fatalf("ArmSnapshot: %+v", err)
	}
	if len(samples[0]) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples[0]))
	}
}
