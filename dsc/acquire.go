// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import "time"

// IQSample is one demodulated (cosine, sine) pair for a single button
// channel.
type IQSample struct {
	Cos, Sin float64
}

// Burst is one acquisition of demodulated samples across all four
// channels, alongside the raw switch-marker bit (the least-significant
// bit of the channel-A cosine word) for each sample.
type Burst struct {
	Samples [][NumChannels]IQSample
	Marker  []bool
}

// Acquirer is the capability object for pulling a burst of n
// demodulated samples from the acquisition buffer, used by the
// amplitude and phase estimators.
type Acquirer interface {
	Acquire(n int) (Burst, error)
}

// ADCSampler is the capability object for the single-shot ADC-rate
// snapshot the AGC estimator arms at each switch position.
type ADCSampler interface {
	ArmSnapshot(pos int, n int, timeout time.Duration) (samples [NumChannels][]float64, err error)
}

// Attenuator is the capability object for the step-attenuator pair
// driven by the AGC estimator.
type Attenuator interface {
	SetAttenuation(att1, att2 int) error
}
