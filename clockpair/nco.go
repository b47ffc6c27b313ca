// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package clockpair // import "github.com/go-lpc/bpm/clockpair"

// NCOSetter is the capability object for the intermediate-frequency
// numerically-controlled oscillator, set directly from the command
// loop's 'n' line rather than going through either clock controller.
type NCOSetter interface {
	SetNCO(v int32)
}
