// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import (
	"fmt"

	"github.com/go-daq/smbus"
)

// SMBusAttenuator drives the two step-attenuators of the AGC loop as
// SMBus-addressable devices, one register write per attenuator. Each
// attenuator exposes a single "set attenuation" command register that
// accepts a 0-31 step value.
type SMBusAttenuator struct {
	conn         *smbus.Conn
	addr1, addr2 uint8
	cmd1, cmd2   uint8
}

var _ Attenuator = (*SMBusAttenuator)(nil)

// NewSMBusAttenuator opens SMBus adapter bus and binds the two
// attenuators at addr1/addr2, each addressed through command register
// cmd1/cmd2.
func NewSMBusAttenuator(bus int, addr1, addr2, cmd1, cmd2 uint8) (*SMBusAttenuator, error) {
	conn, err := smbus.Open(bus, addr1)
	if err != nil {
		return nil, fmt.Errorf("dsc: could not open smbus adapter %d: %w", bus, err)
	}
	return &SMBusAttenuator{conn: conn, addr1: addr1, addr2: addr2, cmd1: cmd1, cmd2: cmd2}, nil
}

// SetAttenuation writes att1/att2 (each in [0,31]) to the two
// attenuators in turn.
func (a *SMBusAttenuator) SetAttenuation(att1, att2 int) error {
	if att1 < 0 || att1 > 31 || att2 < 0 || att2 > 31 {
		return fmt.Errorf("dsc: attenuator value out of range: att1=%d att2=%d", att1, att2)
	}

	if err := a.conn.WriteReg(a.addr1, a.cmd1, uint8(att1)); err != nil {
		return fmt.Errorf("dsc: could not write attenuator 1 (0x%02x): %w", a.addr1, err)
	}
	if err := a.conn.WriteReg(a.addr2, a.cmd2, uint8(att2)); err != nil {
		return fmt.Errorf("dsc: could not write attenuator 2 (0x%02x): %w", a.addr2, err)
	}

	return nil
}

// Close releases the underlying SMBus device.
func (a *SMBusAttenuator) Close() error {
	return a.conn.Close()
}
