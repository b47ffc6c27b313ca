// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package crc16 implements the CRC-16/CCITT-FALSE checksum (polynomial
// 0x1021, initial value 0xFFFF, no reflection, no final XOR) used to
// guard the binary coefficient-table dumps persist writes to disk.
package crc16 // import "github.com/go-lpc/bpm/internal/crc16"

import (
	"encoding/binary"
	"hash"
)

const (
	poly    = 0x1021
	initVal = 0xFFFF
	size    = 2
)

// Hash16 is the common interface implemented by all 16-bit hash
// functions, the 16-bit analogue of hash.Hash32/hash.Hash64.
type Hash16 interface {
	hash.Hash
	Sum16() uint16
}

type digest struct {
	crc uint16
}

// New returns a new Hash16 computing the CRC-16/CCITT-FALSE checksum.
// The table argument is accepted for symmetry with crc32.New/crc64.New
// but is unused: the polynomial is fixed.
func New(table *Table) Hash16 {
	d := &digest{crc: initVal}
	return d
}

// Table is an unused placeholder, kept only so New's signature can
// later grow a table-driven implementation without breaking callers.
type Table struct{}

func (d *digest) Write(p []byte) (int, error) {
	for _, b := range p {
		d.crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if d.crc&0x8000 != 0 {
				d.crc = (d.crc << 1) ^ poly
			} else {
				d.crc <<= 1
			}
		}
	}
	return len(p), nil
}

func (d *digest) Sum(b []byte) []byte {
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf, d.crc)
	return append(b, buf...)
}

func (d *digest) Reset() { d.crc = initVal }

func (d *digest) Size() int { return size }

func (d *digest) BlockSize() int { return 1 }

func (d *digest) Sum16() uint16 { return d.crc }

// Checksum returns the CRC-16/CCITT-FALSE checksum of data.
func Checksum(data []byte) uint16 {
	d := &digest{crc: initVal}
	_, _ = d.Write(data)
	return d.crc
}
