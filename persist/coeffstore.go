// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/go-lpc/bpm/dsc"
	"github.com/go-lpc/bpm/internal/crc16"
)

// DefaultVolatilePath is where the coefficient table is dumped on
// every clean shutdown and reloaded from on every startup: a tmpfs
// location, cheap to rewrite often.
const DefaultVolatilePath = "/tmp/dsc_lastgood.dat"

// DefaultPersistentPath is the flash-backed location written only on
// an explicit client save-lastgood request, never implicitly.
const DefaultPersistentPath = "/opt/dsc/lastgood.dat"

// MinSaveInterval is the minimum wall-clock gap enforced between two
// writes to the persistent store. The gate deliberately uses
// wall-clock time, not a monotonic clock: operators reason about it
// in terms of the system clock, adjustments included.
const MinSaveInterval = 60 * time.Second

var errMagic = errors.New("persist: bad coefficient dump magic")

const coeffDumpMagic uint32 = 0x44434d31 // "DCM1"

// CoeffStore persists a dsc.CoefficientTable snapshot to two
// locations: a volatile file rewritten on every clean shutdown, and a
// persistent (flash) file written only on an explicit "save lastgood"
// request, rate-limited and remounted read-write for the duration of
// the write. It implements dsc.LastGoodSaver.
type CoeffStore struct {
	volatilePath   string
	persistentPath string
	mountPoint     string
	msg            *log.Logger

	mu       sync.Mutex
	lastSave int64 // Unix seconds, wall-clock — see SaveLastGood.
}

// NewCoeffStore builds a CoeffStore. mountPoint is the filesystem
// mount point that must be remounted read-write around a write to
// persistentPath (commonly "/"); an empty mountPoint disables the
// remount dance entirely, which is useful in tests and on systems
// where the persistent path is already writable.
func NewCoeffStore(volatilePath, persistentPath, mountPoint string, msg *log.Logger) *CoeffStore {
	if msg == nil {
		msg = log.New(log.Writer(), "persist: ", 0)
	}
	return &CoeffStore{
		volatilePath:   volatilePath,
		persistentPath: persistentPath,
		mountPoint:     mountPoint,
		msg:            msg,
	}
}

// encodeTable serialises the whole table into a magic-prefixed,
// CRC-16/CCITT-FALSE-guarded binary blob so a reader can reject a
// torn or foreign-format file outright rather than loading garbage.
func encodeTable(table [dsc.NumPowerLevels]dsc.CompensationRecord) ([]byte, error) {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.LittleEndian, &table); err != nil {
		return nil, fmt.Errorf("persist: could not encode coefficient table: %w", err)
	}

	sum := crc16.Checksum(body.Bytes())

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, coeffDumpMagic); err != nil {
		return nil, err
	}
	if err := binary.Write(&out, binary.LittleEndian, sum); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func decodeTable(data []byte) ([dsc.NumPowerLevels]dsc.CompensationRecord, error) {
	var table [dsc.NumPowerLevels]dsc.CompensationRecord

	r := bytes.NewReader(data)
	var magic uint32
	var sum uint16
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return table, fmt.Errorf("persist: could not read dump header: %w", err)
	}
	if magic != coeffDumpMagic {
		return table, errMagic
	}
	if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
		return table, fmt.Errorf("persist: could not read dump checksum: %w", err)
	}

	body := data[6:] // 4-byte magic + 2-byte checksum
	if got, want := crc16.Checksum(body), sum; got != want {
		return table, fmt.Errorf("persist: coefficient dump checksum mismatch (got %#04x, want %#04x): %w", got, want, os.ErrInvalid)
	}

	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &table); err != nil {
		return table, fmt.Errorf("persist: could not decode coefficient table: %w", err)
	}
	return table, nil
}

// writeAtomic writes data to path through a temporary sibling file
// and an atomic rename, so a reader never observes a torn write.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persist: could not write temp file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: could not rename %q over %q: %w", tmp, path, err)
	}
	return nil
}

// LoadVolatile reads the volatile snapshot written at the previous
// clean shutdown, if any; a missing file is not an error.
func (s *CoeffStore) LoadVolatile() (table [dsc.NumPowerLevels]dsc.CompensationRecord, ok bool, err error) {
	return s.load(s.volatilePath)
}

// LoadPersistent reads the flash-backed last-good snapshot, if any.
// Callers only fall back to this when LoadVolatile finds nothing: the
// most recent state wins over the explicitly saved one.
func (s *CoeffStore) LoadPersistent() (table [dsc.NumPowerLevels]dsc.CompensationRecord, ok bool, err error) {
	return s.load(s.persistentPath)
}

func (s *CoeffStore) load(path string) (table [dsc.NumPowerLevels]dsc.CompensationRecord, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, false, nil
		}
		return table, false, fmt.Errorf("persist: could not read %q: %w", path, err)
	}
	table, err = decodeTable(data)
	if err != nil {
		return table, false, err
	}
	return table, true, nil
}

// SaveVolatile unconditionally rewrites the volatile snapshot; it is
// meant to be called once, on a clean shutdown.
func (s *CoeffStore) SaveVolatile(table [dsc.NumPowerLevels]dsc.CompensationRecord) error {
	data, err := encodeTable(table)
	if err != nil {
		return err
	}
	return writeAtomic(s.volatilePath, data)
}

// SaveLastGood implements dsc.LastGoodSaver: it writes table to the
// flash-backed persistent path, remounting the owning filesystem
// read-write for the duration of the write. Two such requests within
// MinSaveInterval of each other are rejected with dsc.ErrTryAgain.
func (s *CoeffStore) SaveLastGood(table [dsc.NumPowerLevels]dsc.CompensationRecord) error {
	// time.Time.Sub compares monotonic readings when both operands
	// carry one, which would ignore an operator setting the wall
	// clock backward. Comparing Unix() seconds keeps this gate tied
	// to wall-clock time.
	now := time.Now().Unix()

	s.mu.Lock()
	if s.lastSave != 0 && now-s.lastSave < int64(MinSaveInterval/time.Second) {
		s.mu.Unlock()
		return dsc.ErrTryAgain
	}
	s.lastSave = now
	s.mu.Unlock()

	data, err := encodeTable(table)
	if err != nil {
		return err
	}

	if s.mountPoint == "" {
		return writeAtomic(s.persistentPath, data)
	}

	if err := s.remount(true); err != nil {
		return fmt.Errorf("persist: could not remount %q read-write: %w", s.mountPoint, err)
	}
	writeErr := writeAtomic(s.persistentPath, data)
	if err := s.remount(false); err != nil {
		s.msg.Printf("could not remount %q read-only after saving last-good coefficients: %+v", s.mountPoint, err)
	}
	return writeErr
}

// remount toggles the owning filesystem between read-write and
// read-only, bracketing each flash write so the filesystem spends as
// little time writable as possible.
func (s *CoeffStore) remount(writable bool) error {
	flags := uintptr(unix.MS_REMOUNT)
	if !writable {
		flags |= unix.MS_RDONLY
	}
	return unix.Mount("", s.mountPoint, "", flags, "")
}
