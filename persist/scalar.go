// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package persist implements the instrument's two persistent stores:
// a simple key=value scalar store for startup-time control values and
// tunables, and a binary coefficient-table store (a RAM-backed
// volatile snapshot plus a flash-backed last-good snapshot) for the
// DSC compensation engine.
package persist // import "github.com/go-lpc/bpm/persist"

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval is the background poller's default period
// between checks for changed scalar state, matching the original
// daemon's PERSISTENCE_POLL_INTERVAL.
const DefaultPollInterval = 1000 * time.Second

// ScalarStore is the key=value line-format persistent store: every
// named value lives on one line as "name=value", written through a
// temporary sibling file and atomically renamed over the live file.
// Reads happen once, at construction; writes are driven by the
// background poller or by an explicit Flush.
type ScalarStore struct {
	path string
	msg  *log.Logger

	mu      sync.Mutex
	values  map[string]string
	written map[string]string // last-written snapshot, for change detection
	dirty   bool

	stop chan struct{}
	done chan struct{}
}

// OpenScalarStore loads path (if it exists; a missing file is not an
// error — startup with no prior state is normal) into a new
// ScalarStore.
func OpenScalarStore(path string, msg *log.Logger) (*ScalarStore, error) {
	if msg == nil {
		msg = log.New(log.Writer(), "persist: ", 0)
	}
	s := &ScalarStore{
		path:    path,
		msg:     msg,
		values:  make(map[string]string),
		written: make(map[string]string),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := sc.Text()
			i := strings.IndexByte(line, '=')
			if i < 0 {
				s.msg.Printf("malformed entry %q in state file %q", line, path)
				continue
			}
			name, val := line[:i], line[i+1:]
			s.values[name] = val
			s.written[name] = val
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("persist: could not read state file %q: %w", path, err)
		}
	case os.IsNotExist(err):
		// No state file yet: normal for a first boot.
	default:
		return nil, fmt.Errorf("persist: could not open state file %q: %w", path, err)
	}

	return s, nil
}

// Get returns the stored string value for name, if any.
func (s *ScalarStore) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// GetInt parses the stored value for name as a decimal integer.
func (s *ScalarStore) GetInt(name string) (int, bool) {
	v, ok := s.Get(name)
	if !ok {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Set stores name=value, marking the store dirty if the value
// actually changed.
func (s *ScalarStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[name] == value {
		return
	}
	s.values[name] = value
	s.dirty = true
}

// SetInt is a convenience wrapper around Set for integer values.
func (s *ScalarStore) SetInt(name string, value int) {
	s.Set(name, fmt.Sprintf("%d", value))
}

// changed reports whether any value differs from the last-written
// snapshot: the dirty flag short-circuits, the per-entry comparison
// catches everything else.
func (s *ScalarStore) changed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		return true
	}
	if len(s.values) != len(s.written) {
		return true
	}
	for k, v := range s.values {
		if s.written[k] != v {
			return true
		}
	}
	return false
}

// Flush writes the current values to disk if anything has changed
// since the last write, via a temporary sibling file renamed into
// place — the state file is never observed half-written.
func (s *ScalarStore) Flush() error {
	if !s.changed() {
		return nil
	}

	s.mu.Lock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s=%s", name, s.values[name]))
	}
	s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("persist: could not create temp state file %q: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			f.Close()
			return fmt.Errorf("persist: could not write temp state file %q: %w", tmp, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("persist: could not flush temp state file %q: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persist: could not close temp state file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("persist: could not rename %q over %q: %w", tmp, s.path, err)
	}

	s.mu.Lock()
	s.dirty = false
	s.written = make(map[string]string, len(s.values))
	for k, v := range s.values {
		s.written[k] = v
	}
	s.mu.Unlock()

	return nil
}

// Run is the background poller's dedicated execution context: it
// wakes every freq (DefaultPollInterval if zero) and writes the state
// file only if something changed — the state file typically lives on
// a flash filesystem with a limited write-cycle budget.
func (s *ScalarStore) Run(freq time.Duration) error {
	if freq <= 0 {
		freq = DefaultPollInterval
	}
	defer close(s.done)

	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			// Final write on the way out, so a clean shutdown never
			// loses an update made since the last tick.
			if err := s.Flush(); err != nil {
				s.msg.Printf("could not write state file on shutdown: %+v", err)
			}
			return nil
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.msg.Printf("could not write state file: %+v", err)
			}
		}
	}
}

// Close asks the background poller to exit (flushing once more first)
// and waits for it to do so. If Run does not finish within one second
// (for instance because it was never started), Close flushes directly.
func (s *ScalarStore) Close() error {
	close(s.stop)
	select {
	case <-s.done:
		return nil
	case <-time.After(time.Second):
		return s.Flush()
	}
}
