// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// ScheduleEntry is one row of the attenuator schedule file: the
// attenuator pair and settling behaviour for one input power level.
type ScheduleEntry struct {
	Power      int
	Att1, Att2 int
	Hysteresis float64
	Settle     time.Duration
}

// AttenuatorSchedule is the ordered power-to-attenuator-pair mapping
// loaded once at startup.
type AttenuatorSchedule struct {
	entries  map[int]ScheduleEntry
	min, max int
}

// ParseAttenuatorSchedule reads the newline-separated schedule format:
// one "<power> <att1> <att2> <hysteresis> <time>" record per line,
// '#' comment lines allowed, required to cover a contiguous integer
// range.
func ParseAttenuatorSchedule(r io.Reader) (*AttenuatorSchedule, error) {
	entries := make(map[int]ScheduleEntry)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 5 {
			return nil, fmt.Errorf("dsc: malformed attenuator schedule line %q", line)
		}

		power, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("dsc: invalid power %q: %w", fields[0], err)
		}
		att1, err := strconv.Atoi(fields[1])
		if err != nil || att1 < 0 || att1 > 31 {
			return nil, fmt.Errorf("dsc: invalid attenuator-1 value %q", fields[1])
		}
		att2, err := strconv.Atoi(fields[2])
		if err != nil || att2 < 0 || att2 > 31 {
			return nil, fmt.Errorf("dsc: invalid attenuator-2 value %q", fields[2])
		}
		hyst, err := strconv.ParseFloat(fields[3], 64)
		if err != nil || hyst < 0 || hyst > 1.0 {
			return nil, fmt.Errorf("dsc: invalid hysteresis %q", fields[3])
		}
		settleSec, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("dsc: invalid settling time %q", fields[4])
		}

		entries[power] = ScheduleEntry{
			Power:      power,
			Att1:       att1,
			Att2:       att2,
			Hysteresis: hyst,
			Settle:     time.Duration(settleSec * float64(time.Second)),
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dsc: could not read attenuator schedule: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("dsc: empty attenuator schedule")
	}

	min, max := math.MaxInt32, math.MinInt32
	for p := range entries {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	for p := min; p <= max; p++ {
		if _, ok := entries[p]; !ok {
			return nil, fmt.Errorf("dsc: attenuator schedule has a gap at power level %d", p)
		}
	}

	return &AttenuatorSchedule{entries: entries, min: min, max: max}, nil
}

// Lookup returns the schedule entry for an exact power level.
func (s *AttenuatorSchedule) Lookup(power int) (ScheduleEntry, bool) {
	e, ok := s.entries[power]
	return e, ok
}

// Clamp bounds power into the schedule's covered range.
func (s *AttenuatorSchedule) Clamp(power float64) float64 {
	if power < float64(s.min) {
		return float64(s.min)
	}
	if power > float64(s.max) {
		return float64(s.max)
	}
	return power
}

// Range returns the lowest and highest power levels the schedule
// covers.
func (s *AttenuatorSchedule) Range() (min, max int) {
	return s.min, s.max
}
