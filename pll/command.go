// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pll

import (
	"fmt"
	"strconv"
	"strings"
)

// Command dispatches a single per-clock command while holding the
// controller's serialisation lock, guaranteeing that commands take
// effect between two clock samples with no half-updated state ever
// observed by the servo. cmd is the command with the 'm'/'s' clock
// prefix already stripped by the caller (see package clockpair).
func (c *Controller) Command(cmd string) error {
	if cmd == "" {
		return fmt.Errorf("pll: empty command")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	op, arg := cmd[0], cmd[1:]
	switch op {
	case 'o':
		v, err := parseInt32(arg)
		if err != nil {
			return c.invalid(cmd, err)
		}
		if v != c.st.freqOffset {
			c.st.freqOffset = v
			c.setSync(NoSync, "frequency offset changed")
		}

	case 'p':
		v, err := parseInt32(arg)
		if err != nil {
			return c.invalid(cmd, err)
		}
		delta := c.st.phaseOffset - v
		c.st.phaseOffset = v
		// Preserved bit-exactly: the delta-plus-ten comparison against
		// the normal limit, not the slew limit, decides whether to
		// open slewing.
		if absInt32(delta)+10 > c.cfg.NormalLimit {
			c.st.slewing = true
		}

	case 's':
		v, err := parseInt32(arg)
		if err != nil {
			return c.invalid(cmd, err)
		}
		switch v {
		case 0:
			c.setSync(NoSync, "")
		case 1:
			if !c.st.phaseLocked {
				return c.invalid(cmd, fmt.Errorf("not phase locked"))
			}
			// Tracking opens the slew limit so the synchronisation
			// trigger can yank the phase without dropping lock; the
			// IIR stage restores the tight limit once synchronised.
			c.st.sync = Tracking
			c.st.slewing = true
		case 2:
			if c.st.sync != Tracking {
				return c.invalid(cmd, fmt.Errorf("not tracking"))
			}
			c.st.sync = Synchronised
			c.msg.Printf("SC: Synchronised to trigger")
		default:
			return c.invalid(cmd, fmt.Errorf("invalid sync state %d", v))
		}

	case 'c':
		v, err := parseInt32(arg)
		if err != nil {
			return c.invalid(cmd, err)
		}
		enable := v != 0
		if enable && !c.st.openLoop {
			c.st.openLoopStage = c.st.stage
			c.st.stage = len(c.stages) + 1
		} else if !enable && c.st.openLoop {
			c.st.stage = c.st.openLoopStage
		}
		c.st.openLoop = enable

	case 'd':
		v, err := parseInt32(arg)
		if err != nil {
			return c.invalid(cmd, err)
		}
		if c.st.openLoop {
			c.st.dac = clampDAC(int64(v))
			c.dac.SetDAC(c.st.dac)
		}

	case 'v':
		v, err := parseInt32(arg)
		if err != nil {
			return c.invalid(cmd, err)
		}
		c.st.verbose = v != 0

	case 'i':
		v, err := parseInt32(arg)
		if err != nil {
			return c.invalid(cmd, err)
		}
		c.st.reportInterval = int(v)

	case 'W':
		return c.diagCommand(cmd)

	default:
		return c.invalid(cmd, fmt.Errorf("unknown opcode %q", op))
	}

	return nil
}

func (c *Controller) invalid(cmd string, err error) error {
	c.msg.Printf("invalid command %q: %+v", cmd, err)
	return fmt.Errorf("pll: invalid command %q: %w", cmd, err)
}

func parseInt32(s string) (int32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("could not parse integer argument %q: %w", s, err)
	}
	return int32(v), nil
}

// diagCommand implements the recovered diagnostic stage parameter
// read/write command, format W<ch><stage> <idx> <val>, ch in
// {I,F,i,f} selecting int/float write(upper)/read(lower). It is
// serviced under the same controller lock as every other command.
func (c *Controller) diagCommand(cmd string) error {
	if len(cmd) < 3 {
		return c.invalid(cmd, fmt.Errorf("malformed diagnostic command"))
	}
	ch := cmd[1]
	stageCh := cmd[2]
	rest := strings.TrimSpace(cmd[3:])

	stageNo, err := strconv.Atoi(string(stageCh))
	if err != nil || stageNo < 1 || stageNo > len(c.stages) {
		return c.invalid(cmd, fmt.Errorf("invalid stage selector %q", string(stageCh)))
	}
	dst, ok := c.stages[stageNo-1].(DiagField)
	if !ok {
		return c.invalid(cmd, fmt.Errorf("stage %d has no diagnostic fields", stageNo))
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return c.invalid(cmd, fmt.Errorf("missing field index"))
	}
	idx, err := strconv.Atoi(fields[0])
	if err != nil {
		return c.invalid(cmd, err)
	}

	switch ch {
	case 'I':
		if len(fields) < 2 {
			return c.invalid(cmd, fmt.Errorf("missing integer value"))
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return c.invalid(cmd, err)
		}
		if !dst.SetIntField(idx, v) {
			return c.invalid(cmd, fmt.Errorf("no such integer field %d", idx))
		}
	case 'F':
		if len(fields) < 2 {
			return c.invalid(cmd, fmt.Errorf("missing float value"))
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return c.invalid(cmd, err)
		}
		if !dst.SetFloatField(idx, v) {
			return c.invalid(cmd, fmt.Errorf("no such float field %d", idx))
		}
	case 'i':
		v, ok := dst.IntField(idx)
		if !ok {
			return c.invalid(cmd, fmt.Errorf("no such integer field %d", idx))
		}
		c.status.WriteLine(fmt.Sprintf("%cW %d %d %d", c.cfg.Prefix, stageNo, idx, v))
	case 'f':
		v, ok := dst.FloatField(idx)
		if !ok {
			return c.invalid(cmd, fmt.Errorf("no such float field %d", idx))
		}
		c.status.WriteLine(fmt.Sprintf("%cW %d %d %g", c.cfg.Prefix, stageNo, idx, v))
	default:
		return c.invalid(cmd, fmt.Errorf("unknown diagnostic channel %q", string(ch)))
	}

	return nil
}

// DiagField lets the diagnostic 'W' command address a stage's
// internal tunables by a small integer index, without the command
// dispatcher needing to know each stage variant's concrete layout.
type DiagField interface {
	IntField(idx int) (v int64, ok bool)
	SetIntField(idx int, v int64) bool
	FloatField(idx int) (v float64, ok bool)
	SetFloatField(idx int, v float64) bool
}

var (
	_ DiagField = (*StageFF)(nil)
	_ DiagField = (*StagePI)(nil)
	_ DiagField = (*StageIIR)(nil)
)

func (s *StageFF) IntField(idx int) (int64, bool) {
	if idx == 0 {
		return int64(s.FK), true
	}
	return 0, false
}

func (s *StageFF) SetIntField(idx int, v int64) bool {
	if idx == 0 {
		s.FK = int32(v)
		return true
	}
	return false
}

func (s *StageFF) FloatField(int) (float64, bool) { return 0, false }

func (s *StageFF) SetFloatField(int, float64) bool { return false }

func (s *StagePI) IntField(idx int) (int64, bool) {
	switch idx {
	case 0:
		return int64(s.KP), true
	case 1:
		return int64(s.KI), true
	case 2:
		return int64(s.MaxPhaseErr), true
	}
	return 0, false
}

func (s *StagePI) SetIntField(idx int, v int64) bool {
	switch idx {
	case 0:
		s.KP = int32(v)
	case 1:
		s.KI = int32(v)
	case 2:
		s.MaxPhaseErr = int32(v)
	default:
		return false
	}
	return true
}

func (s *StagePI) FloatField(idx int) (float64, bool) {
	if idx == 0 {
		return s.IIR, true
	}
	return 0, false
}

func (s *StagePI) SetFloatField(idx int, v float64) bool {
	if idx == 0 {
		s.IIR = v
		return true
	}
	return false
}

func (s *StageIIR) IntField(idx int) (int64, bool) {
	if idx == 0 {
		return int64(s.Order), true
	}
	return 0, false
}

func (s *StageIIR) SetIntField(idx int, v int64) bool {
	if idx == 0 {
		s.Order = int(v)
		s.init = false
		return true
	}
	return false
}

// FloatField addresses, in order: the dither, then B_0..B_order,
// A_0..A_order.
func (s *StageIIR) FloatField(idx int) (float64, bool) {
	if idx == 0 {
		return s.Dither, true
	}
	idx--
	n := len(s.Coeffs)
	switch {
	case idx < n:
		return s.Coeffs[idx].B, true
	case idx < 2*n:
		return s.Coeffs[idx-n].A, true
	}
	return 0, false
}

func (s *StageIIR) SetFloatField(idx int, v float64) bool {
	if idx == 0 {
		s.Dither = v
		return true
	}
	idx--
	n := len(s.Coeffs)
	switch {
	case idx < n:
		s.Coeffs[idx].B = v
	case idx < 2*n:
		s.Coeffs[idx-n].A = v
	default:
		return false
	}
	return true
}
