// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pll

// run is the controller's stage-supervisor execution context. It holds
// the serialisation lock except while blocked reading the hardware
// clock, and runs until Close is called.
func (c *Controller) run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		select {
		case <-c.stop:
			return nil
		default:
		}

		if !c.runGetClock() {
			return nil
		}

		for c.st.clockOK {
			select {
			case <-c.stop:
				return nil
			default:
			}

			if c.st.openLoop {
				c.runOpenLoopTick()
				continue
			}

			stage := c.stages[c.st.stage-1]
			res := stage.tick(c)
			if c.st.openLoop {
				// A command pinned the stage index mid-tick; the
				// open-loop monitor takes over on the next pass.
				continue
			}
			switch res {
			case stageLost:
				c.st.clockOK = false
			case stageAdvance:
				if c.st.stage < len(c.stages) {
					c.st.stage++
				}
			case stageRetreat:
				if c.st.stage > 1 {
					c.st.stage--
				}
			case stageHold:
				// stay in the current stage
			}
		}
	}
}

// runGetClock drops synchronisation, resets to stage 0, and retries
// the hardware clock read until it succeeds (or the controller is
// asked to stop). Called, and returns, with c.mu held.
func (c *Controller) runGetClock() bool {
	if c.st.clockOK {
		c.logTransition("Clock lost")
	}
	c.setSync(NoSync, "clock lost")
	c.st.phaseLocked = false
	c.st.stage = 0
	c.st.clockOK = false

	for {
		select {
		case <-c.stop:
			return false
		default:
		}

		nominalAdvance := c.cfg.Prescale + int64(c.st.freqOffset)

		c.mu.Unlock()
		clk, ok := c.clock.ReadClock()
		c.mu.Lock()

		if !ok {
			c.driver.NotifyDriver(nominalAdvance, 0, false)
			continue
		}

		c.st.lastClock = clk
		c.st.nominalClock = clk
		c.st.clockOK = true
		c.st.stage = 1
		c.logTransition("Clock found")
		return true
	}
}

// updateClock is the single clock update step shared by every stage:
// read the clock, advance the nominal trajectory, recompute the phase
// and frequency errors, and notify the driver. phaseLockedArg is the
// phase-lock state the calling stage asserts (false for the FF stage,
// true for PI and IIR). Called, and returns, with c.mu held; it
// releases the lock for the duration of the hardware read.
func (c *Controller) updateClock(phaseLockedArg bool) bool {
	prev := c.st.lastClock

	c.mu.Unlock()
	clk, ok := c.clock.ReadClock()
	c.mu.Lock()

	if !ok {
		return false
	}

	nominalAdvance := c.cfg.Prescale + int64(c.st.freqOffset)

	wasLocked := c.st.phaseLocked
	c.st.phaseLocked = phaseLockedArg
	if c.st.phaseLocked {
		c.st.nominalClock += nominalAdvance
	} else {
		c.st.nominalClock = clk
	}

	phaseOffsetRaw := c.st.nominalClock - clk
	c.st.phaseErr = clipInt32(phaseOffsetRaw + int64(c.st.phaseOffset))
	c.st.freqErr = clipInt32(nominalAdvance - (clk - prev))

	limit := c.cfg.NormalLimit
	if c.st.slewing {
		limit = c.cfg.SlewLimit
	}
	if absInt32(c.st.phaseErr) > limit {
		c.setSync(NoSync, "excessive phase error")
	}

	c.driver.NotifyDriver(clk-prev, phaseOffsetRaw, c.st.phaseLocked)
	c.st.lastClock = clk

	if !wasLocked && c.st.phaseLocked {
		c.logTransition("Phase locked")
	}
	if wasLocked && !c.st.phaseLocked {
		c.logTransition("Phase lock lost")
	}

	c.afterUpdate()
	return true
}

// afterUpdate emits a status line on any stage or sync transition, or
// when the periodic report interval has elapsed, plus a verbose line
// on every tick when verbose reporting is on.
func (c *Controller) afterUpdate() {
	c.st.reportAge++

	changed := c.st.stage != c.st.prevStage || c.st.sync != c.st.prevSync
	stale := c.st.reportAge > c.st.reportInterval
	if changed || stale {
		c.emitStatus()
		c.st.reportAge = 0
	}
	if c.st.verbose {
		c.emitVerbose()
	}

	c.st.prevStage = c.st.stage
	c.st.prevSync = c.st.sync
}

// runOpenLoopTick is the open-loop monitor: the DAC is left untouched
// by the filter (commands write it directly, see command.go), but
// clock updates and verbose reporting keep running so the status pipe
// still reflects reality.
func (c *Controller) runOpenLoopTick() {
	c.updateClock(false)
}

// setSync changes the synchronisation state. reason documents the
// call site only: the four loggable transitions (clock lost, clock
// found, phase locked, phase lock lost) are already reported by
// logTransition where they happen, so setSync itself never logs.
func (c *Controller) setSync(s SyncState, reason string) {
	if c.st.sync == s {
		return
	}
	c.st.sync = s
}

func (c *Controller) logTransition(what string) {
	c.msg.Printf("%s", what)
}
