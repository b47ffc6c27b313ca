// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pll

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// StatusPipe is the write-shared, mutex-serialised status FIFO that
// both the machine-clock and system-clock controllers write their
// status lines to. A short write is never retried: instead, a
// pipe-overflow flag is raised, and the next successful write is
// preceded by a literal "x\n" resync marker so the reader on the other
// end knows to resynchronise. The flag starts raised, so the very
// first line emitted after startup is always the reset marker.
type StatusPipe struct {
	mu       sync.Mutex
	w        io.Writer
	overflow bool
}

// NewStatusPipe wraps w as a shared status pipe.
func NewStatusPipe(w io.Writer) *StatusPipe {
	return &StatusPipe{w: w, overflow: true}
}

// WriteLine writes one status line, handling the pipe-overflow resync
// marker transparently.
func (p *StatusPipe) WriteLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.overflow {
		if !p.rawWrite("x\n") {
			return
		}
	}
	p.overflow = !p.rawWrite(line)
}

func (p *StatusPipe) rawWrite(s string) bool {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	buf := []byte(s)
	n, err := p.w.Write(buf)
	return err == nil && n == len(buf)
}

func (c *Controller) emitStatus() {
	c.status.WriteLine(fmt.Sprintf("%cs %d %d", c.cfg.Prefix, c.st.stage, int(c.st.sync)))
}

func (c *Controller) emitVerbose() {
	c.status.WriteLine(fmt.Sprintf("%cv %d %d %d", c.cfg.Prefix, c.st.freqErr, c.st.phaseErr, c.st.dac))
}
