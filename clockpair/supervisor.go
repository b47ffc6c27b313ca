// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package clockpair runs the machine-clock and system-clock pll
// controllers side by side against one shared command FIFO and one
// shared status pipe, exactly as the clock-discipline daemon does: a
// single command stream mutates both controllers, and a single status
// stream reports on both.
package clockpair // import "github.com/go-lpc/bpm/clockpair"

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/go-lpc/bpm/pll"
)

// Supervisor owns the machine and system controllers, the command FIFO
// reader and the NCO capability the 'n' command line addresses.
type Supervisor struct {
	Machine *pll.Controller
	System  *pll.Controller

	cmds io.Reader
	nco  NCOSetter
	msg  *log.Logger

	grp *errgroup.Group
}

// New builds a Supervisor reading commands from cmds and dispatching
// 'n' lines to nco. msg defaults to the standard logger if nil.
func New(machine, system *pll.Controller, cmds io.Reader, nco NCOSetter, msg *log.Logger) *Supervisor {
	if msg == nil {
		msg = log.New(log.Writer(), "clockpair: ", 0)
	}
	return &Supervisor{
		Machine: machine,
		System:  system,
		cmds:    cmds,
		nco:     nco,
		msg:     msg,
	}
}

// Run spawns both controllers and the command-loop goroutine, and
// blocks until the command loop returns: the command stream reaches
// EOF or a read fails. The controllers keep running after Run returns;
// their execution contexts are not watched here.
func (s *Supervisor) Run() error {
	if err := s.Machine.Spawn(); err != nil {
		return fmt.Errorf("clockpair: could not spawn machine-clock controller: %w", err)
	}
	if err := s.System.Spawn(); err != nil {
		return fmt.Errorf("clockpair: could not spawn system-clock controller: %w", err)
	}

	var grp errgroup.Group
	s.grp = &grp
	grp.Go(s.readCommands)

	return grp.Wait()
}

// Close shuts down both controllers. It does not close the command
// stream; the caller owns that file descriptor's lifetime.
func (s *Supervisor) Close() error {
	err1 := s.Machine.Close()
	err2 := s.System.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// readCommands is the command-loop execution context: one line per
// command, dispatched by its one-byte clock prefix. It returns when
// the command stream reaches EOF or errors.
func (s *Supervisor) readCommands() error {
	sc := bufio.NewScanner(s.cmds)
	for sc.Scan() {
		s.dispatch(sc.Text())
	}
	return sc.Err()
}

func (s *Supervisor) dispatch(line string) {
	if line == "" {
		return
	}

	prefix, rest := line[0], line[1:]
	switch prefix {
	case 'm':
		if err := s.Machine.Command(rest); err != nil {
			s.msg.Printf("machine-clock command %q failed: %+v", line, err)
		}
	case 's':
		if err := s.System.Command(rest); err != nil {
			s.msg.Printf("system-clock command %q failed: %+v", line, err)
		}
	case 'n':
		v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 32)
		if err != nil {
			s.msg.Printf("malformed NCO command %q: %+v", line, err)
			return
		}
		if s.nco == nil {
			s.msg.Printf("no NCO configured, dropping command %q", line)
			return
		}
		s.nco.SetNCO(int32(v))
	default:
		s.msg.Printf("malformed command %q", line)
	}
}
