// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pll-monitor tails a clockd status FIFO, parses the status
// lines the pll package's StatusPipe writes, and republishes the
// latest per-clock snapshot as a TDAQ output stream — the bridge
// between the core servo and the external process-variable observer
// layer.
package main // import "github.com/go-lpc/bpm/cmd/pll-monitor"

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
)

func main() {
	cmd := flags.New()

	mon := &monitor{
		path:   cmd.Args[0],
		clocks: make(map[byte]*snapshot),
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", mon.OnConfig)
	srv.CmdHandle("/init", mon.OnInit)
	srv.CmdHandle("/reset", mon.OnReset)
	srv.CmdHandle("/start", mon.OnStart)
	srv.CmdHandle("/stop", mon.OnStop)
	srv.CmdHandle("/quit", mon.OnQuit)

	srv.OutputHandle("/pll-status", mon.output)
	srv.RunHandle(mon.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

// snapshot is the latest status the monitor has parsed for one clock
// prefix ('m' or 's'): the most recent stage/sync status line plus, if
// verbose reporting is enabled on that clock, the most recent
// frequency/phase/DAC triple.
type snapshot struct {
	stage int
	sync  int

	haveVerbose bool
	freqErr     int
	phaseErr    int
	dac         int
}

type monitor struct {
	path string

	mu     sync.Mutex
	clocks map[byte]*snapshot

	resyncs int

	updates chan struct{}
}

func (mon *monitor) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	return nil
}

func (mon *monitor) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	mon.mu.Lock()
	mon.clocks = make(map[byte]*snapshot)
	mon.updates = make(chan struct{}, 64)
	mon.mu.Unlock()
	return nil
}

func (mon *monitor) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	return mon.OnInit(ctx, resp, req)
}

func (mon *monitor) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	return nil
}

func (mon *monitor) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return nil
}

func (mon *monitor) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	return nil
}

// run tails the status FIFO, re-opening it on every EOF since a FIFO
// closes when its writer disconnects, and parses each line under
// ctx.Ctx's cancellation.
func (mon *monitor) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
		}

		f, err := os.Open(mon.path)
		if err != nil {
			ctx.Msg.Errorf("could not open status fifo %q: %+v", mon.path, err)
			return fmt.Errorf("pll-monitor: could not open status fifo %q: %w", mon.path, err)
		}

		sc := bufio.NewScanner(f)
		for sc.Scan() {
			select {
			case <-ctx.Ctx.Done():
				f.Close()
				return nil
			default:
			}
			mon.parseLine(ctx, sc.Text())
		}
		f.Close()
	}
}

// parseLine handles the status-line grammar: "x" is the pipe-overflow
// resync marker, "<prefix>s <stage> <sync>" a transition/periodic
// report, "<prefix>v <freq> <phase> <dac>" a verbose line.
func (mon *monitor) parseLine(ctx tdaq.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if line == "x" {
		mon.mu.Lock()
		mon.resyncs++
		mon.mu.Unlock()
		ctx.Msg.Warnf("pll-monitor: resync marker received")
		return
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || len(fields[0]) != 2 {
		ctx.Msg.Warnf("pll-monitor: malformed status line %q", line)
		return
	}
	prefix := fields[0][0]
	kind := fields[0][1]

	mon.mu.Lock()
	defer mon.mu.Unlock()

	snap, ok := mon.clocks[prefix]
	if !ok {
		snap = &snapshot{}
		mon.clocks[prefix] = snap
	}

	switch kind {
	case 's':
		if len(fields) != 3 {
			ctx.Msg.Warnf("pll-monitor: malformed status report %q", line)
			return
		}
		stage, err1 := strconv.Atoi(fields[1])
		sync, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			ctx.Msg.Warnf("pll-monitor: could not parse status report %q", line)
			return
		}
		snap.stage = stage
		snap.sync = sync
	case 'v':
		if len(fields) != 4 {
			ctx.Msg.Warnf("pll-monitor: malformed verbose line %q", line)
			return
		}
		freq, err1 := strconv.Atoi(fields[1])
		phase, err2 := strconv.Atoi(fields[2])
		dac, err3 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			ctx.Msg.Warnf("pll-monitor: could not parse verbose line %q", line)
			return
		}
		snap.haveVerbose = true
		snap.freqErr = freq
		snap.phaseErr = phase
		snap.dac = dac
	default:
		ctx.Msg.Warnf("pll-monitor: unknown status line kind %q", line)
		return
	}

	select {
	case mon.updates <- struct{}{}:
	default:
	}
}

// output emits the latest merged snapshot of both clocks on every
// received update, one text frame per update.
func (mon *monitor) output(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case <-mon.updates:
	}

	mon.mu.Lock()
	line := mon.formatLocked()
	mon.mu.Unlock()

	dst.Body = []byte(line)
	return nil
}

func (mon *monitor) formatLocked() string {
	var sb strings.Builder
	for _, prefix := range []byte{'m', 's'} {
		snap, ok := mon.clocks[prefix]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "%c stage=%d sync=%d", prefix, snap.stage, snap.sync)
		if snap.haveVerbose {
			fmt.Fprintf(&sb, " freq_err=%d phase_err=%d dac=%d", snap.freqErr, snap.phaseErr, snap.dac)
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "resyncs=%d", mon.resyncs)
	return sb.String()
}
