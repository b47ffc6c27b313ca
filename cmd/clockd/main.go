// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command clockd runs the machine-clock and system-clock PLL
// controllers side by side against a shared command and status FIFO
// pair, exactly as the original clock-discipline daemon does.
package main // import "github.com/go-lpc/bpm/cmd/clockd"

import (
	"bytes"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/go-lpc/bpm/clockpair"
	"github.com/go-lpc/bpm/config"
	"github.com/go-lpc/bpm/internal/hwreg"
	"github.com/go-lpc/bpm/internal/mmap"
	"github.com/go-lpc/bpm/persist"
	"github.com/go-lpc/bpm/pidfile"
	"github.com/go-lpc/bpm/pll"
)

func main() {
	var (
		cfgPath = flag.String("config", "/etc/bpm/clockd.yaml", "path to the YAML configuration file")
		pidPath = flag.String("pidfile", "/run/bpm/clockd.pid", "path to the PID file")
		memDev  = flag.String("mem", "/dev/mem", "path to the register device to mmap")
	)
	flag.Parse()

	log.SetPrefix("clockd: ")
	log.SetFlags(0)

	if err := run(*cfgPath, *pidPath, *memDev); err != nil {
		log.Fatalf("%+v", err)
	}
}

// Register offsets within the mmap'd clock register file, laid out as
// hwreg.ClockCounter and hwreg.DriverStatus (three registers each) and
// hwreg.DACRegister and hwreg.NCORegister (one register each) expect;
// the two clocks and the shared NCO each get their own disjoint
// sub-range.
const (
	regSpan = 0x200

	machineBase    = 0x000
	systemBase     = 0x040
	ncoOffset      = 0x080
	clockLoOff     = 0x00
	clockHiOff     = 0x04
	clockStatusOff = 0x08
	dacOff         = 0x0C
	deltaLoOff     = 0x10
	deltaHiOff     = 0x14
	lockedOff      = 0x18
)

func run(cfgPath, pidPath, memDev string) error {
	if pidfile.Running(pidPath) {
		log.Fatalf("another instance is already running (pid file %q)", pidPath)
	}
	if err := pidfile.Write(pidPath); err != nil {
		return err
	}
	defer pidfile.Remove(pidPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if err := pidfile.EnsureFIFO(cfg.CommandFIFO, 0o666); err != nil {
		return err
	}
	if err := pidfile.EnsureFIFO(cfg.StatusFIFO, 0o666); err != nil {
		return err
	}
	defer pidfile.RemoveFIFO(cfg.CommandFIFO)
	defer pidfile.RemoveFIFO(cfg.StatusFIFO)

	dev, err := os.OpenFile(memDev, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer dev.Close()

	h, err := hwreg.Map(dev, 0, regSpan)
	if err != nil {
		return err
	}
	defer h.Close()

	status := pll.NewStatusPipe(mustOpenStatus(cfg.StatusFIFO))

	state, err := persist.OpenScalarStore(cfg.Persist.ScalarStateFile, log.New(log.Writer(), "persist: ", 0))
	if err != nil {
		return err
	}
	go state.Run(cfg.Persist.PollInterval)
	defer state.Close()

	machine, err := newController(h, machineBase, cfg.Machine, 'm', status, cfg.Verbose)
	if err != nil {
		return err
	}
	system, err := newController(h, systemBase, cfg.System, 's', status, cfg.Verbose)
	if err != nil {
		return err
	}

	replayState(state, machine, 'm')
	replayState(state, system, 's')

	nco := hwreg.NewNCORegister(h, ncoOffset)

	// O_RDWR keeps a writer on the FIFO so the command reader blocks
	// between clients instead of hitting EOF when one disconnects.
	cmds, err := os.OpenFile(cfg.CommandFIFO, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer cmds.Close()

	sup := clockpair.New(
		machine, system,
		io.TeeReader(cmds, &cmdRecorder{state: state}),
		nco,
		log.New(log.Writer(), "clockpair: ", 0),
	)
	defer sup.Close()

	errc := make(chan error, 1)
	go func() { errc <- sup.Run() }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, unix.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		log.Printf("received signal %v, shutting down", sig)
		return nil
	case err := <-errc:
		return err
	}
}

func mustOpenStatus(path string) *os.File {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		log.Fatalf("could not open status fifo %q: %+v", path, err)
	}
	return f
}

// newController builds a machine/system PLL controller at base within
// h, with the standard three-stage cascade (frequency seek, coarse
// PI, narrow IIR) the original clock-discipline daemon uses.
func newController(h *mmap.Handle, base int64, cc config.Clock, prefix byte, status *pll.StatusPipe, verbose bool) (*pll.Controller, error) {
	clock := hwreg.NewClockCounter(h, base+clockLoOff, base+clockHiOff, base+clockStatusOff)
	dac := hwreg.NewDACRegister(h, base+dacOff)
	driver := hwreg.NewDriverStatus(h, base+deltaLoOff, base+deltaHiOff, base+lockedOff)

	cfg := pll.Config{
		Name:        cc.Name,
		Prefix:      prefix,
		Prescale:    cc.Prescale,
		NormalLimit: cc.NormalLimit,
		SlewLimit:   cc.SlewLimit,
	}
	if cfg.NormalLimit == 0 {
		cfg.NormalLimit = 1000
	}
	if cfg.SlewLimit == 0 {
		cfg.SlewLimit = 10000
	}

	stages := []pll.Stage{
		&pll.StageFF{FK: 1},
		&pll.StagePI{KP: 4, KI: 1, IIR: 0.05, MaxPhaseErr: 200},
		&pll.StageIIR{
			Order:  2,
			Dither: 0,
			Coeffs: []pll.IIRCoeff{
				{B: 0.1},
				{B: 0.05, A: -0.9},
				{B: 0.02, A: -0.8},
			},
		},
	}

	var opts []pll.Option
	if cc.ReportInterval > 0 {
		opts = append(opts, pll.WithReportInterval(cc.ReportInterval))
	}
	if verbose {
		opts = append(opts, pll.WithVerbose(true))
	}
	opts = append(opts, pll.WithLogger(log.New(log.Writer(), "pll("+cc.Name+"): ", 0)))

	return pll.New(cfg, clock, dac, driver, status, stages, opts...)
}

// persistedOps are the control opcodes whose last commanded value
// survives a daemon restart through the scalar state store.
var persistedOps = []byte{'o', 'p', 'v', 'i'}

// replayState re-issues the persisted control commands recorded by a
// previous run, restoring frequency offset, phase offset, verbosity
// and report interval before the servo starts ticking.
func replayState(state *persist.ScalarStore, ctl *pll.Controller, prefix byte) {
	for _, op := range persistedOps {
		key := string([]byte{prefix, op})
		v, ok := state.Get(key)
		if !ok {
			continue
		}
		if err := ctl.Command(string(op) + v); err != nil {
			log.Printf("could not replay persisted command %s%s: %+v", key, v, err)
		}
	}
}

// cmdRecorder mirrors the persisted subset of accepted command lines
// into the scalar state store as they flow from the command FIFO to
// the clockpair dispatcher, so replayState can restore them on the
// next start.
type cmdRecorder struct {
	state *persist.ScalarStore
	buf   bytes.Buffer
}

func (r *cmdRecorder) Write(p []byte) (int, error) {
	r.buf.Write(p)
	for {
		line, err := r.buf.ReadString('\n')
		if err != nil {
			// Incomplete trailing line: keep it for the next Write.
			r.buf.WriteString(line)
			break
		}
		r.record(strings.TrimSpace(line))
	}
	return len(p), nil
}

func (r *cmdRecorder) record(line string) {
	if len(line) < 3 {
		return
	}
	if line[0] != 'm' && line[0] != 's' {
		return
	}
	if !bytes.ContainsRune(persistedOps, rune(line[1])) {
		return
	}
	r.state.Set(line[:2], strings.TrimSpace(line[2:]))
}
