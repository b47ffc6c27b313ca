// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dscd runs the DSC (digital signal conditioning) compensation
// engine and serves client requests over the configured request FIFO
// or TCP address, the request/reply shape dscctl speaks.
package main // import "github.com/go-lpc/bpm/cmd/dscd"

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/go-lpc/bpm/auditdb"
	"github.com/go-lpc/bpm/config"
	"github.com/go-lpc/bpm/dsc"
	"github.com/go-lpc/bpm/event"
	"github.com/go-lpc/bpm/internal/hwreg"
	"github.com/go-lpc/bpm/internal/regs"
	"github.com/go-lpc/bpm/persist"
	"github.com/go-lpc/bpm/pidfile"
)

func main() {
	var (
		cfgPath = flag.String("config", "/etc/bpm/dscd.yaml", "path to the YAML configuration file")
		pidPath = flag.String("pidfile", "/run/bpm/dscd.pid", "path to the PID file")
	)
	flag.Parse()

	log.SetPrefix("dscd: ")
	log.SetFlags(0)

	if err := run(*cfgPath, *pidPath); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(cfgPath, pidPath string) error {
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

	schedFile, err := os.Open(cfg.DSC.AttenuatorScheduleFile)
	if err != nil {
		return fmt.Errorf("dscd: could not open attenuator schedule: %w", err)
	}
	schedule, err := dsc.ParseAttenuatorSchedule(schedFile)
	schedFile.Close()
	if err != nil {
		return fmt.Errorf("dscd: could not parse attenuator schedule: %w", err)
	}

	att, err := dsc.NewSMBusAttenuator(
		cfg.DSC.SMBusBus,
		cfg.DSC.AttenuatorAddr1, cfg.DSC.AttenuatorAddr2,
		cfg.DSC.AttenuatorCmd1, cfg.DSC.AttenuatorCmd2,
	)
	if err != nil {
		return err
	}
	defer att.Close()

	acqDev, err := os.OpenFile(cfg.DSC.AcquireDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("dscd: could not open acquisition device: %w", err)
	}
	defer acqDev.Close()

	acqHandle, err := hwreg.Map(acqDev, 0, acquireSpan)
	if err != nil {
		return err
	}
	defer acqHandle.Close()

	acq := hwreg.NewFIFOAcquirer(acqHandle, levelOffset, dataOffsets)

	table := dsc.NewCoefficientTable()

	store := persist.NewCoeffStore(
		cfg.Persist.VolatileCoeffFile,
		cfg.Persist.PersistentCoeffFile,
		cfg.Persist.MountPoint,
		log.New(log.Writer(), "persist: ", 0),
	)
	if rec, ok, err := store.LoadVolatile(); err != nil {
		log.Printf("could not load volatile coefficient dump: %+v", err)
	} else if ok {
		table.Load(rec)
	} else if rec, ok, err := store.LoadPersistent(); err != nil {
		log.Printf("could not load persistent coefficient dump: %+v", err)
	} else if ok {
		table.Load(rec)
	}

	var routing [dsc.NumAmpPositions][dsc.NumChannels]int
	for pos := range routing {
		for ch := range routing[pos] {
			routing[pos][ch] = pos*dsc.NumChannels + ch
		}
	}

	dscCfg := dsc.Config{
		NTBT:         cfg.DSC.NTBT,
		PhAvg:        cfg.DSC.PhAvg,
		FTBT:         1.0,
		RoutingTable: routing,
		AGC: dsc.AGCConfig{
			FS:          cfg.DSC.AGC.FS,
			FIF:         cfg.DSC.AGC.FIF,
			ADCPeak0dBm: cfg.DSC.AGC.ADCPeak0dBm,
			ATTNSum0dBm: cfg.DSC.AGC.ATTNSum0dBm,
		},
	}

	opts := []dsc.Option{
		dsc.WithLogger(log.New(log.Writer(), "dsc: ", 0)),
		dsc.WithLastGoodSaver(store),
	}
	if cfg.DSC.TickInterval > 0 {
		opts = append(opts, dsc.WithTickInterval(cfg.DSC.TickInterval))
	}
	if cfg.DSC.GainDevice != "" {
		bank, dev, err := openRegisterBank(cfg.DSC.GainDevice)
		if err != nil {
			return err
		}
		defer dev.Close()
		opts = append(opts, dsc.WithGainBank(bank))
	}
	if cfg.DSC.PhaseDevice != "" {
		bank, dev, err := openRegisterBank(cfg.DSC.PhaseDevice)
		if err != nil {
			return err
		}
		defer dev.Close()
		opts = append(opts, dsc.WithPhaseBank(bank))
	}
	variant := dsc.VariantElectron
	if cfg.DSC.Brilliance {
		variant = dsc.VariantBrilliance
	}
	opts = append(opts, dsc.WithRegisterView(dsc.NewRegisterView(variant)))
	if cfg.Audit.Enabled {
		db, err := auditdb.Open(cfg.Audit.Name)
		if err != nil {
			return fmt.Errorf("dscd: could not open audit database: %w", err)
		}
		defer db.Close()
		opts = append(opts, dsc.WithAuditSink(db))
	}

	engine := dsc.New(dscCfg, table, acq, acq, att, schedule, opts...)

	state, err := persist.OpenScalarStore(cfg.Persist.ScalarStateFile, log.New(log.Writer(), "persist: ", 0))
	if err != nil {
		return err
	}
	go state.Run(cfg.Persist.PollInterval)
	defer state.Close()

	replayState(state, engine)

	if cfg.DSC.EventDevice != "" {
		disp, src, err := spawnEvents(cfg.DSC.EventDevice, engine)
		if err != nil {
			return err
		}
		defer disp.Close()
		defer src.Close()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- engine.Run(engine.Level)
	}()
	defer func() {
		engine.Close()
		if err := store.SaveVolatile(table.Snapshot()); err != nil {
			log.Printf("could not save volatile coefficient dump: %+v", err)
		}
	}()

	srvc := make(chan error, 1)
	go func() {
		srvc <- serveRequests(cfg.DSC.RequestFIFO, engine, state)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, unix.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case sig := <-sigc:
		log.Printf("received signal %v, shutting down", sig)
		return nil
	case err := <-srvc:
		return err
	case err := <-errc:
		return err
	}
}

// persistedSettings are the client-settable values whose last accepted
// value survives a daemon restart through the scalar state store, in
// replay order (modes before level and switch position).
var persistedSettings = []struct {
	key string
	typ dsc.RequestType
}{
	{"agc_mode", dsc.ReqSetAGC},
	{"dsc_mode", dsc.ReqSetDSC},
	{"agc_level", dsc.ReqSetGain},
	{"switch", dsc.ReqSetSwitch},
}

// replayState re-issues the persisted client settings recorded by a
// previous run, before the scheduler starts ticking.
func replayState(state *persist.ScalarStore, engine *dsc.Engine) {
	for _, s := range persistedSettings {
		v, ok := state.GetInt(s.key)
		if !ok {
			continue
		}
		req := dsc.Request{Magic: dsc.RequestMagic, Type: s.typ, Value: int32(v)}
		if reply := engine.HandleRequest(req); reply.Err != "" {
			log.Printf("could not replay persisted %s=%d: %s", s.key, v, reply.Err)
		}
	}
}

// recordState mirrors an accepted SET request into the scalar store,
// skipping save-lastgood, which is a command, not a mode.
func recordState(state *persist.ScalarStore, req dsc.Request, reply dsc.Reply) {
	if reply.Err != "" {
		return
	}
	if req.Type == dsc.ReqSetDSC && req.Value == 3 {
		return
	}
	for _, s := range persistedSettings {
		if s.typ == req.Type {
			state.SetInt(s.key, int(req.Value))
			return
		}
	}
}

// spawnEvents maps the hardware event queue and starts the event
// receiver and dispatcher: a machine interlock drops compensation to
// off (the beam is gone, refining against it would corrupt the
// table), and the signal-conditioning trigger is logged for
// correlation with the scheduler's own tick log.
func spawnEvents(path string, engine *dsc.Engine) (*event.Dispatcher, *hwreg.EventFIFO, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("dscd: could not open event device: %w", err)
	}
	h, err := hwreg.Map(dev, 0, eventSpan)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	src := hwreg.NewEventFIFO(h, eventLevelOff, eventIDOff, eventParamOff)

	disp := event.NewDispatcher(log.New(log.Writer(), "event: ", 0))
	disp.Enable(event.InterlockEvent)
	disp.Enable(event.SignalConditioning)

	disp.Register(event.InterlockEvent, 1, event.HandlerFunc(func(param int) {
		log.Printf("machine interlock (reason %d): disabling compensation", param)
		engine.HandleRequest(dsc.Request{Magic: dsc.RequestMagic, Type: dsc.ReqSetDSC, Value: 0})
	}))
	disp.Register(event.SignalConditioning, 8, event.HandlerFunc(func(param int) {
		log.Printf("signal-conditioning trigger (param %d)", param)
	}))

	if err := disp.Spawn(src); err != nil {
		src.Close()
		return nil, nil, err
	}
	return disp, src, nil
}

const (
	eventSpan     = 0x10
	eventLevelOff = 0x00
	eventIDOff    = 0x04
	eventParamOff = 0x08
)

// acquireSpan, levelOffset and dataOffsets lay out the acquisition
// FIFO's fill-level register and the four (cosine, sine) register
// pairs it exposes, one pair per button channel.
const (
	acquireSpan = 0x80
	levelOffset = 0x00
)

var dataOffsets = [dsc.NumChannels][2]int64{
	{0x10, 0x14},
	{0x18, 0x1C},
	{0x20, 0x24},
	{0x28, 0x2C},
}

func openRegisterBank(path string) (*regs.Bank, *os.File, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("dscd: could not open register bank %q: %w", path, err)
	}
	const n = dsc.NumSwitchPositions * dsc.NumChannels
	h, err := hwreg.Map(dev, 0, int64(n*4))
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return hwreg.Bank(h, 0, n, 4), dev, nil
}

// serveRequests listens on addr (a TCP address if it contains a
// colon, otherwise a FIFO path) and services one JSON-encoded
// dsc.Request/dsc.Reply exchange per connection.
func serveRequests(addr string, engine *dsc.Engine, state *persist.ScalarStore) error {
	if strings.Contains(addr, ":") {
		return serveTCP(addr, engine, state)
	}
	return serveFIFO(addr, engine, state)
}

func serveTCP(addr string, engine *dsc.Engine, state *persist.ScalarStore) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dscd: could not listen on %q: %w", addr, err)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("dscd: could not accept connection: %w", err)
		}
		go handleConn(conn, engine, state)
	}
}

func handleConn(conn net.Conn, engine *dsc.Engine, state *persist.ScalarStore) {
	defer conn.Close()

	var req dsc.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		log.Printf("could not decode request from %v: %+v", conn.RemoteAddr(), err)
		return
	}

	reply := engine.Request(req)
	recordState(state, req, reply)
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		log.Printf("could not encode reply to %v: %+v", conn.RemoteAddr(), err)
	}
}

// serveFIFO reads newline-delimited JSON requests from the named pipe
// at path and writes the corresponding replies to the paired
// "<path>.reply" pipe, re-opening both on every EOF since a FIFO
// closes when its last writer disconnects.
func serveFIFO(path string, engine *dsc.Engine, state *persist.ScalarStore) error {
	if err := pidfile.EnsureFIFO(path, 0o666); err != nil {
		return err
	}
	replyPath := path + ".reply"
	if err := pidfile.EnsureFIFO(replyPath, 0o666); err != nil {
		return err
	}

	for {
		in, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("dscd: could not open request fifo %q: %w", path, err)
		}

		dec := json.NewDecoder(in)
		for {
			var req dsc.Request
			if err := dec.Decode(&req); err != nil {
				if err != io.EOF {
					log.Printf("could not decode request: %+v", err)
				}
				break
			}
			reply := engine.Request(req)
			recordState(state, req, reply)

			out, err := os.OpenFile(replyPath, os.O_WRONLY, 0)
			if err != nil {
				log.Printf("could not open reply fifo %q: %+v", replyPath, err)
				continue
			}
			if err := json.NewEncoder(out).Encode(reply); err != nil {
				log.Printf("could not encode reply: %+v", err)
			}
			out.Close()
		}
		in.Close()
	}
}
