// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dsc

import "errors"

// RequestType enumerates the DSC client interface's recognised
// message types.
type RequestType int32

const (
	ReqSetAGC RequestType = iota
	ReqGetAGC
	ReqSetDSC
	ReqGetDSC
	ReqSetGain
	ReqGetGain
	ReqSetSwitch
	ReqGetSwitch
)

// RequestMagic is the fixed magic number every client request must
// carry; requests with any other value are rejected outright.
const RequestMagic uint32 = 0x44534331 // "DSC1"

// SwitchAuto is the sentinel Value a SET_SWITCH/GET_SWITCH request
// uses to mean "rotating sequence" rather than a fixed position.
const SwitchAuto int32 = -1

// Request is the single fixed-layout message the DSC client interface
// carries: a magic number, a request type, an integer argument, and
// the requesting client's PID (used only for logging/diagnostics —
// the status-out half of the original message is modelled by Reply).
type Request struct {
	Magic     uint32
	Type      RequestType
	Value     int32
	ClientPID int32
}

// Reply is returned synchronously to the requesting client.
type Reply struct {
	Value int32
	Err   string
}

// ErrTryAgain is surfaced (as a Reply.Err string) when a
// save-lastgood request arrives within 60s of the previous one.
var ErrTryAgain = errors.New("dsc: try again")

// LastGoodSaver is the capability the persistent coefficient store
// implements; HandleRequest calls it for SET_DSC(save-lastgood).
type LastGoodSaver interface {
	SaveLastGood(table [NumPowerLevels]CompensationRecord) error
}

// HandleRequest services one client request under the engine lock,
// the same serialisation point the compensation tick and every
// SetSwitch/Switch accessor goes through.
func (e *Engine) HandleRequest(req Request) Reply {
	if req.Magic != RequestMagic {
		return Reply{Err: "bad magic"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch req.Type {
	case ReqSetAGC:
		switch req.Value {
		case 0:
			e.agc = AGCManual
		case 1:
			e.agc = AGCAuto
		default:
			return Reply{Err: "invalid AGC mode"}
		}

	case ReqGetAGC:
		return Reply{Value: int32(e.agc)}

	case ReqSetDSC:
		switch req.Value {
		case 0:
			e.mode = ModeOff
		case 1:
			e.mode = ModeUnity
		case 2:
			e.mode = ModeAuto
		case 3:
			if e.saver == nil {
				return Reply{Err: "no persistent store configured"}
			}
			if err := e.saver.SaveLastGood(e.table.Snapshot()); err != nil {
				if errors.Is(err, ErrTryAgain) {
					return Reply{Err: "try-again"}
				}
				return Reply{Err: err.Error()}
			}
		default:
			return Reply{Err: "invalid DSC mode"}
		}

	case ReqGetDSC:
		return Reply{Value: int32(e.mode)}

	case ReqSetGain:
		e.targetLevel = float64(req.Value)

	case ReqGetGain:
		return Reply{Value: int32(e.targetLevel)}

	case ReqSetSwitch:
		if req.Value == SwitchAuto {
			e.switchAuto = true
		} else if req.Value < 0 || req.Value >= NumSwitchPositions {
			return Reply{Err: "invalid switch position"}
		} else {
			e.switchAuto = false
			e.switchFixed = int(req.Value)
		}
		e.pushSwitchSequence()

	case ReqGetSwitch:
		if e.switchAuto {
			return Reply{Value: SwitchAuto}
		}
		return Reply{Value: int32(e.switchFixed)}

	default:
		return Reply{Err: "unknown request type"}
	}

	return Reply{}
}

// Request submits req to the engine's serviced-in-tick-order request
// queue and blocks for the reply, the shape a cmd/dscd connection
// handler calls into.
func (e *Engine) Request(req Request) Reply {
	resp := make(chan Reply, 1)
	e.requests <- clientRequest{req: req, resp: resp}
	return <-resp
}

// SetSwitch sets a fixed analog-switch position, or requests the
// rotating sequence when pos is SwitchAuto.
func (e *Engine) SetSwitch(pos int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos < 0 {
		e.switchAuto = true
	} else {
		e.switchAuto = false
		e.switchFixed = pos
	}
	e.pushSwitchSequence()
}

// pushSwitchSequence stages and commits the switch sequence matching
// the engine's current switchAuto/switchFixed selection into the
// configured register view, a no-op when none is configured. Called
// with e.mu held.
func (e *Engine) pushSwitchSequence() {
	if e.view == nil {
		return
	}

	var seq []uint8
	if e.switchAuto {
		seq = make([]uint8, NumSwitchPositions)
		for i := range seq {
			seq[i] = uint8(i)
		}
	} else {
		seq = []uint8{uint8(e.switchFixed)}
	}

	if err := e.view.WriteSwitchSequence(seq); err != nil {
		e.msg.Printf("could not write switch sequence: %+v", err)
		return
	}
	e.view.Commit()
}

// Switch returns the current fixed position, or SwitchAuto if the
// rotating sequence is active.
func (e *Engine) Switch() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.switchAuto {
		return int(SwitchAuto)
	}
	return e.switchFixed
}
