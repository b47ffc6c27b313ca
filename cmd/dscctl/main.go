// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dscctl is the DSC client CLI: it sends one dsc.Request to a
// running dscd (over its request FIFO or TCP address) and prints the
// dsc.Reply, or, with -i, drops into an interactive console for
// hand-driving a sequence of requests.
package main // import "github.com/go-lpc/bpm/cmd/dscctl"

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/go-lpc/bpm/dsc"
)

func main() {
	var (
		addr        = flag.String("addr", "/run/bpm/dscd.req", "dscd request FIFO path, or host:port for TCP")
		interactive = flag.Bool("i", false, "drop into an interactive console")
	)
	flag.Parse()

	log.SetPrefix("dscctl: ")
	log.SetFlags(0)

	if *interactive {
		if err := runConsole(*addr); err != nil {
			log.Fatalf("%+v", err)
		}
		return
	}

	req, err := parseArgs(flag.Args())
	if err != nil {
		log.Fatalf("%+v", err)
	}

	reply, err := send(*addr, req)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	printReply(reply)
}

// parseArgs turns a command line like "set-dsc auto" or "get-agc" into
// a dsc.Request, the same command alphabet the interactive console
// accepts line by line.
func parseArgs(args []string) (dsc.Request, error) {
	if len(args) == 0 {
		return dsc.Request{}, fmt.Errorf("dscctl: usage: dscctl [-addr ADDR] <command> [value]")
	}
	return parseCommand(args[0], args[1:])
}

var modeNames = map[string]int32{"off": 0, "unity": 1, "auto": 2, "save-lastgood": 3}
var agcNames = map[string]int32{"manual": 0, "auto": 1}

func parseCommand(name string, rest []string) (dsc.Request, error) {
	req := dsc.Request{Magic: dsc.RequestMagic, ClientPID: int32(os.Getpid())}

	arg := func() (string, error) {
		if len(rest) == 0 {
			return "", fmt.Errorf("dscctl: %q requires a value", name)
		}
		return rest[0], nil
	}

	switch strings.ToLower(name) {
	case "set-agc":
		v, err := arg()
		if err != nil {
			return req, err
		}
		n, ok := agcNames[strings.ToLower(v)]
		if !ok {
			return req, fmt.Errorf("dscctl: unknown AGC mode %q (want manual|auto)", v)
		}
		req.Type, req.Value = dsc.ReqSetAGC, n

	case "get-agc":
		req.Type = dsc.ReqGetAGC

	case "set-dsc":
		v, err := arg()
		if err != nil {
			return req, err
		}
		n, ok := modeNames[strings.ToLower(v)]
		if !ok {
			return req, fmt.Errorf("dscctl: unknown DSC mode %q (want off|unity|auto|save-lastgood)", v)
		}
		req.Type, req.Value = dsc.ReqSetDSC, n

	case "get-dsc":
		req.Type = dsc.ReqGetDSC

	case "set-gain":
		v, err := arg()
		if err != nil {
			return req, err
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("dscctl: invalid gain target %q: %w", v, err)
		}
		req.Type, req.Value = dsc.ReqSetGain, int32(n)

	case "get-gain":
		req.Type = dsc.ReqGetGain

	case "set-switch":
		v, err := arg()
		if err != nil {
			return req, err
		}
		if strings.ToLower(v) == "auto" {
			req.Type, req.Value = dsc.ReqSetSwitch, dsc.SwitchAuto
			break
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("dscctl: invalid switch position %q: %w", v, err)
		}
		req.Type, req.Value = dsc.ReqSetSwitch, int32(n)

	case "get-switch":
		req.Type = dsc.ReqGetSwitch

	default:
		return req, fmt.Errorf("dscctl: unknown command %q", name)
	}

	return req, nil
}

// send submits req to dscd at addr (TCP if it contains a colon,
// otherwise the request/reply FIFO pair serveFIFO in cmd/dscd
// maintains) and returns its reply.
func send(addr string, req dsc.Request) (dsc.Reply, error) {
	if strings.Contains(addr, ":") {
		return sendTCP(addr, req)
	}
	return sendFIFO(addr, req)
}

func sendTCP(addr string, req dsc.Request) (dsc.Reply, error) {
	var reply dsc.Reply
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return reply, fmt.Errorf("dscctl: could not dial %q: %w", addr, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return reply, fmt.Errorf("dscctl: could not send request: %w", err)
	}
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return reply, fmt.Errorf("dscctl: could not read reply: %w", err)
	}
	return reply, nil
}

func sendFIFO(path string, req dsc.Request) (dsc.Reply, error) {
	var reply dsc.Reply

	out, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return reply, fmt.Errorf("dscctl: could not open request fifo %q: %w", path, err)
	}
	err = json.NewEncoder(out).Encode(req)
	out.Close()
	if err != nil {
		return reply, fmt.Errorf("dscctl: could not send request: %w", err)
	}

	replyPath := path + ".reply"
	in, err := os.Open(replyPath)
	if err != nil {
		return reply, fmt.Errorf("dscctl: could not open reply fifo %q: %w", replyPath, err)
	}
	defer in.Close()

	if err := json.NewDecoder(in).Decode(&reply); err != nil {
		return reply, fmt.Errorf("dscctl: could not read reply: %w", err)
	}
	return reply, nil
}

func printReply(reply dsc.Reply) {
	if reply.Err != "" {
		fmt.Printf("error: %s\n", reply.Err)
		return
	}
	fmt.Printf("ok: %d\n", reply.Value)
}

// runConsole drops into an interactive peterh/liner console, reading
// one command per line and sending it the same way a single
// command-line invocation would.
func runConsole(addr string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := os.Getenv("HOME") + "/.dscctl_history"
	if f, err := os.Open(histPath); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		text, err := line.Prompt("dscctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return fmt.Errorf("dscctl: console error: %w", err)
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			return nil
		}
		line.AppendHistory(text)

		fields := strings.Fields(text)
		req, err := parseCommand(fields[0], fields[1:])
		if err != nil {
			fmt.Println(err)
			continue
		}
		req.ClientPID = int32(os.Getpid())
		reply, err := send(addr, req)
		if err != nil {
			fmt.Println(err)
			continue
		}
		printReply(reply)
	}
}
