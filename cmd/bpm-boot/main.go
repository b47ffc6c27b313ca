// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command bpm-boot (re)starts the clockd and dscd daemons, restarting
// either one should it die, optionally monitoring both with pmon and
// mailing an alert after repeated deaths — the supervisor that keeps
// the BPM's two core daemons running the way the original system's
// process-watchdog script did.
package main // import "github.com/go-lpc/bpm/cmd/bpm-boot"

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		clockdPath = flag.String("clockd", "clockd", "path to the clockd binary")
		dscdPath   = flag.String("dscd", "dscd", "path to the dscd binary")
		logDir     = flag.String("dir", os.Getenv("BPM_LOGDIR"), "directory to write child logs to")
		doMon      = flag.Bool("pmon", false, "enable pmon monitoring of each child")
		doFreq     = flag.Duration("freq", 1*time.Second, "pmon sampling frequency")
		maxDeaths  = flag.Int("max-deaths", 5, "consecutive restarts before an alert mail is sent")
	)
	flag.Parse()

	log.SetPrefix("bpm-boot: ")
	log.SetFlags(0)

	if *logDir == "" {
		*logDir = "/var/log/bpm"
	}

	stop := make(chan os.Signal, 1)
	children := []*exec.Cmd{
		exec.Command(*clockdPath),
		exec.Command(*dscdPath),
	}

	err := run(children, *logDir, *doMon, *doFreq, *maxDeaths, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(children []*exec.Cmd, dir string, doMon bool, freq time.Duration, maxDeaths int, stop chan os.Signal) error {
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("bpm-boot: could not create log dir %q: %w", dir, err)
	}

	var (
		grp  errgroup.Group
		kill = make(chan struct{})
	)

	for i := range children {
		cmd := children[i]
		grp.Go(func() error {
			return supervise(cmd, dir, doMon, freq, maxDeaths, kill)
		})
	}

	go func() {
		<-stop
		close(kill)
	}()

	if err := grp.Wait(); err != nil {
		return fmt.Errorf("bpm-boot: supervision loop failed: %w", err)
	}
	return nil
}

// supervise restarts cmd.Path whenever it exits, until kill is closed,
// mailing an alert once the child has died maxDeaths times in a row
// without an intervening successful long run.
func supervise(tmpl *exec.Cmd, dir string, doMon bool, freq time.Duration, maxDeaths int, kill chan struct{}) error {
	name := filepath.Base(tmpl.Path)
	deaths := 0

	for {
		select {
		case <-kill:
			return nil
		default:
		}

		cmd := exec.Command(tmpl.Path, tmpl.Args[1:]...)
		out, err := os.Create(filepath.Join(dir, name+".log"))
		if err != nil {
			return fmt.Errorf("bpm-boot: could not create log file for %q: %w", name, err)
		}
		cmd.Stdout = out
		cmd.Stderr = out

		log.Printf("starting %q...", name)
		if err := cmd.Start(); err != nil {
			out.Close()
			return fmt.Errorf("bpm-boot: could not start %q: %w", name, err)
		}

		var mon *pmon.Process
		if doMon {
			mon, err = pmon.Monitor(cmd.Process.Pid)
			if err != nil {
				log.Printf("could not start monitoring %q (pid=%d): %+v", name, cmd.Process.Pid, err)
			} else {
				pf, err := os.Create(filepath.Join(dir, name+"-pmon.log"))
				if err == nil {
					mon.W = pf
					mon.Freq = freq
					go func() {
						if err := mon.Run(); err != nil {
							log.Printf("pmon for %q stopped: %+v", name, err)
						}
					}()
				}
			}
		}

		started := time.Now()
		errc := make(chan error, 1)
		go func() { errc <- cmd.Wait() }()

		select {
		case <-kill:
			_ = cmd.Process.Kill()
			<-errc
			if mon != nil {
				_ = mon.Kill()
			}
			out.Close()
			return nil
		case err := <-errc:
			if mon != nil {
				_ = mon.Kill()
			}
			out.Close()
			if time.Since(started) > 10*time.Minute {
				deaths = 0
			}
			deaths++
			log.Printf("%q exited (err=%v); restart %d", name, err, deaths)
			if deaths >= maxDeaths {
				alertMail(name, deaths, err)
				deaths = 0
			}
		}
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

// alertMail mails the operator distribution list after a child has
// died maxDeaths times in a row, the same gomail-based alert path
// cmd/eda-ctl uses for stalled DAQ output files.
func alertMail(name string, deaths int, cause error) {
	if alertMailUsr == "" || alertMailPwd == "" || alertMailSrv == "" || alertMailPort == 0 || len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[bpm-boot] %s has died %d times in a row", name, deaths))
	msg.SetBody("text/plain", fmt.Sprintf("process: %s\nconsecutive deaths: %d\nlast error: %v", name, deaths, cause))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	if err := dial.DialAndSend(msg); err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
