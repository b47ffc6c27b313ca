// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pidfile implements the PID-file and control/status FIFO
// plumbing every daemon (clockd, dscd, ...) performs on startup and
// shutdown: refuse to start a second instance of a daemon whose PID
// file names a still-running process, write a fresh PID file, create
// the command and status FIFOs if absent, and unlink everything on a
// clean exit.
package pidfile // import "github.com/go-lpc/bpm/pidfile"

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Running reports whether path names a PID file whose recorded
// process is still alive, probed with a zero signal
// (unix.Kill(pid, 0)). A missing or unreadable PID file is treated as
// "not running": a stale or absent file must never block a fresh
// start.
func Running(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}

	return unix.Kill(pid, 0) == nil
}

// Write creates path exclusively (failing if it already exists) and
// writes the current process's PID into it.
func Write(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("pidfile: could not create %q: %w", path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		return fmt.Errorf("pidfile: could not write pid to %q: %w", path, err)
	}
	return nil
}

// Remove unlinks path, the last thing a daemon does on a clean exit.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("pidfile: could not remove %q: %w", path, err)
	}
	return nil
}

// EnsureFIFO creates a named pipe at path with the given permission
// bits if nothing exists there yet; an already-existing FIFO (left
// over from a previous run, or created by another process) is not an
// error.
func EnsureFIFO(path string, perm os.FileMode) error {
	err := unix.Mkfifo(path, uint32(perm))
	if err != nil && err != unix.EEXIST {
		return fmt.Errorf("pidfile: could not create FIFO %q: %w", path, err)
	}
	return nil
}

// RemoveFIFO unlinks the FIFO at path; a FIFO that is already gone is
// not an error.
func RemoveFIFO(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pidfile: could not remove FIFO %q: %w", path, err)
	}
	return nil
}
