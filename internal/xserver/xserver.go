// Copyright 2024 The Nodm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package xserver implements Component B, the X server controller
// (spec.md §4.B): start the server, wait for its SIGUSR1 readiness
// signal, connect to it to read back WINDOWPATH, and tear it down.
// Grounded on original_source/xserver.c, with the fork-time signal setup
// (SIGUSR1 -> SIG_IGN so the server knows to raise it, SIGTTIN/SIGTTOU ->
// SIG_IGN, a fresh process group) moved into a re-exec helper since
// os/exec, unlike C's fork(), has no hook to run code in the child
// between fork and exec. The re-exec verb itself follows
// runsc/cli/main.go's internal-use-only subcommand convention
// (cmd.Boot is reached the same way, via a hidden argv[1]).
package xserver

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/nodm-project/nodm/internal/nodmerr"
	"github.com/nodm-project/nodm/internal/nodmlog"
	"github.com/nodm-project/nodm/internal/procutil"
	"github.com/nodm-project/nodm/internal/xproto"
)

// HelperVerb is the hidden cmd/nodm argv[1] that re-execs into this
// package's helper entry point (RunHelper). Kept here, rather than in
// cmd/nodm, so the controller and its helper agree on the contract
// without cmd/nodm needing to know xserver's internals.
const HelperVerb = "__xserver-helper"

// XServer supervises one X server process.
type XServer struct {
	log     *nodmlog.Logger
	argv    []string
	name    string // display name, e.g. ":0"
	timeout time.Duration

	pid  int
	conn *xproto.Conn

	windowPath string
}

// New builds an XServer that will run argv (argv[0] is the server binary,
// argv[1] the display name) and wait up to timeout for readiness.
func New(log *nodmlog.Logger, argv []string, displayName string, timeout time.Duration) *XServer {
	return &XServer{log: log, argv: argv, name: displayName, timeout: timeout, pid: -1}
}

// Pid returns the X server's process id, or -1 if it is not running.
func (x *XServer) Pid() int { return x.pid }

// WindowPath is the WINDOWPATH value read back after Connect, or "" if it
// has not been read yet.
func (x *XServer) WindowPath() string { return x.windowPath }

// Start forks the X server (by way of the __xserver-helper re-exec), arms
// a SIGUSR1 handler, and blocks until the server signals readiness, dies,
// or the configured timeout elapses. On any non-success path the server
// is killed before returning, mirroring nodm_xserver_start's cleanup
// label.
func (x *XServer) Start() error {
	x.log.Debugf("starting X server: %v", x.argv)

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, unix.SIGUSR1)
	defer signal.Stop(usr1)

	self, err := os.Executable()
	if err != nil {
		return nodmerr.Wrap(nodmerr.OSError, "cannot find own executable path for the X server helper", err)
	}

	cmd := exec.Command(self, append([]string{HelperVerb}, x.argv...)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return nodmerr.Wrap(nodmerr.CmdNotFound, fmt.Sprintf("cannot start %s", x.argv[0]), err)
		}
		return nodmerr.Wrap(nodmerr.OSError, fmt.Sprintf("cannot fork to run %s", x.argv[0]), err)
	}
	x.pid = cmd.Process.Pid

	deadline := time.NewTimer(x.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-usr1:
			x.log.Debugf("X is ready to accept connections")
			if err := x.Connect(); err != nil {
				x.killOnFailure()
				return err
			}
			return nil

		case <-tick.C:
			status, ws := procutil.HasQuit(x.pid)
			if status == procutil.Quit {
				x.pid = -1
				return nodmerr.New(nodmerr.XServerDied, reportedExit(x.argv[0], ws))
			}

		case <-deadline.C:
			x.log.Errorf("X server did not respond after %s", x.timeout)
			x.killOnFailure()
			return nodmerr.New(nodmerr.XServerTimeout, "X server did not respond in time")
		}
	}
}

func (x *XServer) killOnFailure() {
	if x.pid <= 0 {
		return
	}
	procutil.MustExit(x.log, x.pid, "X server")
	x.pid = -1
}

func reportedExit(name string, ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("%s quit with status %d", name, ws.ExitStatus())
	case ws.Signaled():
		return fmt.Sprintf("%s was killed with signal %d", name, ws.Signal())
	default:
		return fmt.Sprintf("%s terminated with unknown status %d", name, int(ws))
	}
}

// Connect opens an X11 protocol connection to the server, retrying five
// times one second apart -- nodm_xserver_connect's loop, reimplemented
// with cenkalti/backoff's constant back-off instead of a hand-rolled
// for-loop-plus-sleep, the way runsc/sandbox/sandbox.go's waitForStopped
// drives its own retry loop.
func (x *XServer) Connect() error {
	x.log.Debugf("connecting to X server")

	const maxAttempts = 5

	var conn *xproto.Conn
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			x.log.Infof("connecting to X server, attempt #%d", attempt)
		}
		c, err := xproto.Dial(x.name)
		if err != nil {
			x.log.Errorf("could not connect to X server on %q: %v", x.name, err)
			if attempt >= maxAttempts {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.NewConstantBackOff(time.Second)); err != nil {
		return nodmerr.Wrap(nodmerr.XServerConnect, "could not connect to X server", err)
	}

	x.conn = conn
	return nil
}

// ReadWindowPath reads WINDOWPATH off the server, combining it with any
// inherited WINDOWPATH the way nodm_xserver_read_window_path does.
func (x *XServer) ReadWindowPath() error {
	if x.conn == nil {
		return nodmerr.New(nodmerr.Programming, "ReadWindowPath called before Connect")
	}
	x.log.Debugf("reading WINDOWPATH value from server")

	num, err := x.conn.ReadXFree86VT()
	if err != nil {
		return nodmerr.Wrap(nodmerr.XlibError, "reading WINDOWPATH", err)
	}

	if inherited, ok := os.LookupEnv("WINDOWPATH"); ok && inherited != "" {
		x.windowPath = fmt.Sprintf("%s:%d", inherited, num)
	} else {
		x.windowPath = fmt.Sprintf("%d", num)
	}
	x.log.Debugf("WINDOWPATH: %s", x.windowPath)
	return nil
}

// Disconnect closes the X11 protocol connection, if any.
func (x *XServer) Disconnect() {
	if x.conn != nil {
		x.log.Debugf("disconnecting from X server")
		x.conn.Close()
		x.conn = nil
	}
}

// Stop disconnects and terminates the X server, reaping it. Idempotent.
func (x *XServer) Stop() {
	x.Disconnect()
	if x.pid > 0 {
		procutil.MustExit(x.log, x.pid, "X server")
		x.pid = -1
	}
	x.windowPath = ""
}
