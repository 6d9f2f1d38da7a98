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

// Package supervisor implements Component E (spec.md §4.E): the state
// machine that ties the VT allocator, X server controller and X session
// controller together, and the restart/back-off policy that keeps them
// running. original_source ships only the declarations for this component
// (dm.h's nodm_display_manager_start/restart/wait/stop/
// wait_restart_loop) -- their bodies never made it into the retrieval --
// so this is built directly from spec.md §4.E's description, in the
// calling style the rest of original_source and the teacher both use:
// small methods, explicit error returns, one blocking call at a time.
package supervisor

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nodm-project/nodm/internal/nodmerr"
	"github.com/nodm-project/nodm/internal/nodmlog"
	"github.com/nodm-project/nodm/internal/procutil"
	"github.com/nodm-project/nodm/internal/vtalloc"
	"github.com/nodm-project/nodm/internal/xcmdline"
	"github.com/nodm-project/nodm/internal/xserver"
	"github.com/nodm-project/nodm/internal/xsession"
)

// Reason classifies why wait() returned, per spec.md §4.E.
type Reason int

const (
	XServerDied Reason = iota
	SessionDied
	UserQuit
)

// backoffLadder is spec.md §4.E.1's restart back-off, in seconds, with the
// last slot repeating once restart_count saturates.
var backoffLadder = []time.Duration{
	0, 0, 30 * time.Second, 30 * time.Second, 60 * time.Second, 60 * time.Second,
}

// Config holds everything the Supervisor needs to build its X server and
// session controllers.
type Config struct {
	Log *nodmlog.Logger

	ServerArgv     []string // parsed NODM_X_OPTIONS, before any vt<N> is appended
	DisplayName    string
	XServerTimeout time.Duration
	FirstVT        int // -1 disables VT allocation (spec.md §3)

	RunAs          string
	SessionCommand string
	UsePAM         bool
	CleanupXSE     bool

	MinSessionTime time.Duration
}

// Supervisor runs the nodm state machine: Idle -> VTHeld -> ServerUp ->
// SessionUp -> Reaping -> Backoff -> ServerUp ... (spec.md §4.E.2).
type Supervisor struct {
	cfg Config

	vt  *vtalloc.Allocator
	srv *xserver.XServer
	ses *xsession.XSession

	lastStart    time.Time
	restartCount int
}

// New builds a Supervisor. Nothing is started yet.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, vt: vtalloc.New(cfg.FirstVT)}
}

// Start allocates the VT (if configured) and performs the first
// restart(), taking the state machine from Idle to VTHeld to ServerUp to
// SessionUp.
func (sv *Supervisor) Start() error {
	if err := sv.vt.Start(); err != nil {
		return nodmerr.Wrap(nodmerr.VTAllocationFailed, "cannot allocate a virtual terminal", err)
	}
	return sv.restart()
}

// restart records the start time and brings up a fresh X server and X
// session, in that order -- spec.md's ordering guarantee: the session may
// only be forked once the server is ready AND WINDOWPATH has been read.
func (sv *Supervisor) restart() error {
	sv.lastStart = time.Now()

	argv := sv.cfg.ServerArgv
	if sv.vt.Number() != -1 {
		argv = xcmdline.AppendVT(argv, sv.vt.Number())
	}

	sv.srv = xserver.New(sv.cfg.Log, argv, sv.cfg.DisplayName, sv.cfg.XServerTimeout)
	if err := sv.srv.Start(); err != nil {
		return err
	}
	if err := sv.srv.ReadWindowPath(); err != nil {
		sv.srv.Stop()
		return err
	}

	sv.ses = xsession.New(sv.cfg.Log, sv.cfg.RunAs, sv.cfg.SessionCommand, sv.cfg.UsePAM, sv.cfg.CleanupXSE)
	if err := sv.ses.Start(sv.cfg.DisplayName, sv.srv.WindowPath()); err != nil {
		sv.srv.Stop()
		return err
	}
	return nil
}

// wait blocks until the X server or X session exits, or the operator asks
// to shut down. It installs temporary SIGTERM/SIGINT/SIGQUIT handling for
// the duration of the call, per spec.md's signal policy table.
//
// It subscribes to the two pids it cares about through procutil's single
// background reaper (spec.md §9) instead of issuing its own wait4(-1, ...)
// call: a dedicated per-call waiter would race Stop()'s subsequent
// targeted reap of whichever component is still alive when this returns
// via the quit case, and could silently steal that reap.
func (sv *Supervisor) wait() (Reason, unix.WaitStatus, error) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT)
	defer signal.Stop(quit)

	srvDone := procutil.Subscribe(sv.srv.Pid())
	sesDone := procutil.Subscribe(sv.ses.Pid())

	select {
	case <-quit:
		return UserQuit, 0, nil
	case ws := <-srvDone:
		return XServerDied, ws, nil
	case ws := <-sesDone:
		return SessionDied, ws, nil
	}
}

// Stop tears down the X session then the X server. The VT stays held
// until process shutdown, per spec.md's state machine.
func (sv *Supervisor) Stop() {
	if sv.ses != nil {
		sv.ses.Stop()
	}
	if sv.srv != nil {
		sv.srv.Stop()
	}
}

// StopVT releases the allocated virtual terminal. Called once, at process
// shutdown.
func (sv *Supervisor) StopVT() {
	sv.vt.Stop()
}

// RunRestartLoop is wait_restart_loop: the heart of the supervisor
// (spec.md §4.E.1). It returns the terminal Reason (always UserQuit on a
// clean shutdown) or an error if a component fails unrecoverably.
func (sv *Supervisor) RunRestartLoop() (Reason, error) {
	for {
		reason, ws, err := sv.wait()
		end := time.Now()
		sv.Stop()

		if err != nil {
			return reason, err
		}

		switch reason {
		case XServerDied, SessionDied:
			sv.cfg.Log.Warningf("%s (status %s), restarting", describe(reason), describeStatus(ws))
		case UserQuit:
			return UserQuit, nil
		default:
			return reason, nil
		}

		// Use restartCount for THIS sleep before advancing it for the
		// next iteration -- spec.md §4.E.1/§8 S8's worked example uses
		// restart_count 0,1,2,3,4,5 (in that order) to index the sleep
		// table, then updates it afterward for the following restart.
		delay := backoffLadder[sv.restartCount]

		elapsed := end.Sub(sv.lastStart)
		if elapsed < sv.cfg.MinSessionTime {
			if sv.restartCount < len(backoffLadder)-1 {
				sv.restartCount++
			}
		} else {
			sv.restartCount = 0
		}

		if delay > 0 {
			sv.cfg.Log.Infof("waiting %s before restarting", delay)
			if quit := sv.interruptibleSleep(delay); quit {
				return UserQuit, nil
			}
		}

		if err := sv.restart(); err != nil {
			return reason, err
		}
	}
}

// interruptibleSleep sleeps for d, returning true early if SIGTERM,
// SIGINT or SIGQUIT arrives -- the back-off region of spec.md's signal
// policy table.
func (sv *Supervisor) interruptibleSleep(d time.Duration) bool {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, unix.SIGTERM, unix.SIGINT, unix.SIGQUIT)
	defer signal.Stop(quit)

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-quit:
		return true
	case <-t.C:
		return false
	}
}

func describe(r Reason) string {
	switch r {
	case XServerDied:
		return "X server died"
	case SessionDied:
		return "X session died"
	case UserQuit:
		return "shutdown requested"
	default:
		return "unknown"
	}
}

func describeStatus(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exited %d", ws.ExitStatus())
	case ws.Signaled():
		return fmt.Sprintf("signal %d", ws.Signal())
	default:
		return fmt.Sprintf("raw %d", int(ws))
	}
}
