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

// Package procutil holds the two child-process primitives shared by
// the XServer and XSession controllers and the Supervisor (spec.md
// §4.D): a non-blocking poll for whether a pid has quit, and a
// terminate-and-reap helper built on top of it. Grounded on the
// unix.Wait4/unix.Kill call sites in runsc/sandbox/sandbox.go
// (waitForStopped, destroy, SignalContainer).
//
// spec.md §9 requires every untargeted waitpid(-1, ...) call to live in
// exactly one place: two goroutines independently waiting on overlapping
// sets of children (one on a specific pid, one on -1) race the kernel for
// the same reap, and whichever loses silently misses the exit status.
// reaper below is that one place -- a single background loop that owns
// every wait4 call in the process -- and HasQuit/MustExit/Subscribe all
// go through it instead of calling wait4 themselves.
package procutil

import (
	"sync"
	"time"

	"github.com/nodm-project/nodm/internal/nodmlog"
	"golang.org/x/sys/unix"
)

// Status describes the outcome of a non-blocking wait.
type Status int

const (
	// Running means the pid is still alive.
	Running Status = iota
	// Quit means the pid has been reaped; its WaitStatus is returned alongside.
	Quit
	// Gone means the pid is not (or no longer) a child of this process.
	Gone
)

// childReaper is the single waitpid(-1, ...) loop for the whole process.
// Results are broadcast to every subscriber registered for that pid, so a
// pid can be watched from more than one place (e.g. a stale watcher left
// over from a cancelled wait, and a fresh MustExit call) without either
// one stealing the other's reap.
type childReaper struct {
	mu      sync.Mutex
	exited  map[int]unix.WaitStatus
	waiting map[int][]chan unix.WaitStatus
}

var reaper = newChildReaper()

func newChildReaper() *childReaper {
	r := &childReaper{
		exited:  make(map[int]unix.WaitStatus),
		waiting: make(map[int][]chan unix.WaitStatus),
	}
	go r.loop()
	return r
}

func (r *childReaper) loop() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: no children exist right now (e.g. between a
			// restart's Stop and the next restart's fork). Back off
			// briefly rather than spinning.
			time.Sleep(50 * time.Millisecond)
			continue
		}
		r.deliver(pid, ws)
	}
}

func (r *childReaper) deliver(pid int, ws unix.WaitStatus) {
	r.mu.Lock()
	subs := r.waiting[pid]
	delete(r.waiting, pid)
	if len(subs) == 0 {
		r.exited[pid] = ws
	}
	r.mu.Unlock()

	for _, ch := range subs {
		ch <- ws
	}
}

// poll reports whether pid has already been reaped, consuming the result.
func (r *childReaper) poll(pid int) (unix.WaitStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.exited[pid]
	if ok {
		delete(r.exited, pid)
	}
	return ws, ok
}

// subscribe returns a channel that receives pid's WaitStatus exactly once,
// whenever the background loop observes it exit. If pid has already
// exited, the channel is pre-loaded. Multiple subscribers for the same
// pid are all delivered to -- this is what makes it safe for Stop() to
// subscribe to a pid that an earlier, abandoned wait() call also
// subscribed to.
func (r *childReaper) subscribe(pid int) <-chan unix.WaitStatus {
	ch := make(chan unix.WaitStatus, 1)
	r.mu.Lock()
	if ws, ok := r.exited[pid]; ok {
		delete(r.exited, pid)
		r.mu.Unlock()
		ch <- ws
		return ch
	}
	r.waiting[pid] = append(r.waiting[pid], ch)
	r.mu.Unlock()
	return ch
}

// Subscribe registers interest in pid's eventual reap. Used by callers
// (the Supervisor's wait loop) that need to race a child's exit against
// other events without blocking in their own wait4 call.
func Subscribe(pid int) <-chan unix.WaitStatus {
	return reaper.subscribe(pid)
}

// HasQuit reports whether pid has already been reaped by the background
// reaper. If it has not, a signal-0 probe distinguishes a still-running
// pid from one that was never our child (or was already reaped and
// claimed elsewhere), mirroring spec.md §4.D's has_quit.
func HasQuit(pid int) (Status, unix.WaitStatus) {
	if pid <= 0 {
		return Gone, 0
	}
	if ws, ok := reaper.poll(pid); ok {
		return Quit, ws
	}
	if err := unix.Kill(pid, 0); err != nil {
		return Gone, 0
	}
	return Running, 0
}

// MustExit sends SIGTERM then SIGCONT to pid (so a stopped process can
// act on the TERM) and blocks until the background reaper observes it
// exit, logging the outcome. If pid has already quit, the exit status is
// logged immediately. If pid is gone, MustExit is a no-op. Mirrors
// spec.md §4.D's must_exit.
func MustExit(log *nodmlog.Logger, pid int, description string) {
	if pid <= 0 {
		return
	}
	if ws, ok := reaper.poll(pid); ok {
		reportExit(log, description, pid, ws)
		return
	}

	done := reaper.subscribe(pid)

	if err := unix.Kill(pid, unix.SIGTERM); err == unix.ESRCH {
		// No such process: it was already reaped (and possibly claimed
		// by another subscriber), so there is nothing left to wait for.
		select {
		case ws := <-done:
			reportExit(log, description, pid, ws)
		default:
		}
		return
	} else if err != nil {
		log.Warningf("sending SIGTERM to %s (pid %d): %v", description, pid, err)
	}
	if err := unix.Kill(pid, unix.SIGCONT); err != nil && err != unix.ESRCH {
		log.Warningf("sending SIGCONT to %s (pid %d): %v", description, pid, err)
	}

	ws := <-done
	reportExit(log, description, pid, ws)
}

func reportExit(log *nodmlog.Logger, description string, pid int, ws unix.WaitStatus) {
	switch {
	case ws.Exited():
		log.Warningf("%s (pid %d) exited with status %d", description, pid, ws.ExitStatus())
	case ws.Signaled():
		log.Errorf("%s (pid %d) was killed by signal %d", description, pid, ws.Signal())
	default:
		log.Errorf("%s (pid %d) terminated with unrecognized wait status %d", description, pid, int(ws))
	}
}
