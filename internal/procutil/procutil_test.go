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

package procutil

import (
	"os/exec"
	"testing"
	"time"

	"github.com/nodm-project/nodm/internal/nodmlog"
)

func testLogger() *nodmlog.Logger {
	return nodmlog.New(nodmlog.Config{ProgramName: "procutil-test"})
}

func TestHasQuitRunningThenQuit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 0.2; exit 7")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	status, _ := HasQuit(cmd.Process.Pid)
	if status != Running {
		t.Fatalf("HasQuit immediately after Start = %v, want Running", status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, ws := HasQuit(cmd.Process.Pid)
		if status == Quit {
			if ws.ExitStatus() != 7 {
				t.Errorf("exit status = %d, want 7", ws.ExitStatus())
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("process never reported Quit within the deadline")
}

func TestHasQuitGoneOnceFullyReaped(t *testing.T) {
	// Once a pid has actually exited and been claimed, it no longer
	// exists in the process table (no zombie left behind to signal-0
	// probe), so a further HasQuit reports Gone rather than Quit again.
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := cmd.Process.Pid

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("process never reported Quit within the deadline")
		}
		if status, _ := HasQuit(pid); status == Quit {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	status, _ := HasQuit(pid)
	if status != Gone {
		t.Errorf("HasQuit after the pid was already claimed = %v, want Gone", status)
	}
}

func TestMustExitTerminatesRunningChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		MustExit(testLogger(), cmd.Process.Pid, "test child")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("MustExit did not return promptly after SIGTERM")
	}

	status, _ := HasQuit(cmd.Process.Pid)
	if status != Gone {
		t.Errorf("HasQuit after MustExit = %v, want Gone (already reaped)", status)
	}
}

func TestMustExitOnAlreadyExitedChild(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		MustExit(testLogger(), cmd.Process.Pid, "test child")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MustExit blocked on an already-exited child")
	}
}
