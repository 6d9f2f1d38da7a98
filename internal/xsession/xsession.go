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

// Package xsession implements Component C, the X session controller
// (spec.md §4.C): drop privileges to the configured user (optionally
// through a PAM session) and run the session command. Grounded on
// original_source/xsession.c and xsession-child.c, with the privilege-drop
// child turned into a re-exec helper for the same reason xserver's child
// is one: there is no hook between Go's fork and exec to run setuid/PAM
// code in only the child.
package xsession

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/nodm-project/nodm/internal/nodmerr"
	"github.com/nodm-project/nodm/internal/nodmlog"
	"github.com/nodm-project/nodm/internal/procutil"
)

// HelperVerb is the hidden cmd/nodm argv[1] that re-execs into RunHelper.
const HelperVerb = "__xsession-helper"

// Environment variables carrying parameters from the root XSession
// controller to the re-exec'd helper. These are internal to nodm, unset
// by the helper before it execs the session command, same as the
// NODM_USER/NODM_XSESSION/etc cleanup at the end of
// nodm_xsession_child_common_env.
const (
	envUser           = "NODM_HELPER_USER"
	envDisplay        = "NODM_HELPER_DISPLAY"
	envWindowPath     = "NODM_HELPER_WINDOWPATH"
	envSessionCommand = "NODM_HELPER_SESSION_COMMAND"
	envUsePAM         = "NODM_HELPER_USE_PAM"
	envCleanupXSE     = "NODM_HELPER_CLEANUP_XSE"
)

// XSession supervises one X session (login shell) process running the
// configured session command as the configured user.
type XSession struct {
	log        *nodmlog.Logger
	runAs      string
	command    string
	usePAM     bool
	cleanupXSE bool

	pid int
}

// New builds an XSession. runAs == "" means "do not change user" (spec.md
// §4.C); usePAM is forced off by the caller in --nested mode.
func New(log *nodmlog.Logger, runAs, command string, usePAM, cleanupXSE bool) *XSession {
	return &XSession{log: log, runAs: runAs, command: command, usePAM: usePAM, cleanupXSE: cleanupXSE, pid: -1}
}

// Pid returns the session process id, or -1 if it is not running.
func (s *XSession) Pid() int { return s.pid }

// Start forks (via re-exec) the privilege-drop helper that will run the
// session command, mirroring nodm_xsession_start.
func (s *XSession) Start(displayName, windowPath string) error {
	s.log.Debugf("starting X session %q", s.command)

	self, err := os.Executable()
	if err != nil {
		return nodmerr.Wrap(nodmerr.OSError, "cannot find own executable path for the X session helper", err)
	}

	cmd := exec.Command(self, HelperVerb)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		envUser+"="+s.runAs,
		envDisplay+"="+displayName,
		envWindowPath+"="+windowPath,
		envSessionCommand+"="+s.command,
		envUsePAM+"="+boolEnv(s.usePAM),
		envCleanupXSE+"="+boolEnv(s.cleanupXSE),
	)

	if err := cmd.Start(); err != nil {
		return nodmerr.Wrap(nodmerr.OSError, "cannot fork to run user shell", err)
	}
	s.pid = cmd.Process.Pid
	return nil
}

// HasQuit polls, without blocking, whether the session process has exited.
func (s *XSession) HasQuit() (procutil.Status, unix.WaitStatus) {
	return procutil.HasQuit(s.pid)
}

// Stop terminates and reaps the session process. Idempotent.
func (s *XSession) Stop() {
	if s.pid > 0 {
		procutil.MustExit(s.log, s.pid, "X session")
		s.pid = -1
	}
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
