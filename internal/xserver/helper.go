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

package xserver

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// RunHelper is cmd/nodm's entry point when argv[1] == HelperVerb. It never
// returns on success: it reproduces the child-side half of
// nodm_xserver_start's fork() -- which Go's exec.Cmd.Start cannot run
// itself, since it forks and execs in one step with no hook in between --
// then execs into the real X server.
//
// argv is the real X server's argv (e.g. ["/usr/bin/X", ":0", "vt7"]).
func RunHelper(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("xserver helper: missing X server argv")
	}

	// Don't hang on reads/writes to the controlling tty (from xinit).
	// signal.Ignore installs SIG_IGN at the OS level, which -- unlike a
	// registered Go handler, which exec resets to SIG_DFL -- survives
	// the syscall.Exec below, so the X server inherits it ignored too.
	signal.Ignore(unix.SIGTTIN, unix.SIGTTOU)

	// Tell the X server, via the convention nodm and xdm share, that it
	// should raise SIGUSR1 at us once it is ready to accept connections.
	signal.Ignore(unix.SIGUSR1)

	// Prevent the server from getting SIGHUP from vhangup().
	if err := unix.Setpgid(0, 0); err != nil {
		return fmt.Errorf("xserver helper: setpgid: %w", err)
	}

	path := argv[0]
	if err := syscall.Exec(path, argv, os.Environ()); err != nil {
		if os.IsNotExist(err) {
			os.Exit(127)
		}
		os.Exit(126)
	}
	panic("unreachable")
}
