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

// Command nodm starts X with autologin to a configured user: it launches
// an X server as root, waits for it to become ready, opens a (by default
// PAM-backed) session as the target user, and restarts the pair with a
// back-off policy if either one dies.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nodm-project/nodm/internal/config"
	"github.com/nodm-project/nodm/internal/nodmerr"
	"github.com/nodm-project/nodm/internal/nodmlog"
	"github.com/nodm-project/nodm/internal/supervisor"
	"github.com/nodm-project/nodm/internal/xcmdline"
	"github.com/nodm-project/nodm/internal/xserver"
	"github.com/nodm-project/nodm/internal/xsession"
)

const version = "0.13"

func main() {
	os.Exit(run(os.Args))
}

// run dispatches to the hidden re-exec helper verbs first -- the same
// convention runsc/cli/main.go uses to hide cmd.Boot under an
// "internal use only" group -- then falls through to nodm's own CLI.
func run(argv []string) int {
	if len(argv) > 1 {
		switch argv[1] {
		case xserver.HelperVerb:
			if err := xserver.RunHelper(argv[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
				return nodmerr.OSError.ExitCode()
			}
			return 0 // unreachable: RunHelper execs or os.Exits
		case xsession.HelperVerb:
			return xsession.RunHelper()
		}
	}
	return mainNodm(argv)
}

func mainNodm(argv []string) int {
	progName := filepath.Base(argv[0])

	fs := flag.NewFlagSet(progName, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	config.RegisterFlags(fs)
	if err := fs.Parse(argv[1:]); err != nil {
		return nodmerr.Usage.ExitCode()
	}

	cfg, err := config.NewFromFlags(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", progName, err)
		return nodmerr.BadArg.ExitCode()
	}

	if cfg.Help {
		printHelp(os.Stdout, progName)
		return 0
	}
	if cfg.Version {
		fmt.Printf("%s version %s\n", progName, version)
		return 0
	}

	if !cfg.Nested && unix.Getuid() != 0 {
		fmt.Fprintf(os.Stderr, "%s: can only be run by root\n", progName)
		return nodmerr.NoPerm.ExitCode()
	}

	log := nodmlog.New(nodmlog.Config{
		ProgramName: progName,
		Verbose:     cfg.Verbose,
		Quiet:       cfg.Quiet,
		Syslog:      cfg.Syslog,
		Stderr:      cfg.Stderr,
	})
	log.Infof("starting nodm")

	parsed, err := xcmdline.Parse(cfg.XOptions)
	if err != nil {
		log.Errorf("cannot parse NODM_X_OPTIONS: %v", err)
		return nodmerr.BadArg.ExitCode()
	}

	firstVT := cfg.FirstVT
	if parsed.VTOverridden {
		firstVT = -1
	}

	runAs := cfg.User
	usePAM := !cfg.Nested
	cleanupXSE := !cfg.Nested
	if cfg.Nested {
		runAs = ""
	}

	sv := supervisor.New(supervisor.Config{
		Log:            log,
		ServerArgv:     parsed.Argv,
		DisplayName:    parsed.DisplayName,
		XServerTimeout: time.Duration(cfg.XTimeout) * time.Second,
		FirstVT:        firstVT,
		RunAs:          runAs,
		SessionCommand: cfg.XSession,
		UsePAM:         usePAM,
		CleanupXSE:     cleanupXSE,
		MinSessionTime: time.Duration(cfg.MinSessionTime) * time.Second,
	})
	defer sv.StopVT()

	if err := sv.Start(); err != nil {
		log.Errorf("%v", err)
		return nodmerr.KindOf(err).ExitCode()
	}

	reason, err := sv.RunRestartLoop()
	sv.Stop()
	if err != nil {
		log.Errorf("%v", err)
		return nodmerr.KindOf(err).ExitCode()
	}
	if reason == supervisor.UserQuit {
		return nodmerr.UserQuit.ExitCode()
	}
	return nodmerr.Success.ExitCode()
}

func printHelp(out *os.File, progName string) {
	fmt.Fprintf(out, "Usage: %s [options]\n\n", progName)
	fmt.Fprintf(out, "Options:\n")
	fmt.Fprintf(out, " --help         print this help message\n")
	fmt.Fprintf(out, " --version      print nodm's version number\n")
	fmt.Fprintf(out, " --verbose      verbose output or logging\n")
	fmt.Fprintf(out, " --quiet        only log warnings and errors\n")
	fmt.Fprintf(out, " --nested       run a nested X server, does not require root.\n")
	fmt.Fprintf(out, "                The server defaults to \"/usr/bin/Xnest :1\",\n")
	fmt.Fprintf(out, "                override with NODM_X_OPTIONS\n")
	fmt.Fprintf(out, " --[no-]syslog  enable/disable logging to syslog\n")
	fmt.Fprintf(out, " --[no-]stderr  enable/disable logging to stderr\n")
}
