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

// Package config registers nodm's command-line flags and folds in the
// NODM_* environment variables, the way runsc/config/flags.go registers
// flags on a flag.FlagSet and runsc/cli/main.go turns them into a Config.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
)

// tri is a three-state flag: unset, forced-true, forced-false. It backs
// --syslog/--no-syslog and --stderr/--no-stderr, whose default depends on
// --nested and so cannot be baked into flag.Bool's default alone.
type tri int

const (
	triUnset tri = iota
	triTrue
	triFalse
)

func (t *tri) set(v bool) {
	if v {
		*t = triTrue
	} else {
		*t = triFalse
	}
}

// Config is the fully resolved configuration for one run of nodm.
type Config struct {
	Help    bool
	Version bool
	Verbose bool
	Quiet   bool
	Nested  bool
	Syslog  bool
	Stderr  bool

	User           string
	XSession       string
	XOptions       string
	MinSessionTime int
	XTimeout       int
	FirstVT        int
}

// RegisterFlags registers nodm's flags on fs, in the same one-flag-per-line
// style as runsc/config/flags.go's RegisterFlags.
func RegisterFlags(fs *flag.FlagSet) {
	fs.Bool("help", false, "print usage and exit")
	fs.Bool("version", false, "print nodm's version number and exit")
	fs.Bool("verbose", false, "verbose output (info+debug)")
	fs.Bool("quiet", false, "only log warnings and errors")
	fs.Bool("nested", false, "run a nested X server, does not require root. "+
		"The server defaults to \"/usr/bin/Xnest :1\", override with NODM_X_OPTIONS")
	fs.Bool("syslog", false, "enable logging to syslog (default: on unless --nested)")
	fs.Bool("no-syslog", false, "disable logging to syslog")
	fs.Bool("stderr", false, "enable logging to stderr (default: off unless --nested)")
	fs.Bool("no-stderr", false, "disable logging to stderr")
}

// NewFromFlags builds a Config from a parsed fs plus the NODM_* environment
// variables (spec.md §6). It mirrors runsc/cli/main.go's
// config.NewFromFlags(flag.CommandLine) call.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	lookup := func(name string) bool {
		fl := fs.Lookup(name)
		return fl != nil && fl.Value.String() == "true"
	}

	c := &Config{
		Help:    lookup("help"),
		Version: lookup("version"),
		Verbose: lookup("verbose"),
		Quiet:   lookup("quiet"),
		Nested:  lookup("nested"),
	}

	var syslog, stderrSink tri
	if lookup("syslog") {
		syslog.set(true)
	}
	if lookup("no-syslog") {
		syslog.set(false)
	}
	if lookup("stderr") {
		stderrSink.set(true)
	}
	if lookup("no-stderr") {
		stderrSink.set(false)
	}

	if syslog == triUnset {
		c.Syslog = !c.Nested
	} else {
		c.Syslog = syslog == triTrue
	}
	if stderrSink == triUnset {
		c.Stderr = c.Nested
	} else {
		c.Stderr = stderrSink == triTrue
	}

	c.User = getenvDefault("NODM_USER", "root")
	c.XSession = getenvDefault("NODM_XSESSION", "/etc/X11/Xsession")

	defaultXOptions := ""
	if c.Nested {
		defaultXOptions = "/usr/bin/Xnest :1"
	}
	c.XOptions = getenvDefault("NODM_X_OPTIONS", defaultXOptions)

	var err error
	if c.MinSessionTime, err = getenvInt("NODM_MIN_SESSION_TIME", 60); err != nil {
		return nil, err
	}
	if c.XTimeout, err = getenvInt("NODM_X_TIMEOUT", 30); err != nil {
		return nil, err
	}
	if c.FirstVT, err = getenvInt("NODM_FIRST_VT", 7); err != nil {
		return nil, err
	}

	if c.Nested {
		// Nested mode needs no VT of its own; -1 disables allocation
		// per spec.md §3.
		c.FirstVT = -1
	}

	return c, nil
}

func getenvDefault(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func getenvInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return n, nil
}
