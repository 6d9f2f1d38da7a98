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

package config

import (
	"flag"
	"testing"
)

func parseArgs(t *testing.T, args []string) *Config {
	t.Helper()
	fs := flag.NewFlagSet("nodm", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("fs.Parse(%v) error: %v", args, err)
	}
	cfg, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags error: %v", err)
	}
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := parseArgs(t, nil)

	if cfg.User != "root" {
		t.Errorf("User = %q, want root", cfg.User)
	}
	if cfg.XSession != "/etc/X11/Xsession" {
		t.Errorf("XSession = %q, want /etc/X11/Xsession", cfg.XSession)
	}
	if cfg.MinSessionTime != 60 {
		t.Errorf("MinSessionTime = %d, want 60", cfg.MinSessionTime)
	}
	if cfg.XTimeout != 30 {
		t.Errorf("XTimeout = %d, want 30", cfg.XTimeout)
	}
	if cfg.FirstVT != 7 {
		t.Errorf("FirstVT = %d, want 7", cfg.FirstVT)
	}
	if !cfg.Syslog {
		t.Error("Syslog = false, want true by default (not nested)")
	}
	if cfg.Stderr {
		t.Error("Stderr = true, want false by default (not nested)")
	}
}

func TestNestedFlipsLoggingDefaultsAndVT(t *testing.T) {
	cfg := parseArgs(t, []string{"--nested"})

	if cfg.Syslog {
		t.Error("Syslog = true under --nested, want false")
	}
	if !cfg.Stderr {
		t.Error("Stderr = false under --nested, want true")
	}
	if cfg.FirstVT != -1 {
		t.Errorf("FirstVT = %d under --nested, want -1", cfg.FirstVT)
	}
}

func TestExplicitSyslogStderrOverrideNested(t *testing.T) {
	cfg := parseArgs(t, []string{"--nested", "--syslog", "--stderr"})
	if !cfg.Syslog {
		t.Error("--syslog should force Syslog on even under --nested")
	}
	if !cfg.Stderr {
		t.Error("--stderr should force Stderr on")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("NODM_USER", "alice")
	t.Setenv("NODM_XSESSION", "/usr/bin/my-session")
	t.Setenv("NODM_MIN_SESSION_TIME", "10")
	t.Setenv("NODM_X_TIMEOUT", "5")
	t.Setenv("NODM_FIRST_VT", "9")

	cfg := parseArgs(t, nil)
	if cfg.User != "alice" {
		t.Errorf("User = %q, want alice", cfg.User)
	}
	if cfg.XSession != "/usr/bin/my-session" {
		t.Errorf("XSession = %q, want /usr/bin/my-session", cfg.XSession)
	}
	if cfg.MinSessionTime != 10 {
		t.Errorf("MinSessionTime = %d, want 10", cfg.MinSessionTime)
	}
	if cfg.XTimeout != 5 {
		t.Errorf("XTimeout = %d, want 5", cfg.XTimeout)
	}
	if cfg.FirstVT != 9 {
		t.Errorf("FirstVT = %d, want 9", cfg.FirstVT)
	}
}

func TestInvalidIntEnvironmentIsRejected(t *testing.T) {
	t.Setenv("NODM_X_TIMEOUT", "not-a-number")
	fs := flag.NewFlagSet("nodm", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("fs.Parse error: %v", err)
	}
	if _, err := NewFromFlags(fs); err == nil {
		t.Fatal("NewFromFlags with malformed NODM_X_TIMEOUT: want error, got nil")
	}
}
