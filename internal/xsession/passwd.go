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

package xsession

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// passwdEntry is the subset of struct passwd nodm_xsession_start reads off
// pw, including pw_shell which os/user.User does not expose.
type passwdEntry struct {
	Name  string
	UID   int
	GID   int
	Home  string
	Shell string
}

// lookupUser reads /etc/passwd directly rather than going through os/user,
// since os/user's cgo-less build tags drop pw_shell entirely and its cgo
// path still can't report it either -- the field this code needs is one
// the pack's retrieval has no library for, so it is parsed by hand exactly
// like getpwnam(3) would resolve it.
func lookupUser(name string) (*passwdEntry, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return nil, fmt.Errorf("cannot open /etc/passwd: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[0] != name {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("malformed uid for %q in /etc/passwd", name)
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("malformed gid for %q in /etc/passwd", name)
		}
		return &passwdEntry{Name: name, UID: uid, GID: gid, Home: fields[5], Shell: fields[6]}, nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("unknown username: %s", name)
}
