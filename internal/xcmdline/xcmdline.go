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

// Package xcmdline turns the NODM_X_OPTIONS command-line fragment into an
// X server argv, the way nodm_display_manager_parse_xcmdline does in
// original_source/dm.c. This is the "external collaborator" spec.md §1
// calls out: shell-style word expansion without command substitution.
package xcmdline

import (
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// Parsed is the result of splitting and classifying an NODM_X_OPTIONS
// fragment.
type Parsed struct {
	// Argv is the X server command, then its display name, then any
	// remaining tokens verbatim (vt<N> included, if the caller supplied
	// one).
	Argv []string
	// DisplayName is Argv[1], e.g. ":0".
	DisplayName string
	// VTOverridden is true if one of the tokens already looked like
	// "vt<digits>", meaning VT allocation must be disabled (spec.md §6).
	VTOverridden bool
}

// Parse splits xcmdline with shell-style word expansion (no command
// substitution — shlex.Split never runs a subshell, matching wordexp's
// WRDE_NOCMD flag) and classifies the first two tokens per spec.md §6:
//
//   - the first token, if it begins with '/' or '.', is the server
//     executable; otherwise "/usr/bin/X" is prepended.
//   - the next token, if it matches ":<digit>...", is the display name;
//     otherwise ":0" is inserted.
//   - all remaining tokens are appended verbatim.
func Parse(xcmdline string) (Parsed, error) {
	toks, err := shlex.Split(xcmdline)
	if err != nil {
		return Parsed{}, err
	}

	var argv []string
	i := 0

	if i < len(toks) && looksLikePath(toks[i]) {
		argv = append(argv, toks[i])
		i++
	} else {
		argv = append(argv, "/usr/bin/X")
	}

	display := ":0"
	if i < len(toks) && looksLikeDisplay(toks[i]) {
		display = toks[i]
		i++
	}
	argv = append(argv, display)

	vtOverridden := false
	for ; i < len(toks); i++ {
		argv = append(argv, toks[i])
		if looksLikeVT(toks[i]) {
			vtOverridden = true
		}
	}

	return Parsed{Argv: argv, DisplayName: display, VTOverridden: vtOverridden}, nil
}

func looksLikePath(tok string) bool {
	return strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, ".")
}

func looksLikeDisplay(tok string) bool {
	if len(tok) < 2 || tok[0] != ':' {
		return false
	}
	return tok[1] >= '0' && tok[1] <= '9'
}

func looksLikeVT(tok string) bool {
	if !strings.HasPrefix(tok, "vt") || len(tok) == 2 {
		return false
	}
	for _, r := range tok[2:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// AppendVT returns argv with a trailing "vt<N>" token, used once the VT
// allocator has picked a number (spec.md §6: "Later, the VT allocator's
// chosen number is appended as vt<N> if allocation occurred.").
func AppendVT(argv []string, vtNum int) []string {
	out := make([]string, len(argv), len(argv)+1)
	copy(out, argv)
	return append(out, "vt"+strconv.Itoa(vtNum))
}
