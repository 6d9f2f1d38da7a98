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

package xcmdline

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		wantArgv []string
		wantDisp string
		wantVT   bool
	}{
		{"empty", "", []string{"/usr/bin/X", ":0"}, ":0", false},
		{"display only", ":1", []string{"/usr/bin/X", ":1"}, ":1", false},
		{"explicit server", "/usr/bin/Xnest :1", []string{"/usr/bin/Xnest", ":1"}, ":1", false},
		{"relative server", "./Xvfb :2 -screen 0 800x600x24",
			[]string{"./Xvfb", ":2", "-screen", "0", "800x600x24"}, ":2", false},
		{"vt already present", "/usr/bin/X :0 vt7",
			[]string{"/usr/bin/X", ":0", "vt7"}, ":0", true},
		{"quoted option", `/usr/bin/X :0 -- "-logfile /tmp/x.log"`,
			nil, ":0", false}, // shape checked separately below
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.in)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.in, err)
			}
			if tc.wantArgv != nil && !reflect.DeepEqual(got.Argv, tc.wantArgv) {
				t.Errorf("Parse(%q).Argv = %v, want %v", tc.in, got.Argv, tc.wantArgv)
			}
			if got.DisplayName != tc.wantDisp {
				t.Errorf("Parse(%q).DisplayName = %q, want %q", tc.in, got.DisplayName, tc.wantDisp)
			}
			if got.VTOverridden != tc.wantVT {
				t.Errorf("Parse(%q).VTOverridden = %v, want %v", tc.in, got.VTOverridden, tc.wantVT)
			}
		})
	}
}

func TestParseUnbalancedQuotes(t *testing.T) {
	if _, err := Parse(`/usr/bin/X :0 "unterminated`); err == nil {
		t.Fatal("Parse with unterminated quote: want error, got nil")
	}
}

func TestAppendVT(t *testing.T) {
	argv := []string{"/usr/bin/X", ":0"}
	got := AppendVT(argv, 7)
	want := []string{"/usr/bin/X", ":0", "vt7"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("AppendVT = %v, want %v", got, want)
	}
	// Original slice must be left untouched.
	if len(argv) != 2 {
		t.Errorf("AppendVT mutated its input: %v", argv)
	}
}
