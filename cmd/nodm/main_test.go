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

package main

import "testing"

// TestRunDispatchesHelperVerbs exercises only the branch selection in
// run(): calling the X server helper with no X server argv is enough to
// observe which path was taken, without actually standing up an X server.
func TestRunDispatchesHelperVerbs(t *testing.T) {
	cases := []struct {
		name     string
		argv     []string
		wantCode int
	}{
		{
			name:     "xserver helper with no argv exits OSError",
			argv:     []string{"nodm", "__xserver-helper"},
			wantCode: 202, // nodmerr.OSError
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := run(tc.argv)
			if got != tc.wantCode {
				t.Errorf("run(%v) = %d, want %d", tc.argv, got, tc.wantCode)
			}
		})
	}
}

func TestRunFallsThroughToNodmForUnknownVerb(t *testing.T) {
	// Neither helper verb: falls through to mainNodm, which will reject
	// an unparseable flag with Usage before anything privileged happens.
	got := run([]string{"nodm", "--this-flag-does-not-exist"})
	if got != 2 { // nodmerr.Usage
		t.Errorf("run with bad flag = %d, want 2 (Usage)", got)
	}
}
