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

package nodmerr

import (
	"errors"
	"testing"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{Success, 0},
		{NoPerm, 1},
		{Usage, 2},
		{BadArg, 3},
		{CmdNoExec, 126},
		{CmdNotFound, 127},
		{Programming, 200},
		{PamError, 201},
		{OSError, 202},
		{XlibError, 203},
		{VTAllocationFailed, 204},
		{XServerDied, 210},
		{XServerTimeout, 211},
		{XServerConnect, 212},
		{SessionDied, 220},
		{UserQuit, 221},
	}
	for _, tc := range cases {
		if got := tc.kind.ExitCode(); got != tc.want {
			t.Errorf("%s.ExitCode() = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(XServerConnect, "could not connect to X server", cause)

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if KindOf(err) != XServerConnect {
		t.Errorf("KindOf(err) = %s, want %s", KindOf(err), XServerConnect)
	}
}

func TestKindOfUnclassifiedError(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Programming {
		t.Errorf("KindOf(plain error) = %s, want %s", got, Programming)
	}
}

func TestKindOfNil(t *testing.T) {
	if got := KindOf(nil); got != Success {
		t.Errorf("KindOf(nil) = %s, want %s", got, Success)
	}
}
