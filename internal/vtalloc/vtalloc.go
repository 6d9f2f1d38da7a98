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

// Package vtalloc implements Component A, the VirtualTerminal allocator
// (spec.md §4.A), grounded on original_source/vt.c: find the lowest free
// VT number at or above a configured floor via the kernel's VT_GETSTATE
// ioctl, and hold it open for the supervisor's lifetime.
package vtalloc

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linux/vt.h: VT_GETSTATE and struct vt_stat. golang.org/x/sys/unix has no
// pre-built wrapper for the VT ioctl family (unlike the terminal/process
// ioctls it does wrap), so the request code and structure layout are
// reproduced here and issued with a raw unix.Syscall, the same
// unix.Syscall(unix.SYS_IOCTL, ...) pattern used for other unwrapped ioctls
// elsewhere in the Go ecosystem.
const vtGetState = 0x5603

type vtStat struct {
	active uint16
	signal uint16
	state  uint16 // bitmask: bit N set => VT N (/dev/ttyN) is in use
}

// probeDevices is tried in order, matching original_source/vt.c's
// get_vtstate: the first one that answers VT_GETSTATE wins.
var probeDevices = []string{"/dev/tty", "/dev/tty0", "/dev/console"}

// Allocator holds one allocated (or disabled) virtual terminal.
type Allocator struct {
	initial int // configured_initial_vt; -1 disables allocation
	num     int // allocated_number; -1 if none
	holder  *os.File
}

// New builds an Allocator with the given floor VT number. initial == -1
// disables allocation entirely (spec.md §3).
func New(initial int) *Allocator {
	return &Allocator{initial: initial, num: -1}
}

// Number returns the allocated VT number, or -1 if none was allocated.
func (a *Allocator) Number() int { return a.num }

// Start finds the lowest free VT number >= the configured floor and holds
// it open. A no-op success if allocation is disabled.
func (a *Allocator) Start() error {
	if a.initial == -1 {
		return nil
	}

	state, err := probeVTState()
	if err != nil {
		return fmt.Errorf("vtalloc: cannot find or open the console: %w", err)
	}

	n := a.initial
	for ; n < 16; n++ {
		if state.state&(1<<uint(n)) == 0 {
			break
		}
	}
	if n >= 16 {
		return fmt.Errorf("vtalloc: all VTs seem to be busy")
	}

	name := fmt.Sprintf("/dev/tty%d", n)
	f, err := os.OpenFile(name, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return fmt.Errorf("vtalloc: cannot open %s: %w", name, err)
	}

	a.holder = f
	a.num = n
	return nil
}

// Stop releases the held VT, if any. Idempotent.
func (a *Allocator) Stop() {
	if a.holder != nil {
		a.holder.Close()
		a.holder = nil
	}
	a.num = -1
}

func probeVTState() (vtStat, error) {
	var lastErr error
	for _, dev := range probeDevices {
		st, err := tryVTState(dev)
		if err == nil {
			return st, nil
		}
		lastErr = err
	}
	return vtStat{}, lastErr
}

func tryVTState(dev string) (vtStat, error) {
	fd, err := unix.Open(dev, unix.O_WRONLY|unix.O_NOCTTY, 0)
	if err != nil {
		return vtStat{}, err
	}
	defer unix.Close(fd)

	var st vtStat
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(vtGetState), uintptr(unsafe.Pointer(&st)))
	if errno != 0 {
		return vtStat{}, errno
	}
	return st, nil
}
