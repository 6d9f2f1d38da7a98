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

package xproto

import "fmt"

// XA_CARDINAL, XA_INTEGER and XA_WINDOW from X11/Xatom.h: the only
// property types nodm_xserver_read_window_path accepts for XFree86_VT.
const (
	xaCardinal = 6
	xaInteger  = 19
	xaWindow   = 33
)

// ReadXFree86VT mirrors nodm_xserver_read_window_path: it looks up the
// XFree86_VT atom, reads it off the root window, and decodes the single
// CARD8/CARD16/CARD32 item it carries. If the property is absent, it
// falls back to the root window id itself, matching the original's
// "num = DefaultRootWindow(dpy)" fallback.
func (c *Conn) ReadXFree86VT() (uint64, error) {
	atom, err := c.InternAtom("XFree86_VT", false)
	if err != nil {
		return 0, err
	}
	if atom == 0 {
		return 0, fmt.Errorf("xproto: no XFree86_VT atom")
	}

	prop, err := c.GetProperty(c.root, atom)
	if err != nil {
		return 0, err
	}

	if prop.NItems == 0 {
		return uint64(c.root), nil
	}
	if prop.NItems != 1 {
		return 0, fmt.Errorf("xproto: %d!=1 items in XFree86_VT property", prop.NItems)
	}

	switch prop.Type {
	case xaCardinal, xaInteger, xaWindow:
	default:
		return 0, fmt.Errorf("xproto: unsupported type %d in XFree86_VT property", prop.Type)
	}

	switch prop.Format {
	case 8:
		return uint64(prop.Data[0]), nil
	case 16:
		return uint64(c.order.Uint16(prop.Data)), nil
	case 32:
		return uint64(c.order.Uint32(prop.Data)), nil
	default:
		return 0, fmt.Errorf("xproto: unsupported format %d in XFree86_VT property", prop.Format)
	}
}
