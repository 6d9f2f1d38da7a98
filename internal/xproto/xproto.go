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

// Package xproto is the sliver of the X11 wire protocol nodm needs to read
// back the WINDOWPATH value (spec.md §6, original_source/xserver.c's
// nodm_xserver_read_window_path): connection setup, InternAtom and
// GetProperty on the root window. None of the examples in the retrieval
// pack import an X11 client library (the teacher and its peers all shell
// out to xauth/Xorg instead of speaking the protocol), so this is built
// directly on net and encoding/binary rather than on libX11 bindings that
// do not exist in the corpus.
package xproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Conn is a bare client connection to an X server, enough to look up one
// atom and read one property on the root window.
type Conn struct {
	c      net.Conn
	r      *bufio.Reader
	order  binary.ByteOrder
	seq    uint16
	root   uint32
}

// Dial parses an X display name (":0", "host:0", "host:0.0") and opens a
// connection, performing the client connection-setup handshake with no
// authentication data — the same anonymous-local-connection model nodm's
// original X server invocation relies on (it never passes -auth).
func Dial(display string) (*Conn, error) {
	network, addr, err := displayAddr(display)
	if err != nil {
		return nil, err
	}

	nc, err := net.DialTimeout(network, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("xproto: dial %s: %w", addr, err)
	}

	conn := &Conn{c: nc, r: bufio.NewReader(nc), order: binary.LittleEndian}
	if err := conn.handshake(); err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.c.Close() }

// DefaultRootWindow is the root window of the first screen, captured
// during connection setup.
func (c *Conn) DefaultRootWindow() uint32 { return c.root }

func displayAddr(display string) (network, addr string, err error) {
	display = strings.TrimSpace(display)
	if display == "" {
		return "", "", fmt.Errorf("xproto: empty display name")
	}
	idx := strings.LastIndex(display, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("xproto: invalid display name %q", display)
	}
	host := display[:idx]
	rest := display[idx+1:]
	if dot := strings.Index(rest, "."); dot >= 0 {
		rest = rest[:dot]
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return "", "", fmt.Errorf("xproto: invalid display number in %q: %w", display, err)
	}
	if host == "" || host == "unix" {
		return "unix", fmt.Sprintf("/tmp/.X11-unix/X%d", n), nil
	}
	return "tcp", fmt.Sprintf("%s:%d", host, 6000+n), nil
}

// pad4 rounds n up to the next multiple of 4, the padding rule used
// throughout the X11 wire protocol.
func pad4(n int) int { return (n + 3) &^ 3 }

func (c *Conn) handshake() error {
	var hdr [12]byte
	hdr[0] = 'l' // little-endian byteOrder marker
	c.order.PutUint16(hdr[2:4], 11)
	c.order.PutUint16(hdr[4:6], 0)
	// nbytesAuthProto, nbytesAuthString, pad left at zero: no auth data.
	if _, err := c.c.Write(hdr[:]); err != nil {
		return fmt.Errorf("xproto: connection setup write: %w", err)
	}

	var prefix [8]byte
	if _, err := readFull(c.r, prefix[:]); err != nil {
		return fmt.Errorf("xproto: connection setup reply: %w", err)
	}
	success := prefix[0]
	replyLen := int(c.order.Uint16(prefix[6:8]))

	body := make([]byte, replyLen*4)
	if _, err := readFull(c.r, body); err != nil {
		return fmt.Errorf("xproto: connection setup body: %w", err)
	}
	if success != 1 {
		return fmt.Errorf("xproto: server refused connection setup (code %d)", success)
	}

	// Fixed fields after the 8-byte prefix, per the X11 protocol's
	// xConnSetup structure: 4 CARD32s, then nbytesVendor (CARD16),
	// maxRequestSize (CARD16), numRoots/numFormats and 6 more byte fields
	// (CARD8 each), then a CARD32 pad -- 32 bytes total.
	if len(body) < 32 {
		return fmt.Errorf("xproto: connection setup body too short")
	}
	nbytesVendor := int(c.order.Uint16(body[16:18]))
	numFormats := int(body[21])

	off := 32
	off += pad4(nbytesVendor)
	off += numFormats * 8 // FORMAT records are 8 bytes each
	if off+4 > len(body) {
		return fmt.Errorf("xproto: connection setup body missing screen record")
	}
	// The root WINDOW id is the first field of the first SCREEN record.
	c.root = c.order.Uint32(body[off : off+4])
	return nil
}

// InternAtom returns the atom id for name, creating it unless onlyIfExists
// is set and it is absent (in which case the returned atom is 0/None).
func (c *Conn) InternAtom(name string, onlyIfExists bool) (uint32, error) {
	nlen := len(name)
	reqLen := 8 + pad4(nlen)
	req := make([]byte, reqLen)
	req[0] = 16 // InternAtom opcode
	if onlyIfExists {
		req[1] = 1
	}
	c.order.PutUint16(req[2:4], uint16(reqLen/4))
	c.order.PutUint16(req[4:6], uint16(nlen))
	copy(req[8:], name)

	if err := c.send(req); err != nil {
		return 0, err
	}

	reply, err := c.recvReply()
	if err != nil {
		return 0, fmt.Errorf("xproto: InternAtom(%q): %w", name, err)
	}
	return c.order.Uint32(reply[8:12]), nil
}

// Property holds the result of a GetProperty request.
type Property struct {
	Type   uint32
	Format uint8 // 0, 8, 16 or 32
	NItems uint32
	Data   []byte
}

// GetProperty reads a single item (longLength=1) of property on window,
// with AnyPropertyType and without deleting it -- matching
// nodm_xserver_read_window_path's XGetWindowProperty call.
func (c *Conn) GetProperty(window, property uint32) (Property, error) {
	req := make([]byte, 24)
	req[0] = 20 // GetProperty opcode
	req[1] = 0  // delete = false
	c.order.PutUint16(req[2:4], 6)
	c.order.PutUint32(req[4:8], window)
	c.order.PutUint32(req[8:12], property)
	c.order.PutUint32(req[12:16], 0) // AnyPropertyType
	c.order.PutUint32(req[16:20], 0) // long-offset
	c.order.PutUint32(req[20:24], 1) // long-length

	if err := c.send(req); err != nil {
		return Property{}, err
	}

	reply, err := c.recvReply()
	if err != nil {
		return Property{}, fmt.Errorf("xproto: GetProperty: %w", err)
	}

	format := reply[1]
	typ := c.order.Uint32(reply[8:12])
	nitems := c.order.Uint32(reply[16:20])

	var data []byte
	if nitems > 0 {
		nbytes := int(nitems) * int(format) / 8
		if format == 0 {
			nbytes = 0
		}
		extra := reply[32:]
		if len(extra) < nbytes {
			return Property{}, fmt.Errorf("xproto: GetProperty: short reply data")
		}
		data = append(data, extra[:nbytes]...)
	}

	return Property{Type: typ, Format: format, NItems: nitems, Data: data}, nil
}

func (c *Conn) send(req []byte) error {
	c.seq++
	_, err := c.c.Write(req)
	if err != nil {
		return fmt.Errorf("xproto: request write: %w", err)
	}
	return nil
}

// recvReply reads one reply packet (32 fixed bytes plus any additional
// data words) and returns it whole. An error packet (type 0) is returned
// as an error; events (type >= 2) that arrive first are discarded, since
// nodm only ever has one outstanding request at a time on this connection.
func (c *Conn) recvReply() ([]byte, error) {
	for {
		var fixed [32]byte
		if _, err := readFull(c.r, fixed[:]); err != nil {
			return nil, err
		}
		switch fixed[0] {
		case 0:
			return nil, fmt.Errorf("server error: code %d", fixed[1])
		case 1:
			extraLen := int(c.order.Uint32(fixed[4:8])) * 4
			if extraLen == 0 {
				return fixed[:], nil
			}
			extra := make([]byte, extraLen)
			if _, err := readFull(c.r, extra); err != nil {
				return nil, err
			}
			return append(fixed[:], extra...), nil
		default:
			// Event; not expected on this connection but skip it rather
			// than wedging the reader.
			continue
		}
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
