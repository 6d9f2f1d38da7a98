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

//go:build linux

package xsession

/*
#cgo LDFLAGS: -lpam -lpam_misc
#include <stdlib.h>
#include <string.h>
#include <security/pam_appl.h>
#include <security/pam_misc.h>

static struct pam_conv nodm_pam_conv = { misc_conv, NULL };

static int nodm_pam_start(const char *service, const char *user, pam_handle_t **out) {
	return pam_start(service, user, &nodm_pam_conv, out);
}

static int nodm_pam_set_tty(pam_handle_t *h, const char *tty) {
	return pam_set_item(h, PAM_TTY, tty);
}

static int nodm_pam_set_ruser(pam_handle_t *h, const char *ruser) {
	return pam_set_item(h, PAM_RUSER, ruser);
}

static int nodm_pam_set_xdisplay(pam_handle_t *h, const char *disp) {
	return pam_set_item(h, PAM_XDISPLAY, disp);
}

// envlist_get returns element i of a NULL-terminated pam_getenvlist() array
// (NULL at the end), without copying it. Freeing happens on the Go side
// with C.free.
static char* envlist_get(char **list, int i) {
	return list[i];
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// session wraps one PAM transaction, porting the pam_start/pam_set_item/
// pam_acct_mgmt/pam_setcred/pam_open_session/pam_getenvlist/
// pam_close_session/pam_end sequence from
// original_source/xsession-child.c's setup_pam/shutdown_pam. No binding
// for libpam exists anywhere in the retrieval pack, so this is the one
// unavoidable cgo component (spec.md §4.C requires real PAM session
// management, not a stub).
type session struct {
	h      *C.pam_handle_t
	status C.int
}

func pamErr(status C.int, h *C.pam_handle_t, call string) error {
	if status == C.PAM_SUCCESS {
		return nil
	}
	msg := C.GoString(C.pam_strerror(h, status))
	return fmt.Errorf("%s: %s", call, msg)
}

// newSession starts a PAM transaction for the "nodm" service and the given
// user, setting PAM_TTY/PAM_RUSER/PAM_XDISPLAY the way setup_pam does.
func newSession(user, tty, xdisplay string) (*session, error) {
	cService := C.CString("nodm")
	defer C.free(unsafe.Pointer(cService))
	cUser := C.CString(user)
	defer C.free(unsafe.Pointer(cUser))

	var h *C.pam_handle_t
	status := C.nodm_pam_start(cService, cUser, &h)
	if status != C.PAM_SUCCESS {
		return nil, fmt.Errorf("pam_start: error %d", int(status))
	}
	s := &session{h: h, status: C.PAM_SUCCESS}

	cTTY := C.CString(tty)
	defer C.free(unsafe.Pointer(cTTY))
	if status := C.nodm_pam_set_tty(h, cTTY); status != C.PAM_SUCCESS {
		return nil, pamErr(status, h, "pam_set_item(PAM_TTY)")
	}
	cRuser := C.CString("root")
	defer C.free(unsafe.Pointer(cRuser))
	if status := C.nodm_pam_set_ruser(h, cRuser); status != C.PAM_SUCCESS {
		return nil, pamErr(status, h, "pam_set_item(PAM_RUSER)")
	}
	cDisp := C.CString(xdisplay)
	defer C.free(unsafe.Pointer(cDisp))
	if status := C.nodm_pam_set_xdisplay(h, cDisp); status != C.PAM_SUCCESS {
		return nil, pamErr(status, h, "pam_set_item(PAM_XDISPLAY)")
	}

	return s, nil
}

// AcctMgmt runs pam_acct_mgmt and returns its error, if any; the caller
// reports it and carries on, matching setup_pam's "Ignored" handling.
func (s *session) AcctMgmt() error {
	status := C.pam_acct_mgmt(s.h, 0)
	if status != C.PAM_SUCCESS {
		return pamErr(status, s.h, "pam_acct_mgmt")
	}
	return nil
}

// EstablishCred calls pam_setcred(PAM_ESTABLISH_CRED).
func (s *session) EstablishCred() error {
	status := C.pam_setcred(s.h, C.PAM_ESTABLISH_CRED)
	s.status = status
	if status != C.PAM_SUCCESS {
		return pamErr(status, s.h, "pam_setcred")
	}
	return nil
}

// DeleteCred calls pam_setcred(PAM_DELETE_CRED), used on the open_session
// failure path.
func (s *session) DeleteCred() {
	C.pam_setcred(s.h, C.PAM_DELETE_CRED)
}

// OpenSession calls pam_open_session and, on success, returns the
// environment pam_getenvlist produced (e.g. XDG_SESSION_ID from
// pam_systemd).
func (s *session) OpenSession() ([]string, error) {
	status := C.pam_open_session(s.h, 0)
	s.status = status
	if status != C.PAM_SUCCESS {
		return nil, pamErr(status, s.h, "pam_open_session")
	}

	list := C.pam_getenvlist(s.h)
	if list == nil {
		return nil, nil
	}
	defer func() {
		// pam_getenvlist's contract is that the caller frees both the
		// array and its strings.
		for i := 0; ; i++ {
			p := C.envlist_get(list, C.int(i))
			if p == nil {
				break
			}
			C.free(unsafe.Pointer(p))
		}
		C.free(unsafe.Pointer(list))
	}()

	var env []string
	for i := 0; ; i++ {
		p := C.envlist_get(list, C.int(i))
		if p == nil {
			break
		}
		env = append(env, C.GoString(p))
	}
	return env, nil
}

// Close runs pam_close_session (unless the last recorded pam_setcred or
// pam_open_session call failed) then pam_end, mirroring shutdown_pam.
func (s *session) Close() {
	if s.status == C.PAM_SUCCESS {
		s.status = C.pam_close_session(s.h, 0)
	}
	C.pam_end(s.h, s.status)
	s.h = nil
}
