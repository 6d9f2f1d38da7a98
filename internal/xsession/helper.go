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
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// RunHelper is cmd/nodm's entry point when argv[1] == HelperVerb. It runs
// as root, reads its parameters from the NODM_HELPER_* environment (set by
// XSession.Start), drops privileges -- through a PAM session only when
// NODM_HELPER_USE_PAM=1 -- and runs the session command as the target
// user. It returns the exit code the root process should report as this
// helper's own exit status.
func RunHelper() int {
	user := os.Getenv(envUser)
	display := os.Getenv(envDisplay)
	windowPath := os.Getenv(envWindowPath)
	command := os.Getenv(envSessionCommand)
	usePAM := os.Getenv(envUsePAM) == "1"
	cleanupXSE := os.Getenv(envCleanupXSE) == "1"

	if user == "" {
		user = "root"
	}

	pw, err := lookupUser(user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
		return exitOSError
	}

	if usePAM {
		return runWithPAM(pw, display, windowPath, command, cleanupXSE)
	}
	return runWithoutPAM(pw, display, windowPath, command, cleanupXSE)
}

// Exit codes this helper itself can produce, matching spec.md §6 for the
// codes original_source's xsession-child.c exits with directly (the rest
// of the taxonomy is the root process's concern, translated via
// internal/nodmerr).
const (
	exitOSError     = 202
	exitPAMError    = 201
	exitCmdNotFound = 127
	exitCmdNoExec   = 126
	exitSessionDied = 220
)

func runWithoutPAM(pw *passwdEntry, display, windowPath, command string, cleanupXSE bool) int {
	if err := dropPrivileges(pw); err != nil {
		fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
		return exitOSError
	}
	setupCommonEnv(pw, display, windowPath)
	if cleanupXSE {
		cleanupXSessionErrors(pw.Home, 0)
	}
	return execShell(command)
}

func runWithPAM(pw *passwdEntry, display, windowPath, command string, cleanupXSE bool) int {
	tty := ttyNameFor(os.Stdin)

	sess, err := newSession(pw.Name, tty, display)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
		return exitPAMError
	}

	// setup_pam ignores SIGINT/SIGQUIT only around pam_acct_mgmt.
	signal.Ignore(unix.SIGINT, unix.SIGQUIT)
	if err := sess.AcctMgmt(); err != nil {
		fmt.Fprintf(os.Stderr, "nodm: %v (ignored)\n", err)
	}
	signal.Reset(unix.SIGINT, unix.SIGQUIT)

	fmt.Fprintf(os.Stdout, "Successful su on %s for %s by %s\n", tty, pw.Name, "root")

	if err := dropGroups(pw); err != nil {
		sess.Close()
		fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
		return exitOSError
	}

	if err := sess.EstablishCred(); err != nil {
		sess.Close()
		fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
		return exitPAMError
	}

	env, err := sess.OpenSession()
	if err != nil {
		sess.DeleteCred()
		fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
		return exitPAMError
	}
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			os.Setenv(kv[:i], kv[i+1:])
		}
	}

	if err := dropUID(pw); err != nil {
		sess.Close()
		fmt.Fprintf(os.Stderr, "nodm: %v\n", err)
		return exitOSError
	}

	setupCommonEnv(pw, display, windowPath)
	if cleanupXSE {
		cleanupXSessionErrors(pw.Home, 0)
	}

	// The inner shell runs as a genuine child of this process (Start,
	// not Exec) so that this process can stay alive to shepherd PAM
	// session teardown once the shell exits -- the Go equivalent of
	// nodm_xsession_child_pam's second fork, minus the need to
	// re-exec again: privileges are already dropped in this very
	// process, so exec.Cmd's own fork+exec inherits them for free.
	cmd := buildShellCmd(command)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM, unix.SIGALRM)
	defer signal.Stop(term)

	if err := cmd.Start(); err != nil {
		sess.Close()
		fmt.Fprintf(os.Stderr, "nodm: cannot start user shell: %v\n", err)
		return exitOSErrorOrExec(err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-term:
		fmt.Fprintln(os.Stderr, "nodm: session terminated, killing shell...")
		cmd.Process.Signal(unix.SIGTERM)
		select {
		case <-done:
		case <-afterSeconds(2):
			cmd.Process.Kill()
			<-done
		}
		sess.Close()
		return exitSessionDied
	case err := <-done:
		sess.Close()
		return exitStatusOf(err)
	}
}

func exitOSErrorOrExec(err error) int {
	if os.IsNotExist(err) {
		return exitCmdNotFound
	}
	return exitCmdNoExec
}

func exitStatusOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Exited() {
				return ws.ExitStatus()
			}
			return 128 + int(ws.Signal())
		}
	}
	return exitOSError
}

func buildShellCmd(command string) *exec.Cmd {
	return exec.Command("/bin/sh", "-l", "-c", command)
}

func execShell(command string) int {
	cmd := buildShellCmd(command)
	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return exitCmdNotFound
	}
	argv := append([]string{path}, cmd.Args[1:]...)
	if err := syscall.Exec(path, argv, os.Environ()); err != nil {
		if os.IsNotExist(err) {
			return exitCmdNotFound
		}
		return exitCmdNoExec
	}
	panic("unreachable")
}

func setupCommonEnv(pw *passwdEntry, display, windowPath string) {
	os.Setenv("HOME", pw.Home)
	os.Setenv("USER", pw.Name)
	os.Setenv("USERNAME", pw.Name)
	os.Setenv("LOGNAME", pw.Name)
	os.Setenv("PWD", pw.Home)
	os.Setenv("SHELL", pw.Shell)
	os.Setenv("DISPLAY", display)
	os.Setenv("WINDOWPATH", windowPath)

	for _, v := range []string{
		"NODM_USER", "NODM_XSESSION", "NODM_X_OPTIONS",
		"NODM_MIN_SESSION_TIME", "NODM_X_TIMEOUT", "NODM_FIRST_VT",
		envUser, envDisplay, envWindowPath, envSessionCommand, envUsePAM, envCleanupXSE,
	} {
		os.Unsetenv(v)
	}

	if err := os.Chdir(pw.Home); err != nil {
		fmt.Fprintf(os.Stderr, "nodm: cannot chdir to %s: %v\n", pw.Home, err)
	}
}

// cleanupXSessionErrors truncates ~/.xsession-errors if it exceeds maxsize,
// creating it if absent, mirroring cleanup_xse. Must run after the chdir
// to the user's home directory and after privileges have been dropped.
func cleanupXSessionErrors(home string, maxsize int64) {
	name := filepath.Join(home, ".xsession-errors")
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodm: cannot open %s: %v\n", name, err)
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nodm: cannot stat %s: %v\n", name, err)
		return
	}
	if st.Size() > maxsize {
		if err := f.Truncate(0); err != nil {
			fmt.Fprintf(os.Stderr, "nodm: cannot truncate %s: %v\n", name, err)
		}
	}
}

func dropGroups(pw *passwdEntry) error {
	if err := unix.Setgid(pw.GID); err != nil {
		return fmt.Errorf("bad group ID %d for user %q: %w", pw.GID, pw.Name, err)
	}
	if err := unix.Setgroups(supplementaryGIDs(pw)); err != nil {
		return fmt.Errorf("initgroups failed for user %q: %w", pw.Name, err)
	}
	return nil
}

func dropUID(pw *passwdEntry) error {
	// Clear the ambient, bounding, inheritable and (except for
	// CAP_SETUID, which the setuid below still needs) effective/permitted
	// capability sets before the setuid so that no stray capability set
	// by the supervisor's own process survives into the user's shell --
	// nothing in original_source does this (it never ran under any
	// ambient capabilities to begin with), but gocapability is in the
	// retrieval pack and this is exactly the "clear privilege before
	// settling into an unprivileged child" use it is built for.
	if caps, err := capability.NewPid2(0); err == nil {
		caps.Clear(capability.CAPS | capability.BOUNDING | capability.AMBIENT)
		caps.Set(capability.EFFECTIVE|capability.PERMITTED, capability.CAP_SETUID)
		caps.Apply(capability.CAPS | capability.BOUNDING | capability.AMBIENT)
	}

	if err := unix.Setuid(pw.UID); err != nil {
		return fmt.Errorf("bad user ID %d for user %q: %w", pw.UID, pw.Name, err)
	}
	return nil
}

func dropPrivileges(pw *passwdEntry) error {
	if err := dropGroups(pw); err != nil {
		return err
	}
	return dropUID(pw)
}

// supplementaryGIDs is initgroups(pw.Name, pw.GID): every group in
// /etc/group that lists the user, plus the primary gid itself.
func supplementaryGIDs(pw *passwdEntry) []int {
	gids := []int{pw.GID}

	f, err := os.Open("/etc/group")
	if err != nil {
		return gids
	}
	defer f.Close()

	seen := map[int]bool{pw.GID: true}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) < 4 {
			continue
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil || seen[gid] {
			continue
		}
		for _, member := range strings.Split(fields[3], ",") {
			if member == pw.Name {
				gids = append(gids, gid)
				seen[gid] = true
				break
			}
		}
	}
	return gids
}

func afterSeconds(n int) <-chan time.Time {
	return time.After(time.Duration(n) * time.Second)
}

func ttyNameFor(f *os.File) string {
	name, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", f.Fd()))
	if err != nil || !strings.HasPrefix(name, "/dev/") {
		return "???"
	}
	return strings.TrimPrefix(name, "/dev/")
}
