// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Isolate configures cmd to start in a new process group and makes
// context cancellation (exec.CommandContext) kill the whole group
// instead of only the direct child.
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return KillGroup(cmd.Process.Pid)
	}
}

// KillGroup sends SIGKILL to the process group led by pid.
func KillGroup(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

// TerminateGroup sends SIGTERM to the process group led by pid.
func TerminateGroup(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

// signalGroup signals -pid and, if the group no longer exists or
// cannot be signalled, the single process. A process that has
// already exited is not an error.
func signalGroup(pid int, signal unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, signal)
	if err == nil {
		return nil
	}
	err = unix.Kill(pid, signal)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Alive reports whether pid exists, using signal 0. A
// process owned by another user (EPERM) still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
