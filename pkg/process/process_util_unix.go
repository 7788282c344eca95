/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Use separate process group so this process exit will not affect the children.
// The child becomes the leader of a new process group, which enables signalling the whole group.
func DecoupleFromParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	cmd.SysProcAttr.Pgid = 0
}

func FindProcess(pid Pid_t) (*os.Process, error) {
	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return nil, err
	}

	process, err := os.FindProcess(osPid)
	if err != nil {
		return nil, err
	}

	// Check if the process actually exists for Unix systems
	if err = process.Signal(syscall.Signal(0)); err != nil {
		return nil, err
	}

	return process, nil
}

// Sends the signal to the process group led by the process with given PID.
func signalProcessGroup(pid Pid_t, sig syscall.Signal) error {
	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return err
	}

	err = unix.Kill(-osPid, sig)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// Sends the signal to a single process.
func signalSingleProcess(proc *os.Process, _ Pid_t, sig syscall.Signal) error {
	return proc.Signal(sig)
}

func signalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}
