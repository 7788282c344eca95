/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	ps "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/windows"
)

// Use separate process group so this process exit will not affect the children.
func DecoupleFromParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

func FindProcess(pid Pid_t) (*os.Process, error) {
	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return nil, err
	}

	return os.FindProcess(osPid)
}

// Windows has no process groups that can be signalled, so we terminate the whole process tree instead.
// Children are terminated before the root, so that they are not re-parented while we are enumerating them.
func signalProcessGroup(pid Pid_t, _ syscall.Signal) error {
	tree, err := GetProcessTree(pid)
	if errors.Is(err, ErrorProcessNotFound) {
		return os.ErrProcessDone
	} else if err != nil {
		return err
	}

	var killErr error
	for i := len(tree) - 1; i >= 0; i-- {
		osPid, _ := PidT_ToUint32(tree[i])
		p, findErr := ps.NewProcess(int32(osPid))
		if findErr != nil {
			continue
		}
		if err = p.Kill(); err != nil && i == 0 {
			killErr = err
		}
	}

	return killErr
}

// Windows has no signals, and there is no universal way to "ask a process to stop", so the process is killed.
func signalSingleProcess(proc *os.Process, _ Pid_t, _ syscall.Signal) error {
	return proc.Kill()
}

func signalName(sig syscall.Signal) string {
	return sig.String()
}
