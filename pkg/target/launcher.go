/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/internal/networking"
	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

const (
	DefaultPythonPath = "python"

	// How long Terminate() waits for the target to exit after SIGTERM before sending SIGKILL.
	DefaultTerminateGracePeriod = 5 * time.Second
)

type ProcessLauncher interface {
	Launch(ctx context.Context, command string, args []string, opts process.LaunchOptions) (*process.Handle, error)
}

type PortFinder interface {
	FindFreePort() (int32, error)
}

// DebugTarget is a program started under a debugger backend, waiting for the debug adapter to attach.
type DebugTarget struct {
	Process   process.Process
	DebugPort int32

	gracePeriod time.Duration
	log         logr.Logger
}

// Stops the debug target: SIGTERM first, then SIGKILL if the target does not exit within the grace period
// (or the context is cancelled). If the target was already signalled, only the wait and the escalation are done.
// Returns immediately if the target has exited; otherwise returns once the target is gone or could not be killed.
func (t *DebugTarget) Terminate(ctx context.Context) error {
	proc := t.Process
	if proc.Exited() {
		return nil
	}

	if !proc.Killed() && !proc.Kill(syscall.SIGTERM) {
		if proc.Exited() {
			return nil
		}
		t.log.V(1).Info("Could not stop debug target gracefully, forcing", "Pid", proc.Pid())
		return t.forceKill()
	}

	if resiliency.WaitWithTimeout(ctx, proc.Done(), t.gracePeriod) {
		return nil
	}
	t.log.V(1).Info("Debug target did not exit within the grace period", "Pid", proc.Pid(), "GracePeriod", t.gracePeriod.String())

	return t.forceKill()
}

// Sends SIGKILL and waits (up to the grace period) for the process to go away.
func (t *DebugTarget) forceKill() error {
	err := t.Process.Signal(syscall.SIGKILL)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("could not kill debug target process %d: %w", t.Process.Pid(), err)
	}
	if !resiliency.WaitWithTimeout(context.Background(), t.Process.Done(), t.gracePeriod) {
		return fmt.Errorf("debug target process %d did not exit after SIGKILL", t.Process.Pid())
	}
	return nil
}

// Launcher starts programs under language debugger backends.
type Launcher struct {
	processLauncher ProcessLauncher
	ports           PortFinder
	gracePeriod     time.Duration
	log             logr.Logger
}

func NewLauncher(processLauncher ProcessLauncher, ports PortFinder, log logr.Logger) *Launcher {
	if ports == nil {
		ports = networking.NewPortAllocator(log)
	}

	return &Launcher{
		processLauncher: processLauncher,
		ports:           ports,
		gracePeriod:     DefaultTerminateGracePeriod,
		log:             log.WithName("debug-target-launcher"),
	}
}

// Sets how long Terminate() waits for debug targets to exit before killing them. Values <= 0 are ignored.
func (l *Launcher) SetTerminateGracePeriod(gracePeriod time.Duration) {
	if gracePeriod > 0 {
		l.gracePeriod = gracePeriod
	}
}

// Starts a Python script under debugpy, listening for the debug adapter on the loopback interface.
// If debugPort is 0, a free port is allocated. If pythonPath is empty, "python" is used.
func (l *Launcher) LaunchPythonDebugTarget(ctx context.Context, scriptPath string, args []string, pythonPath string, debugPort int32) (*DebugTarget, error) {
	if pythonPath == "" {
		pythonPath = DefaultPythonPath
	}

	if debugPort == 0 {
		port, portErr := l.ports.FindFreePort()
		if portErr != nil {
			return nil, fmt.Errorf("could not allocate a debug port for '%s': %w", scriptPath, portErr)
		}
		debugPort = port
	}

	debugArgs := append([]string{
		"-m", "debugpy",
		"--listen", networking.AddressAndPort(networking.Localhost, debugPort),
		"--wait-for-client",
		scriptPath,
	}, args...)

	h, launchErr := l.processLauncher.Launch(ctx, pythonPath, debugArgs, process.LaunchOptions{})
	if launchErr != nil {
		return nil, fmt.Errorf("could not launch Python debug target '%s': %w", scriptPath, launchErr)
	}

	l.log.V(1).Info("Python debug target started", "Script", scriptPath, "Pid", h.Pid(), "DebugPort", debugPort)

	return &DebugTarget{
		Process:     h,
		DebugPort:   debugPort,
		gracePeriod: l.gracePeriod,
		log:         l.log.WithValues("Script", scriptPath),
	}, nil
}
