/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/osutil"
)

type StdioMode uint8

const (
	// Create a pipe between the child and the parent (the default).
	StdioPipe StdioMode = iota

	// Share the parent's stream.
	StdioInherit

	// Connect the stream to the null device.
	StdioIgnore
)

type LaunchOptions struct {
	// Working directory. Empty means the current directory of the parent process.
	Dir string

	// Environment for the new process. If nil, the environment of the parent process is inherited.
	Env map[string]string

	// Run the command via the system shell. The command and the arguments are joined with spaces.
	Shell bool

	// Configuration of stdin, stdout, and stderr, in that order.
	Stdio [3]StdioMode

	// Make the new process the leader of a new process group (POSIX), so that Kill() can signal the whole group.
	Detached bool

	// Create an IPC channel (passed to the child as file descriptor 3).
	IPC bool
}

// Launcher starts processes and wraps them into Handles.
type Launcher struct {
	executor Executor
	log      logr.Logger
}

func NewLauncher(executor Executor, log logr.Logger) *Launcher {
	if executor == nil {
		executor = NewOSExecutor(log)
	}

	return &Launcher{
		executor: executor,
		log:      log.WithName("process-launcher"),
	}
}

// Launch starts the process. The process lifetime is bound to the passed context:
// when the context is cancelled, the process (and its children) are stopped.
func (l *Launcher) Launch(ctx context.Context, command string, args []string, opts LaunchOptions) (*Handle, error) {
	if command == "" {
		return nil, errors.New("command must not be empty")
	}

	cmd := makeCommand(command, args, opts.Shell)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = osutil.MapToEnviron(opts.Env)
	}

	var parentEnds, childEnds []io.Closer
	closeAll := func(closers []io.Closer) {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	h := newHandle(cmd, l.log)

	for i, mode := range opts.Stdio {
		parentEnd, childEnd, err := makeStdio(i, mode)
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			h.abandon()
			return nil, err
		}
		if parentEnd != nil {
			parentEnds = append(parentEnds, parentEnd)
		}
		if childEnd != nil && childEnd != os.Stdin && childEnd != os.Stdout && childEnd != os.Stderr {
			childEnds = append(childEnds, childEnd)
		}

		switch i {
		case 0:
			if childEnd != nil {
				cmd.Stdin = childEnd
			}
			if parentEnd != nil {
				h.stdin = parentEnd
			}
		case 1:
			if childEnd != nil {
				cmd.Stdout = childEnd
			}
			if parentEnd != nil {
				h.stdout = parentEnd
			}
		case 2:
			if childEnd != nil {
				cmd.Stderr = childEnd
			}
			if parentEnd != nil {
				h.stderr = parentEnd
			}
		}
	}

	if opts.IPC {
		parentIPC, childIPC, err := newIPCSocketPair()
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			h.abandon()
			return nil, err
		}
		parentEnds = append(parentEnds, parentIPC)
		childEnds = append(childEnds, childIPC)

		cmd.ExtraFiles = []*os.File{childIPC}
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("%s=%d", NodeChannelFdEnvVar, ipcChildFd),
			NodeChannelSerializationEnvVar+"=json",
		)
		h.ipc = newChannel(parentIPC)
	}

	if opts.Detached {
		DecoupleFromParent(cmd)
	}
	h.groupKill = !osutil.ContainerModeEnabled() && (opts.Detached || !osutil.SupportsProcessGroups())

	pid, startWaitForProcessExit, startErr := l.executor.StartProcess(ctx, cmd, ProcessExitHandlerFunc(h.onProcessExited))

	// The child has its own copies of these (or failed to start), either way the parent does not need them.
	closeAll(childEnds)

	if startErr != nil {
		closeAll(parentEnds)
		h.abandon()
		l.log.V(1).Info("process could not be started", "command", command, "args", args, "error", startErr.Error())
		return nil, fmt.Errorf("could not start process '%s': %w", command, startErr)
	}

	h.pid = pid
	h.log = h.log.WithValues("pid", pid)
	h.postEvent(handleEvent{kind: handleEventSpawn})

	if h.ipc != nil {
		go h.receiveMessages()
	} else {
		h.lock.Lock()
		h.ipcDone = true
		h.lock.Unlock()
	}

	startWaitForProcessExit()

	l.log.V(1).Info("process started", "command", command, "args", args, "pid", pid, "detached", opts.Detached, "ipc", opts.IPC)
	return h, nil
}

func makeCommand(command string, args []string, shell bool) *exec.Cmd {
	if !shell {
		return exec.Command(command, args...)
	}

	commandLine := strings.Join(append([]string{command}, args...), " ")
	if osutil.IsWindows() {
		return exec.Command("cmd.exe", "/d", "/s", "/c", commandLine)
	}
	return exec.Command("/bin/sh", "-c", commandLine)
}

// Returns the parent end and the child end of the stream with given index (0 = stdin, 1 = stdout, 2 = stderr).
func makeStdio(index int, mode StdioMode) (*os.File, *os.File, error) {
	switch mode {

	case StdioPipe:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, fmt.Errorf("could not create a pipe for stdio stream %d: %w", index, err)
		}
		if index == 0 {
			return w, r, nil
		}
		return r, w, nil

	case StdioInherit:
		return nil, []*os.File{os.Stdin, os.Stdout, os.Stderr}[index], nil

	case StdioIgnore:
		// exec.Cmd connects nil streams to the null device.
		return nil, nil, nil

	default:
		return nil, nil, fmt.Errorf("invalid stdio mode %d for stream %d", mode, index)
	}
}
