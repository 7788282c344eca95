/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"bufio"
	"errors"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/go-logr/logr"
	ps "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/pkg/testutil"
)

func TestKillReportsTerminatingSignal(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	h := launchHelper(t, ctx, LaunchOptions{Stdio: [3]StdioMode{StdioIgnore, StdioIgnore, StdioIgnore}}, "sleep", "10s")
	require.True(t, h.Kill(syscall.SIGTERM))

	status := waitForExit(t, h, 10*time.Second)
	require.Equal(t, "SIGTERM", status.Signal)
	require.Equal(t, UnknownExitCode, status.ExitCode)
	require.Equal(t, "SIGTERM", h.SignalCode())
}

func TestIPCRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	h := launchHelper(t, ctx, LaunchOptions{Stdio: [3]StdioMode{StdioIgnore, StdioIgnore, StdioInherit}, IPC: true}, "echo-ipc")

	received := make(chan Message, 1)
	h.OnMessage(func(msg Message) { received <- msg })

	require.NoError(t, h.Send(map[string]any{"type": "ping", "seq": 1}))

	select {
	case msg := <-received:
		var echoed struct {
			Echo struct {
				Type string `json:"type"`
				Seq  int    `json:"seq"`
			} `json:"echo"`
		}
		require.NoError(t, msg.Decode(&echoed))
		require.Equal(t, "ping", echoed.Echo.Type)
		require.Equal(t, 1, echoed.Echo.Seq)
	case <-time.After(10 * time.Second):
		t.Fatal("echo message was not received")
	}

	require.NoError(t, h.Send(map[string]string{"cmd": "exit"}))
	status := waitForExit(t, h, 10*time.Second)
	require.Equal(t, int32(0), status.ExitCode)

	require.Eventually(t, func() bool {
		return errors.Is(h.Send(map[string]string{"late": "message"}), ErrIPCClosed)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestInvalidIPCMessagesAreReportedAndSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	h := launchHelper(t, ctx, LaunchOptions{Stdio: [3]StdioMode{StdioIgnore, StdioIgnore, StdioIgnore}, IPC: true}, "garbage-ipc")

	errs := make(chan error, 4)
	msgs := make(chan Message, 4)
	h.OnError(func(err error) { errs <- err })
	h.OnMessage(func(msg Message) { msgs <- msg })

	// The close event is delivered after all messages, so once it fires, all channels are populated.
	closed := make(chan struct{})
	h.OnClose(func(ExitStatus) { close(closed) })

	// The helper waits for a go-ahead so that no output is produced before the handlers are in place.
	require.NoError(t, h.Send(map[string]string{"cmd": "go"}))

	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("close event was not delivered")
	}

	require.Len(t, msgs, 1)
	msg := <-msgs
	require.Equal(t, map[string]any{"type": "status", "status": "ok"}, msg.Value())

	require.Len(t, errs, 1)
	require.ErrorContains(t, <-errs, "invalid IPC message")
}

func TestGroupKillStopsChildren(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := launchHelper(t, ctx, LaunchOptions{Stdio: [3]StdioMode{StdioIgnore, StdioPipe, StdioIgnore}, Detached: true}, "spawn-child")

	line, err := bufio.NewReader(h.Stdout()).ReadString('\n')
	require.NoError(t, err)
	childPid, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)

	require.True(t, h.Kill(syscall.SIGTERM))
	_ = waitForExit(t, h, 10*time.Second)

	require.Eventually(t, func() bool { return isStopped(childPid) }, 10*time.Second, 100*time.Millisecond,
		"child process should have been stopped together with its process group")
}

func TestStopProcessIgnoreSigterm(t *testing.T) {
	t.Parallel()

	cmdName, args := testutil.HelperProcessCommand("ignore-sigterm")
	cmd := exec.Command(cmdName, args...)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)

	executor := NewOSExecutor(logr.Discard())
	executor.StopGracePeriod = 500 * time.Millisecond

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	exitCh := make(chan ProcessExitInfo, 1)
	pid, startWaitForExit, err := executor.StartProcess(ctx, cmd, NewChannelProcessExitHandler(exitCh))
	require.NoError(t, err)
	startWaitForExit()

	// Wait until the SIGTERM handler is in place.
	_, err = bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, executor.StopProcess(pid))
	require.Less(t, time.Since(start), 10*time.Second)

	select {
	case <-exitCh:
	case <-time.After(10 * time.Second):
		t.Fatal("process exit was not reported")
	}
	require.True(t, isStopped(int(pid)))
}

func TestGetProcessTree(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	h := launchHelper(t, ctx, LaunchOptions{Stdio: [3]StdioMode{StdioIgnore, StdioPipe, StdioIgnore}, Detached: true}, "spawn-child")
	_, err := bufio.NewReader(h.Stdout()).ReadString('\n')
	require.NoError(t, err)

	tree, err := GetProcessTree(h.Pid())
	require.NoError(t, err)
	require.Len(t, tree, 2)
	require.Equal(t, h.Pid(), tree[0])

	require.True(t, h.Kill(syscall.SIGKILL))
	_ = waitForExit(t, h, 10*time.Second)

	_, err = GetProcessTree(h.Pid())
	require.ErrorIs(t, err, ErrorProcessNotFound)
}

func isStopped(pid int) bool {
	p, err := ps.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	// Orphaned processes may linger as zombies until reaped by init.
	status, statusErr := p.Status()
	if statusErr != nil {
		return true
	}
	return slices.Contains(status, ps.Zombie)
}
