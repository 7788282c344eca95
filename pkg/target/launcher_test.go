/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package target

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/testutil"
)

type fixedPort int32

func (p fixedPort) FindFreePort() (int32, error) {
	return int32(p), nil
}

type noPorts struct{}

func (noPorts) FindFreePort() (int32, error) {
	return 0, errors.New("no ports for you")
}

// Launches the test binary in place of the Python interpreter. The helper behavior is passed
// where the script path would be, so the helper sees the debugpy arguments.
func launchTarget(t *testing.T, ctx context.Context, ports PortFinder, debugPort int32, behavior string) (*Launcher, *DebugTarget) {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)

	log := testutil.NewLogForTesting(t.Name())
	l := NewLauncher(process.NewLauncher(nil, log), ports, log)
	l.SetTerminateGracePeriod(300 * time.Millisecond)

	target, err := l.LaunchPythonDebugTarget(ctx, testutil.HelperProcessArg, []string{behavior, "--flag", "value"}, exe, debugPort)
	require.NoError(t, err)
	return l, target
}

func readLine(t *testing.T, target *DebugTarget) string {
	t.Helper()

	line, err := bufio.NewReader(target.Process.Stdout()).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestLaunchPythonDebugTargetArguments(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, target := launchTarget(t, ctx, fixedPort(5678), 0, "report-args")
	require.Equal(t, int32(5678), target.DebugPort)

	expected := strings.Join([]string{
		"-m", "debugpy", "--listen", "127.0.0.1:5678", "--wait-for-client",
		testutil.HelperProcessArg, "report-args", "--flag", "value",
	}, " ")
	require.Equal(t, expected, readLine(t, target))

	require.NoError(t, target.Terminate(ctx))
	require.True(t, target.Process.Exited())
	require.Equal(t, "SIGTERM", target.Process.SignalCode())
}

func TestExplicitDebugPortIsUsed(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, target := launchTarget(t, ctx, noPorts{}, 6000, "report-args")
	require.Equal(t, int32(6000), target.DebugPort)
	require.Contains(t, readLine(t, target), "--listen 127.0.0.1:6000")
	require.NoError(t, target.Terminate(ctx))
}

func TestPortAllocationFailure(t *testing.T) {
	t.Parallel()

	log := testutil.NewLogForTesting(t.Name())
	l := NewLauncher(process.NewLauncher(nil, log), noPorts{}, log)
	target, err := l.LaunchPythonDebugTarget(context.Background(), "script.py", nil, "", 0)
	require.ErrorContains(t, err, "no ports for you")
	require.Nil(t, target)
}

func TestTerminateEscalatesToSigkill(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, target := launchTarget(t, ctx, fixedPort(5679), 0, "ignore-sigterm")
	require.Equal(t, "ready", readLine(t, target))

	start := time.Now()
	require.NoError(t, target.Terminate(ctx))

	select {
	case <-target.Process.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("debug target was not killed")
	}
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	require.Equal(t, "SIGKILL", target.Process.SignalCode())
}

func TestTerminateAfterIgnoredSigtermKillsTarget(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, target := launchTarget(t, ctx, fixedPort(5681), 0, "ignore-sigterm")
	require.Equal(t, "ready", readLine(t, target))

	// The target is marked as killed, but it is still running.
	require.True(t, target.Process.Kill(syscall.SIGTERM))
	require.True(t, target.Process.Killed())
	require.False(t, target.Process.Exited())

	require.NoError(t, target.Terminate(ctx))
	require.True(t, target.Process.Exited())
	require.Equal(t, "SIGKILL", target.Process.SignalCode())
}

func TestTerminateAfterExitReturnsImmediately(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, target := launchTarget(t, ctx, fixedPort(5680), 0, "exit")
	select {
	case <-target.Process.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("debug target did not exit")
	}

	start := time.Now()
	require.NoError(t, target.Terminate(ctx))
	require.NoError(t, target.Terminate(ctx))
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.False(t, target.Process.Killed())
}
