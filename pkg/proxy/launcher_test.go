/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/testutil"
)

func newHelperLauncher(t *testing.T, behavior string, observer HandshakeObserver) *Launcher {
	exe, helperArgs := testutil.HelperProcessCommand(behavior)
	log := testutil.NewLogForTesting(t.Name())
	return NewLauncher(process.NewLauncher(nil, log), LauncherConfig{
		Runtime:     exe,
		RuntimeArgs: helperArgs,
		Observer:    observer,
	}, log)
}

func TestLaunchProxyHandshake(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	observer := &recordingObserver{}
	launcher := newHelperLauncher(t, "fake-proxy", observer)
	p, err := launcher.LaunchProxy(ctx, "/path/to/proxy-bootstrap.js", "session-42", map[string]string{
		"PROXY_CUSTOM_VAR": "custom",
		"NODE_ENV":         "test",
	})
	require.NoError(t, err)
	require.Equal(t, "session-42", p.SessionID())
	require.NotEqual(t, process.UnknownPID, p.Pid())

	hello := make(chan process.Message, 1)
	p.OnMessage(func(msg process.Message) {
		var m struct {
			Type string `json:"type"`
		}
		if msg.Decode(&m) == nil && m.Type == "hello" {
			hello <- msg
		}
	})
	require.NoError(t, p.SendCommand(map[string]string{"cmd": "hello"}))

	select {
	case msg := <-hello:
		var reply struct {
			Args         string `json:"args"`
			CustomVar    string `json:"customVar"`
			NodeEnvFound bool   `json:"nodeEnvFound"`
		}
		require.NoError(t, msg.Decode(&reply))
		require.Equal(t, "--trace-uncaught --trace-exit /path/to/proxy-bootstrap.js", reply.Args)
		require.Equal(t, "custom", reply.CustomVar)
		require.False(t, reply.NodeEnvFound, "test harness variables must not be passed to the proxy")
	case <-time.After(10 * time.Second):
		t.Fatal("proxy did not reply to hello")
	}

	result := waitAsync(p, ctx, 10*time.Second)
	requireWaiting(t, p)
	require.NoError(t, p.SendCommand(map[string]string{"cmd": "start"}))
	require.NoError(t, requireResult(t, result))
	require.Equal(t, []InitializationState{InitializationCompleted}, observer.states)

	exited := make(chan process.ExitStatus, 1)
	p.OnExit(func(s process.ExitStatus) { exited <- s })
	require.NoError(t, p.SendCommand(map[string]string{"cmd": "exit"}))

	select {
	case s := <-exited:
		require.Equal(t, int32(0), s.ExitCode)
	case <-time.After(10 * time.Second):
		t.Fatal("proxy did not exit")
	}
}

func TestLaunchProxyCrashFailsHandshake(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	launcher := newHelperLauncher(t, "crash", nil)
	p, err := launcher.LaunchProxy(ctx, "proxy.js", "session-crash", nil)
	require.NoError(t, err)

	err = p.WaitForInitialization(ctx, 10*time.Second)
	require.ErrorIs(t, err, ErrExitedBeforeInitialization)
	require.True(t, IsHandshakeError(err))

	<-p.Done()
	require.Equal(t, int32(3), p.ExitCode())
}

func TestLaunchProxyKill(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	launcher := newHelperLauncher(t, "fake-proxy", nil)
	p, err := launcher.LaunchProxy(ctx, "proxy.js", "session-kill", nil)
	require.NoError(t, err)

	result := waitAsync(p, ctx, 10*time.Second)
	requireWaiting(t, p)

	require.True(t, p.Kill(sigterm))
	require.False(t, p.Kill(sigterm))
	require.ErrorIs(t, requireResult(t, result), ErrKilledDuringInitialization)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("proxy did not exit after being killed")
	}
	require.Equal(t, "SIGTERM", p.SignalCode())
}

func TestLaunchProxyFailsForMissingRuntime(t *testing.T) {
	t.Parallel()

	log := testutil.NewLogForTesting(t.Name())
	launcher := NewLauncher(process.NewLauncher(nil, log), LauncherConfig{Runtime: "dcpdbg-no-such-runtime"}, log)
	p, err := launcher.LaunchProxy(context.Background(), "proxy.js", "session-missing", nil)
	require.Error(t, err)
	require.Nil(t, p)
	require.ErrorContains(t, err, "session-missing")
}
