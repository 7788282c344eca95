/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package proxy

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/osutil"
	"github.com/microsoft/dcpdbg/pkg/process"
)

const DefaultRuntime = "node"

// Flags passed to the runtime so that crashes of the proxy script leave a trace in its stderr.
var diagnosticFlags = []string{"--trace-uncaught", "--trace-exit"}

type LauncherConfig struct {
	// The program used to run proxy scripts. Defaults to "node".
	Runtime string

	// Extra arguments placed before the diagnostic flags and the script path.
	RuntimeArgs []string

	// Working directory for proxy processes. Empty means the current directory.
	Dir string

	// Default timeout for WaitForInitialization(). Defaults to 30 seconds.
	InitializationTimeout time.Duration

	// Optional observer for handshake outcomes (metrics).
	Observer HandshakeObserver
}

type ProcessLauncher interface {
	Launch(ctx context.Context, command string, args []string, opts process.LaunchOptions) (*process.Handle, error)
}

// Launcher starts proxy scripts with an IPC channel and wraps them into proxy Process handles.
type Launcher struct {
	processLauncher ProcessLauncher
	config          LauncherConfig
	log             logr.Logger
}

func NewLauncher(processLauncher ProcessLauncher, config LauncherConfig, log logr.Logger) *Launcher {
	if config.Runtime == "" {
		config.Runtime = DefaultRuntime
	}
	if config.InitializationTimeout <= 0 {
		config.InitializationTimeout = DefaultInitializationTimeout
	}

	return &Launcher{
		processLauncher: processLauncher,
		config:          config,
		log:             log.WithName("proxy-launcher"),
	}
}

// Starts the proxy script for the given debug session.
// If env is nil, the proxy inherits the environment of the current process. Test harness variables are never passed on.
func (l *Launcher) LaunchProxy(ctx context.Context, scriptPath string, sessionID string, env map[string]string) (*Process, error) {
	args := slices.Concat(l.config.RuntimeArgs, diagnosticFlags, []string{scriptPath})

	opts := process.LaunchOptions{
		Dir:      l.config.Dir,
		Env:      osutil.EnvironToMap(osutil.SanitizedEnvironment(env)),
		Stdio:    [3]process.StdioMode{process.StdioPipe, process.StdioPipe, process.StdioPipe},
		IPC:      true,
		Detached: !osutil.IsWindows(),
	}

	l.log.V(1).Info("Launching proxy process", "Runtime", l.config.Runtime, "Script", scriptPath, "SessionID", sessionID, "Dir", l.config.Dir)

	h, launchErr := l.processLauncher.Launch(ctx, l.config.Runtime, args, opts)
	if launchErr != nil {
		return nil, fmt.Errorf("failed to launch proxy process for session %s: %w", sessionID, launchErr)
	}

	p := NewProcess(h, sessionID, l.log)
	p.lock.Lock()
	p.defaultTimeout = l.config.InitializationTimeout
	p.observer = l.config.Observer
	p.lock.Unlock()
	return p, nil
}
