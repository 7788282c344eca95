/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/microsoft/dcpdbg/internal/config"
	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/proxy"
	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

const proxyStopGracePeriod = 5 * time.Second

type launchProxyFlags struct {
	scriptPath  string
	sessionID   string
	timeout     time.Duration
	initCommand string
}

func NewLaunchProxyCommand(log logr.Logger) (*cobra.Command, error) {
	var flags launchProxyFlags

	launchProxyCmd := &cobra.Command{
		Use:   "launch-proxy",
		Short: "Starts a proxy script and waits for it to become ready",
		Long: `Starts a proxy script, performs the initialization handshake, and relays the messages
the proxy sends over the IPC channel to standard output, one JSON object per line.

Exits when the proxy process exits, or when the program receives an interrupt signal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return launchProxy(cmd, &flags, log.WithName("launch-proxy"))
		},
	}

	fs := launchProxyCmd.Flags()
	fs.StringVar(&flags.scriptPath, "script", "", "Path to the proxy script")
	fs.StringVar(&flags.sessionID, "session-id", "", "Debug session ID. A random ID is used if not set")
	fs.DurationVar(&flags.timeout, "timeout", 0, "Initialization timeout. Uses the configured proxy initialization timeout if not set")
	fs.StringVar(&flags.initCommand, "init-command", "", "Command to send to the proxy once started, as a JSON object")
	if err := launchProxyCmd.MarkFlagRequired("script"); err != nil {
		return nil, err
	}

	return launchProxyCmd, nil
}

func launchProxy(cmd *cobra.Command, flags *launchProxyFlags, log logr.Logger) error {
	ctx := cmd.Context()

	settings, err := loadSettings(cmd, nil)
	if err != nil {
		log.Error(err, "Could not load configuration")
		return err
	}

	var initCommand any
	if flags.initCommand != "" {
		var cmdObj map[string]any
		if unmarshalErr := json.Unmarshal([]byte(flags.initCommand), &cmdObj); unmarshalErr != nil {
			return fmt.Errorf("initialization command is not a valid JSON object: %w", unmarshalErr)
		}
		initCommand = cmdObj
	}

	sessionID := flags.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	launcher := newProxyLauncher(settings, log)

	// The proxy is stopped explicitly (gracefully) below, so it must outlive the command context.
	p, err := launcher.LaunchProxy(context.WithoutCancel(ctx), flags.scriptPath, sessionID, nil)
	if err != nil {
		log.Error(err, "Could not launch proxy")
		return err
	}
	defer p.Dispose()

	log = log.WithValues("SessionID", sessionID, "Pid", p.Pid())
	out := cmd.OutOrStdout()

	unsubscribe := p.OnMessage(func(msg process.Message) {
		if _, writeErr := out.Write(WithNewline(slices.Clone(msg.Raw()))); writeErr != nil {
			log.Error(writeErr, "Could not relay proxy message")
		}
	})
	defer unsubscribe()

	if beginErr := p.BeginInitialization(flags.timeout, initCommand); beginErr != nil {
		log.Error(beginErr, "Could not send initialization command to the proxy")
	}
	if initErr := p.WaitForInitialization(ctx, flags.timeout); initErr != nil {
		log.Error(initErr, "Proxy did not initialize")
		stopProxy(p, log)
		return initErr
	}
	log.Info("Proxy is ready")

	select {
	case <-ctx.Done():
		log.Info("Stopping proxy...")
		stopProxy(p, log)
		return nil
	case <-p.Done():
		if p.ExitCode() != 0 {
			return fmt.Errorf("proxy exited with code %d", p.ExitCode())
		}
		return nil
	}
}

func newProxyLauncher(settings config.Settings, log logr.Logger) *proxy.Launcher {
	return proxy.NewLauncher(process.NewLauncher(nil, log), settings.ProxyLauncherConfig(), log)
}

func stopProxy(p *proxy.Process, log logr.Logger) {
	if p.Exited() {
		return
	}

	_ = p.Kill(syscall.SIGTERM)
	if !resiliency.WaitWithTimeout(context.Background(), p.Done(), proxyStopGracePeriod) {
		log.Info("Proxy did not exit in time, killing it")
		if signalErr := p.Signal(syscall.SIGKILL); signalErr != nil {
			log.Error(signalErr, "Could not kill proxy process")
		}
	}
}
