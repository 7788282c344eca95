/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/microsoft/dcpdbg/pkg/adapters"
)

type runAdapterFlags struct {
	registryFlags
	sessionID    string
	scriptPath   string
	scriptArgs   []string
	logDir       string
	launchConfig string
	metricsAddr  string
}

func NewRunAdapterCommand(log logr.Logger) (*cobra.Command, error) {
	var flags runAdapterFlags

	runAdapterCmd := &cobra.Command{
		Use:   "run-adapter <language>",
		Short: "Creates a debug adapter and keeps it running",
		Long: `Creates a debug adapter for the given language and keeps it running until the adapter is disposed,
or until the program receives an interrupt signal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdapter(cmd, args[0], &flags, log.WithName("run-adapter"))
		},
	}

	fs := runAdapterCmd.Flags()
	addRegistryFlags(fs, &flags.registryFlags)
	fs.StringVar(&flags.sessionID, "session-id", "", "Debug session ID. A random ID is used if not set")
	fs.StringVar(&flags.scriptPath, "script", "", "Path to the program to debug")
	fs.StringArrayVar(&flags.scriptArgs, "arg", nil, "Argument for the program to debug (can be repeated)")
	fs.StringVar(&flags.logDir, "log-dir", "", "Directory for adapter logs")
	fs.StringVar(&flags.launchConfig, "launch-config", "", "Launch configuration for the adapter, as a JSON object")
	fs.StringVar(&flags.metricsAddr, metricsAddrFlagName, "", "Address to serve Prometheus metrics on (e.g. localhost:9090). Metrics are not served if empty")

	return runAdapterCmd, nil
}

func runAdapter(cmd *cobra.Command, language string, flags *runAdapterFlags, log logr.Logger) error {
	ctx := cmd.Context()

	settings, err := loadSettings(cmd, &flags.registryFlags)
	if err != nil {
		log.Error(err, "Could not load configuration")
		return err
	}

	adapterConfig := adapters.Config{
		SessionID:  flags.sessionID,
		ScriptPath: flags.scriptPath,
		ScriptArgs: flags.scriptArgs,
		LogDir:     flags.logDir,
	}
	if adapterConfig.SessionID == "" {
		adapterConfig.SessionID = uuid.NewString()
	}
	if flags.launchConfig != "" {
		if unmarshalErr := json.Unmarshal([]byte(flags.launchConfig), &adapterConfig.LaunchConfig); unmarshalErr != nil {
			return fmt.Errorf("launch configuration is not a valid JSON object: %w", unmarshalErr)
		}
	}

	s, err := newSupervisor(ctx, settings, log)
	if err != nil {
		return err
	}
	defer s.shutdown()

	if metricsErr := s.serveMetrics(ctx, flags.metricsAddr); metricsErr != nil {
		return metricsErr
	}

	adapter, err := s.registry.Create(ctx, language, adapterConfig)
	if err != nil {
		log.Error(err, "Could not create debug adapter", "Language", language)
		return err
	}

	log = log.WithValues("Language", language, "SessionID", adapterConfig.SessionID)
	log.Info("Debug adapter is running", "State", adapter.State())

	disposed := make(chan struct{})
	unsubscribeState := adapter.OnStateChanged(func(change adapters.StateChange) {
		log.Info("Debug adapter state changed", "From", change.Old, "To", change.New)
	})
	defer unsubscribeState()
	unsubscribeDisposed := adapter.OnDisposed(func() {
		close(disposed)
	})
	defer unsubscribeDisposed()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case <-disposed:
		log.Info("Debug adapter was disposed")
	}

	return nil
}
