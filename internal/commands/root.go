/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/dcpdbg/pkg/logger"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "dcpdbg",
		Short: "Runs and supervises debug adapters and their proxy processes",
		Long: `Runs and supervises debug adapters and their proxy processes.

	Debug adapters are registered per language, either from adapter manifests
	found in the manifest directory, or loaded on demand (dynamic loading).
	Each adapter drives a proxy process that speaks to the debugger backend.`,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "Starting dcpdbg..."),
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().String(configFlagName, "", "Path to the configuration file (TOML). Defaults to the value of the DCPDBG_CONFIG environment variable")
	log.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewVersionCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("Could not set up 'version' command: %w", err)
	}

	if cmd, err = NewConfigCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("Could not set up 'config' command: %w", err)
	}

	if cmd, err = NewLanguagesCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("Could not set up 'languages' command: %w", err)
	}

	if cmd, err = NewAdaptersCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("Could not set up 'adapters' command: %w", err)
	}

	if cmd, err = NewRunAdapterCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("Could not set up 'run-adapter' command: %w", err)
	}

	if cmd, err = NewLaunchProxyCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("Could not set up 'launch-proxy' command: %w", err)
	}

	if cmd, err = NewDebugPythonCommand(log.Logger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("Could not set up 'debug-python' command: %w", err)
	}

	return rootCmd, nil
}
