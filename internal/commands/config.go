/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dcpdbg/internal/config"
)

func NewConfigCommand(log logr.Logger) (*cobra.Command, error) {
	var defaultsOnly bool

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Prints the effective configuration",
		Long: `Prints the effective configuration, in the configuration file format.

The configuration is assembled from built-in defaults, the configuration file, and DCPDBG_* environment variables,
in increasing order of precedence.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var settings config.Settings
			if defaultsOnly {
				settings = config.Defaults()
			} else {
				var err error
				settings, err = loadSettings(cmd, nil)
				if err != nil {
					log.Error(err, "Could not load configuration")
					return err
				}
			}

			b, err := settings.Encode()
			if err != nil {
				return fmt.Errorf("could not serialize configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	configCmd.Flags().BoolVar(&defaultsOnly, "defaults", false, "Print the built-in defaults, ignoring the configuration file and the environment")

	return configCmd, nil
}
