/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dcpdbg/pkg/adapters"
)

func NewLanguagesCommand(log logr.Logger) (*cobra.Command, error) {
	var rf registryFlags
	format := outputFormatTable

	languagesCmd := &cobra.Command{
		Use:   "languages",
		Short: "Lists languages that can be debugged",
		Long: `Lists languages that can be debugged.

Includes languages with a registered adapter, and (with dynamic loading enabled) languages
with an installed adapter that would be loaded on first use.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log = log.WithName("languages")

			settings, err := loadSettings(cmd, &rf)
			if err != nil {
				log.Error(err, "Could not load configuration")
				return err
			}

			s, err := newSupervisor(cmd.Context(), settings, log)
			if err != nil {
				return err
			}
			defer s.shutdown()

			languages, err := s.registry.ListLanguages(cmd.Context())
			if err != nil {
				return err
			}

			if format == outputFormatJSON {
				return printJSON(cmd.OutOrStdout(), languages)
			}
			for _, lang := range languages {
				if _, writeErr := fmt.Fprintln(cmd.OutOrStdout(), lang); writeErr != nil {
					return writeErr
				}
			}
			return nil
		},
	}

	addRegistryFlags(languagesCmd.Flags(), &rf)
	languagesCmd.Flags().VarP(&format, "output", "o", "Output format (table or json)")

	return languagesCmd, nil
}

type adapterListEntry struct {
	adapters.Descriptor
	Registered      bool   `json:"registered"`
	Version         string `json:"version,omitempty"`
	ActiveInstances int    `json:"activeInstances"`
}

func NewAdaptersCommand(log logr.Logger) (*cobra.Command, error) {
	var rf registryFlags
	format := outputFormatTable

	adaptersCmd := &cobra.Command{
		Use:   "adapters",
		Short: "Lists available debug adapters",
		Long:  `Lists debug adapters that are registered or can be installed, with their installation status.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log = log.WithName("adapters")

			settings, err := loadSettings(cmd, &rf)
			if err != nil {
				log.Error(err, "Could not load configuration")
				return err
			}

			s, err := newSupervisor(cmd.Context(), settings, log)
			if err != nil {
				return err
			}
			defer s.shutdown()

			descriptors, err := s.registry.ListAvailableAdapters(cmd.Context())
			if err != nil {
				return err
			}

			registered := s.registry.AllAdapterInfo()
			entries := make([]adapterListEntry, 0, len(descriptors))
			for _, d := range descriptors {
				entry := adapterListEntry{Descriptor: d}
				if info, found := registered[d.Name]; found {
					entry.Registered = true
					entry.Version = info.Version
					entry.ActiveInstances = info.ActiveInstances
				}
				entries = append(entries, entry)
			}

			if format == outputFormatJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tPACKAGE\tINSTALLED\tREGISTERED\tVERSION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Name, e.PackageName, strconv.FormatBool(e.Installed), strconv.FormatBool(e.Registered), e.Version)
			}
			return w.Flush()
		},
	}

	addRegistryFlags(adaptersCmd.Flags(), &rf)
	adaptersCmd.Flags().VarP(&format, "output", "o", "Output format (table or json)")

	return adaptersCmd, nil
}
