/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/internal/version"
	"github.com/microsoft/dcpdbg/pkg/logger"
)

// Tests in this file use t.Setenv() and cannot run in parallel.

func isolateEnv(t *testing.T) {
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "DCPDBG_") && !strings.HasPrefix(name, "DCPDBG_DIAGNOSTICS_LOG") {
			t.Setenv(name, "")
		}
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	return runCommandContext(t, context.Background(), args...)
}

func runCommandContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	root, err := NewRootCmd(logger.New("dcpdbg-test"))
	require.NoError(t, err)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	return out.String(), err
}

func writeManifests(t *testing.T) string {
	dir := t.TempDir()
	python := "language: python\nversion: 1.2.0\ndescription: Python adapter\nproxy:\n  script: python-proxy.js\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "python.yaml"), []byte(python), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "python-proxy.js"), []byte("// proxy"), 0644))
	golang := "language: go\nversion: 0.1.0\ndescription: Go adapter\nproxy:\n  script: go-proxy.js\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.yaml"), []byte(golang), 0644))
	return dir
}

func TestVersionCommand(t *testing.T) {
	isolateEnv(t)

	out, err := runCommand(t, "version")
	require.NoError(t, err)

	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	require.Equal(t, version.Version().Version, info.Version)
	require.NotEmpty(t, info.GoVersion)
}

func TestConfigCommandPrintsDefaults(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DCPDBG_MAX_INSTANCES_PER_LANGUAGE", "3")

	out, err := runCommand(t, "config", "--defaults")
	require.NoError(t, err)
	require.Contains(t, out, "[registry]")
	require.Contains(t, out, "max_instances_per_language = 10")

	out, err = runCommand(t, "config")
	require.NoError(t, err)
	require.Contains(t, out, "max_instances_per_language = 3")
}

func TestConfigCommandReportsInvalidFile(t *testing.T) {
	isolateEnv(t)

	path := filepath.Join(t.TempDir(), "dcpdbg.toml")
	require.NoError(t, os.WriteFile(path, []byte("[registry]\nno_such_setting = true\n"), 0644))

	_, err := runCommand(t, "config", "--config", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), path)
}

func TestLanguagesCommandListsRegisteredAdapters(t *testing.T) {
	isolateEnv(t)
	dir := writeManifests(t)

	// The go adapter has no proxy script, so it is not installed and not registered.
	out, err := runCommand(t, "languages", "--adapter-manifest-dir", dir, "-o", "json")
	require.NoError(t, err)

	var languages []string
	require.NoError(t, json.Unmarshal([]byte(out), &languages))
	require.Equal(t, []string{"mock", "python"}, languages)
}

func TestAdaptersCommand(t *testing.T) {
	isolateEnv(t)
	dir := writeManifests(t)

	out, err := runCommand(t, "adapters", "--adapter-manifest-dir", dir, "--dynamic-loading", "-o", "json")
	require.NoError(t, err)

	var entries []adapterListEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 3)
	require.Equal(t, "go", entries[0].Name)
	require.False(t, entries[0].Installed)
	require.False(t, entries[0].Registered)
	require.Equal(t, "mock", entries[1].Name)
	require.True(t, entries[1].Installed)
	require.Equal(t, "python", entries[2].Name)
	require.Equal(t, "dcpdbg-adapter-python", entries[2].PackageName)
	require.True(t, entries[2].Installed)

	// Without dynamic loading only the registered adapters are listed.
	out, err = runCommand(t, "adapters", "--adapter-manifest-dir", dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "NAME"))
	require.Equal(t, []string{"mock", "dcpdbg-adapter-mock", "true", "true", "1.0.0"}, strings.Fields(lines[1]))
	require.Equal(t, []string{"python", "dcpdbg-adapter-python", "true", "true", "1.2.0"}, strings.Fields(lines[2]))
}

func TestRunAdapterFailsForUnknownLanguage(t *testing.T) {
	isolateEnv(t)
	dir := writeManifests(t)

	_, err := runCommand(t, "run-adapter", "ruby", "--adapter-manifest-dir", dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "No debug adapter registered for language: ruby. Available: mock, python")
}

func TestRunAdapterRunsUntilInterrupted(t *testing.T) {
	isolateEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := runCommandContext(t, ctx, "run-adapter", "mock")
	require.NoError(t, err)
	require.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

func TestRegistryFlagsOverrideSettings(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DCPDBG_MAX_INSTANCES_PER_LANGUAGE", "3")

	var rf registryFlags
	cmd := &cobra.Command{Use: "test"}
	addRegistryFlags(cmd.Flags(), &rf)

	require.NoError(t, cmd.Flags().Parse([]string{"--dynamic-loading"}))
	settings, err := loadSettings(cmd, &rf)
	require.NoError(t, err)
	require.Equal(t, 3, settings.Registry.MaxInstancesPerLanguage, "flags that were not set must not override the environment")
	require.True(t, settings.Registry.DynamicLoading)

	require.NoError(t, cmd.Flags().Parse([]string{"--max-instances", "5"}))
	settings, err = loadSettings(cmd, &rf)
	require.NoError(t, err)
	require.Equal(t, 5, settings.Registry.MaxInstancesPerLanguage)
}

func TestOutputFormatFlag(t *testing.T) {
	f := outputFormatTable
	require.NoError(t, f.Set("json"))
	require.Equal(t, outputFormatJSON, f)
	require.Error(t, f.Set("yaml"))
	require.Equal(t, outputFormatJSON, f)
}
