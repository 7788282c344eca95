/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"maps"
	"os"
	"slices"
	"strings"
)

const (
	// When set to a "truthy" value, the supervisor assumes it runs inside a container.
	// Process-group signalling is disabled, and dynamic adapter loading is enabled by default.
	ContainerModeEnvVar = "DCPDBG_CONTAINER"

	// Prefix of variables that carry test-harness configuration. Never propagated to child processes.
	TestEnvVarPrefix = "DCPDBG_TEST_"
)

// Variables set by test harnesses and Node tooling that change the behavior of proxy scripts
// and must not leak into child processes.
var harnessEnvVars = []string{
	"NODE_ENV",
	"VITEST",
	"JEST_WORKER_ID",
}

func ContainerModeEnabled() bool {
	return EnvVarSwitchEnabled(ContainerModeEnvVar)
}

// Converts a list of KEY=VALUE strings (as returned by os.Environ()) into a map.
// Entries without '=' are ignored. On Windows keys are case-insensitive, and the last occurrence wins.
func EnvironToMap(environ []string) map[string]string {
	retval := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			continue
		}
		retval[key] = value
	}
	return retval
}

// Converts the map into a list of KEY=VALUE strings, sorted by key for deterministic output.
func MapToEnviron(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	retval := make([]string, 0, len(keys))
	for _, key := range keys {
		retval = append(retval, key+"="+env[key])
	}
	return retval
}

// Returns true if the variable should be removed from child process environment.
func IsHarnessEnvVar(name string) bool {
	if strings.HasPrefix(strings.ToUpper(name), TestEnvVarPrefix) {
		return true
	}

	return slices.ContainsFunc(harnessEnvVars, func(v string) bool {
		if IsWindows() {
			return strings.EqualFold(v, name)
		}
		return v == name
	})
}

// Builds the environment for a child process.
// If env is nil, the current process environment is inherited; otherwise env replaces it.
// In both cases test-harness variables are removed.
func SanitizedEnvironment(env map[string]string) []string {
	var source map[string]string
	if env == nil {
		source = EnvironToMap(os.Environ())
	} else {
		source = maps.Clone(env)
	}

	maps.DeleteFunc(source, func(name string, _ string) bool {
		return IsHarnessEnvVar(name)
	})

	return MapToEnviron(source)
}
