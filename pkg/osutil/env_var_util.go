/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Returns true if the environment variable "switch" is enabled.
// The environment variable is considered enabled if it is set to one of the "truthy" values:
// "1", "true", "on", or "yes".
func EnvVarSwitchEnabled(varName string) bool {
	value, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(value) == "" {
		return false
	}

	return isTruthy(value)
}

// Like EnvVarSwitchEnabled(), but returns the default value if the variable is not set.
// Explicitly set values that are not "truthy" are treated as false.
func EnvVarSwitchWithDefault(varName string, defaultVal bool) bool {
	value, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(value) == "" {
		return defaultVal
	}

	return isTruthy(value)
}

func isTruthy(value string) bool {
	value = strings.TrimSpace(value)
	return strings.EqualFold(value, "1") ||
		strings.EqualFold(value, "true") ||
		strings.EqualFold(value, "on") ||
		strings.EqualFold(value, "yes")
}

func EnvVarIntVal(varName string) (int, bool) {
	value, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(value) == "" {
		return 0, false
	}

	value = strings.TrimSpace(value)
	val, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return 0, false
	}

	return int(val), true
}

func EnvVarStringWithDefault(varName string, defaultVal string) string {
	val, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(val) == "" {
		return defaultVal
	} else {
		return val
	}
}

func EnvVarIntValWithDefault(varName string, defaultVal int) int {
	val, found := EnvVarIntVal(varName)
	if !found {
		return defaultVal
	} else {
		return val
	}
}

// Parses the environment variable as a Go duration ("1m30s").
// Plain integers are interpreted as milliseconds.
func EnvVarDurationValWithDefault(varName string, defaultVal time.Duration) time.Duration {
	value, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(value) == "" {
		return defaultVal
	}

	value = strings.TrimSpace(value)
	if ms, intErr := strconv.ParseInt(value, 10, 64); intErr == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}

	val, err := time.ParseDuration(value)
	if err != nil {
		return defaultVal
	}

	return val
}

// Splits a comma-separated environment variable value into a list of trimmed, non-empty items.
func EnvVarListVal(varName string) ([]string, bool) {
	value, found := os.LookupEnv(varName)
	if !found || strings.TrimSpace(value) == "" {
		return nil, false
	}

	var retval []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			retval = append(retval, item)
		}
	}
	return retval, len(retval) > 0
}
