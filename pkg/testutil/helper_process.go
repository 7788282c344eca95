/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package testutil

import (
	"fmt"
	"os"
	"slices"
)

// Tests that need real child processes re-execute the test binary in "helper" mode.
// The first argument selects helper mode, the second one names the behavior to run,
// and the remaining arguments are passed to the behavior.
const HelperProcessArg = "dcpdbg-test-helper"

// A helper process behavior. The returned value is used as the process exit code.
type HelperBehavior func(args []string) int

// Must be called from TestMain() before m.Run().
// If the test binary was started as a helper process, runs the requested behavior and exits.
func RunHelperProcessIfRequested(behaviors map[string]HelperBehavior) {
	idx := slices.Index(os.Args, HelperProcessArg)
	if idx < 0 || idx+1 >= len(os.Args) {
		return
	}

	name := os.Args[idx+1]
	behavior, found := behaviors[name]
	if !found {
		fmt.Fprintf(os.Stderr, "unknown helper behavior '%s'\n", name)
		os.Exit(99)
	}

	os.Exit(behavior(os.Args[idx+2:]))
}

// Returns the command and arguments that start the current test binary as a helper process.
func HelperProcessCommand(behavior string, args ...string) (string, []string) {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	return exe, append([]string{HelperProcessArg, behavior}, args...)
}
