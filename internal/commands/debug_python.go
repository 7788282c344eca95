/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/dcpdbg/internal/networking"
	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/target"
)

type debugPythonFlags struct {
	pythonPath string
	port       int
}

type debugTargetInfo struct {
	Pid       process.Pid_t `json:"pid"`
	DebugPort int32         `json:"debugPort"`
	Address   string        `json:"address"`
}

func NewDebugPythonCommand(log logr.Logger) (*cobra.Command, error) {
	var flags debugPythonFlags

	debugPythonCmd := &cobra.Command{
		Use:   "debug-python <script> [-- args...]",
		Short: "Starts a Python program under debugpy",
		Long: `Starts a Python program under debugpy, waiting for a debug adapter to attach.

Prints the process ID and the debug port as a JSON object, then waits for the program to exit.
The program is terminated when dcpdbg receives an interrupt signal.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return debugPython(cmd, args[0], args[1:], &flags, log.WithName("debug-python"))
		},
	}

	debugPythonCmd.Flags().StringVar(&flags.pythonPath, "python", "", "Python interpreter to use. Uses the configured interpreter if not set")
	debugPythonCmd.Flags().IntVar(&flags.port, "port", 0, "Port for debugpy to listen on. A free port is allocated if not set")

	return debugPythonCmd, nil
}

func debugPython(cmd *cobra.Command, script string, args []string, flags *debugPythonFlags, log logr.Logger) error {
	ctx := cmd.Context()

	if flags.port != 0 && !networking.IsValidPort(flags.port) {
		return fmt.Errorf("invalid debug port: %d", flags.port)
	}

	settings, err := loadSettings(cmd, nil)
	if err != nil {
		log.Error(err, "Could not load configuration")
		return err
	}

	pythonPath := flags.pythonPath
	if pythonPath == "" {
		pythonPath = settings.Target.PythonPath
	}

	launcher := target.NewLauncher(process.NewLauncher(nil, log), networking.NewPortAllocator(log), log)
	launcher.SetTerminateGracePeriod(settings.Target.TerminateGracePeriod.Duration)

	// The target is terminated explicitly (gracefully) below, so it must outlive the command context.
	t, err := launcher.LaunchPythonDebugTarget(context.WithoutCancel(ctx), script, args, pythonPath, int32(flags.port))
	if err != nil {
		log.Error(err, "Could not start debug target")
		return err
	}

	if printErr := printJSON(cmd.OutOrStdout(), debugTargetInfo{
		Pid:       t.Process.Pid(),
		DebugPort: t.DebugPort,
		Address:   networking.AddressAndPort(networking.Localhost, t.DebugPort),
	}); printErr != nil {
		log.Error(printErr, "Could not print debug target information")
	}

	select {
	case <-ctx.Done():
		log.Info("Terminating debug target...", "Pid", t.Process.Pid())
		return t.Terminate(context.Background())
	case <-t.Process.Done():
		if exitCode := t.Process.ExitCode(); exitCode != 0 {
			return fmt.Errorf("debug target exited with code %d", exitCode)
		}
		return nil
	}
}
