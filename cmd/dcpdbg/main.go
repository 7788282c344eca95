/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/microsoft/dcpdbg/internal/commands"
	"github.com/microsoft/dcpdbg/pkg/logger"
	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("dcpdbg")

	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			os.Stderr.Write(commands.WithNewline([]byte(panicErr.Error())))
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	root, err := commands.NewRootCmd(log)
	if err != nil {
		stop()
		errorExit(log, err, errSetup)
	}

	err = root.ExecuteContext(ctx)
	stop()
	if err != nil {
		errorExit(log, err, errCommandError)
	}
	log.Flush()
}

func errorExit(log *logger.Logger, err error, code int) {
	os.Stderr.Write(commands.WithNewline([]byte(err.Error())))
	log.Flush()
	os.Exit(code)
}
