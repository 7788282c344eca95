/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build windows

package process

import (
	"errors"
	"fmt"
	"os"
)

func (e *OSExecutor) stopSingleProcess(pid Pid_t, opts processStoppingOpts) error {
	proc, err := FindProcess(pid)
	if err != nil {
		if (opts & optNotFoundIsError) != 0 {
			return fmt.Errorf("could not find process %d: %w", pid, err)
		} else {
			return nil
		}
	}

	// Windows has no signals, and there is no universal way to "ask a process to stop",
	// so we just kill the process, but before that, we need to check if we are not already waiting for the process.
	var waitFunc WaitFunc = func() error {
		_, waitErr := proc.Wait()
		return waitErr
	}

	_, waitEndedCh, shouldStopProcess := e.tryStartWaiting(pid, waitFunc, waitReasonStopping)

	if shouldStopProcess || (opts&optIsResponsibleForStopping) != 0 {
		e.log.V(1).Info("killing process", "pid", pid)
		err = proc.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
	}

	e.log.V(1).Info("waiting for process to stop", "pid", pid)
	<-waitEndedCh

	return nil
}
