/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
)

func (e *OSExecutor) stopSingleProcess(pid Pid_t, opts processStoppingOpts) error {
	osPid, err := PidT_ToInt(pid)
	if err != nil {
		return err
	}

	proc, err := FindProcess(pid)
	if err != nil {
		if (opts & optNotFoundIsError) != 0 {
			return fmt.Errorf("could not find process %d: %w", pid, err)
		} else {
			return nil
		}
	}

	var waitFunc WaitFunc = func() error {
		_, waitErr := proc.Wait()
		return waitErr
	}

	waitResultCh, waitEndedCh, shouldStopProcess := e.tryStartWaiting(pid, waitFunc, waitReasonStopping)

	if !shouldStopProcess && (opts&optIsResponsibleForStopping) == 0 {
		// Somebody else is stopping the process, wait for it to exit.
		<-waitEndedCh
		return nil
	}

	if (opts & optTrySignal) == optTrySignal {
		// Give the process a chance to gracefully exit.
		err = e.signalAndWaitForExit(proc, syscall.SIGTERM, waitResultCh)
		switch {
		case err == nil:
			e.log.V(1).Info("process stopped by SIGTERM", "pid", osPid)
			return nil
		case !errors.Is(err, context.DeadlineExceeded):
			return err
		}
	}

	err = e.signalAndWaitForExit(proc, syscall.SIGKILL, waitResultCh)
	switch {
	case err == nil:
		e.log.V(1).Info("process stopped by SIGKILL", "pid", osPid)
		return nil
	case !errors.Is(err, context.DeadlineExceeded):
		return err
	}

	return nil
}

// Sends a given signal to a process and waits for it to exit.
// If the process does not exit within the grace period, the function returns context.DeadlineExceeded.
func (e *OSExecutor) signalAndWaitForExit(proc *os.Process, sig syscall.Signal, waitResultCh <-chan waitResult) error {
	err := proc.Signal(sig)
	switch {
	case errors.Is(err, os.ErrProcessDone):
		return nil
	case err != nil:
		return fmt.Errorf("could not send signal %s to process %d: %w", signalName(sig), proc.Pid, err)
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(context.Background(), e.StopGracePeriod)
	defer cancelTimeout()

	select {

	case wr := <-waitResultCh:
		if wr.waitErr == nil || IsEarlyProcessExitError(wr.waitErr) {
			return nil
		}
		return fmt.Errorf("could not wait for process %d to exit: %w", proc.Pid, wr.waitErr)

	case <-timeoutCtx.Done():
		return context.DeadlineExceeded
	}
}
