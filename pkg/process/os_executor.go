/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

type waitReason uint32

const (
	waitReasonNone       waitReason = 0x0
	waitReasonMonitoring waitReason = 0x1
	waitReasonStopping   waitReason = 0x2
)

const (
	// How long a process has to exit after receiving SIGTERM before we resort to SIGKILL.
	defaultStopGracePeriod = 10 * time.Second

	// How long we keep information about processes that have exited.
	maxCompletedDuration = 1 * time.Minute
)

type waitResult struct {
	waitErr error // The error returned by the wait function, if any
}

type waitState struct {
	waitable     Waitable        // The waitable that is being waited on
	waitEndedCh  chan struct{}   // A channel that gets closed when the wait ends
	waitResultCh chan waitResult // A channel that delivers the result of the wait
	waitEnded    time.Time       // The time when the wait function ended
	reason       waitReason      // The reason why are waiting on the process
}

type Waitable interface {
	Wait() error
}

type WaitFunc func() error

func (f WaitFunc) Wait() error {
	return f()
}

type OSExecutor struct {
	// How long to wait for a process to exit after asking it politely (SIGTERM).
	StopGracePeriod time.Duration

	procsWaiting map[Pid_t]*waitState
	lock         *sync.Mutex
	log          logr.Logger
}

func NewOSExecutor(log logr.Logger) *OSExecutor {
	return &OSExecutor{
		StopGracePeriod: defaultStopGracePeriod,
		procsWaiting:    make(map[Pid_t]*waitState),
		lock:            &sync.Mutex{},
		log:             log.WithName("os-executor"),
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler) (Pid_t, func(), error) {
	if err := cmd.Start(); err != nil {
		return UnknownPID, nil, err
	}

	pid, err := IntToPidT(cmd.Process.Pid)
	if err != nil {
		return UnknownPID, nil, err
	}

	// Get the wait result channel, but do not actually start waiting
	// This also has the effect of tying the wait for this process to the command that started it.
	waitResultCh, _, _ := e.tryStartWaiting(pid, cmd, waitReasonNone)

	// Start the goroutine that waits for the context to expire.
	go func() {
		select {

		case wr := <-waitResultCh:
			// The process exited before the context expired.
			if handler != nil {
				exitCode, execError := getProcessExecResult(wr.waitErr, cmd)
				handler.OnProcessExited(pid, exitCode, execError)
			}

		case <-ctx.Done():
			_, _, shouldStopProcess := e.tryStartWaiting(pid, cmd, waitReasonStopping)
			var stopProcessErr error = nil

			if shouldStopProcess {
				stopProcessErr = e.stopProcessInternal(pid, optIsResponsibleForStopping)
				if stopProcessErr != nil {
					if handler != nil {
						// Let the caller know that the process did not stop upon context expiration
						handler.OnProcessExited(pid, UnknownExitCode, errors.Join(stopProcessErr, ctx.Err()))
					}

					// There is no point waiting for the result if the process could not be stopped and we reported the error.
					return
				}
			}

			wr := <-waitResultCh

			if handler != nil {
				exitCode, execError := getProcessExecResult(wr.waitErr, cmd)
				handler.OnProcessExited(pid, exitCode, errors.Join(execError, ctx.Err()))
			}
		}
	}()

	startWaitingForProcessExit := func() {
		_, _, _ = e.tryStartWaiting(pid, cmd, waitReasonMonitoring)
	}

	return pid, startWaitingForProcessExit, nil
}

// Atomically starts waiting on the passed waitable if noting is already waiting in association with the process
// identified by PID. If the process is already being waited on, the reason is updated.
//
// Returns the channel that can be used to retrieve the wait result, the channel that signals the wait ended,
// and a boolean indicating whether the caller is the first one to indicate that the reason for the wait
// is "stopping the process", and thus IT is the caller that must stop the process.
func (e *OSExecutor) tryStartWaiting(pid Pid_t, waitable Waitable, reason waitReason) (<-chan waitResult, <-chan struct{}, bool) {
	doWait := func(ws *waitState) {
		err := ws.waitable.Wait()

		e.acquireLock()
		defer e.releaseLock()

		ws.waitEnded = time.Now()

		// There might be up to two different goroutines reading from the wait result channel:
		// the one that was started by StartProcess() and the one that was started by StopProcess().
		// We need to ensure that both of them are able get the result.
		ws.waitResultCh <- waitResult{waitErr: err}
		ws.waitResultCh <- waitResult{waitErr: err}
		close(ws.waitResultCh)
		close(ws.waitEndedCh)
	}

	e.acquireLock()
	defer e.releaseLock()

	ws, found := e.procsWaiting[pid]
	callerShouldStopProcess := false

	if found {
		if !ws.waitEnded.IsZero() {
			// The process has already exited, and we captured the wait result, there is no need to start waiting again,
			// or update anything.
			return ws.waitResultCh, ws.waitEndedCh, false
		}

		callerShouldStopProcess = (reason&waitReasonStopping) != 0 && (ws.reason&waitReasonStopping) == 0
		if ws.reason == waitReasonNone && reason != waitReasonNone {
			go doWait(ws)
		}
		ws.reason |= reason
	} else {
		callerShouldStopProcess = (reason & waitReasonStopping) != 0
		ws = &waitState{
			waitable:     waitable,
			waitResultCh: make(chan waitResult, 2),
			waitEndedCh:  make(chan struct{}),
			reason:       reason,
		}
		e.procsWaiting[pid] = ws
		if reason != waitReasonNone {
			go doWait(ws)
		}
	}

	return ws.waitResultCh, ws.waitEndedCh, callerShouldStopProcess
}

// Returns the process execution error and process exit code depending on the result of command wait call.
func getProcessExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	if waitErr == nil {
		exitCode, _ := exitStatus(cmd.ProcessState)
		return exitCode, nil
	} else if errors.As(waitErr, &ee) {
		exitCode, _ := exitStatus(ee.ProcessState)
		return exitCode, nil
	} else {
		return UnknownExitCode, waitErr
	}
}

func (e *OSExecutor) acquireLock() {
	e.lock.Lock()

	// Only keep wait states that correspond to processes that are still running, or the ones that completed recently
	maps.DeleteFunc(e.procsWaiting, func(_ Pid_t, ws *waitState) bool {
		return !ws.waitEnded.IsZero() && time.Since(ws.waitEnded) >= maxCompletedDuration
	})
}

func (e *OSExecutor) releaseLock() {
	e.lock.Unlock()
}

func (e *OSExecutor) StopProcess(pid Pid_t) error {
	return e.stopProcessInternal(pid, optNone)
}

func (e *OSExecutor) stopProcessInternal(pid Pid_t, opts processStoppingOpts) error {
	tree, err := GetProcessTree(pid)
	if err != nil {
		if errors.Is(err, ErrorProcessNotFound) && (opts&optIsResponsibleForStopping) != 0 {
			// The process exited on its own in the meantime.
			return nil
		}
		return fmt.Errorf("could not get process tree for process %d: %w", pid, err)
	}

	e.log.V(1).Info("stopping process tree", "root", pid, "tree", tree)

	// If the root process cannot be stopped, don't bother with the rest of the tree.
	stopErr := e.stopSingleProcess(pid, opts|optNotFoundIsError|optTrySignal)
	if stopErr != nil {
		e.log.Error(stopErr, "could not stop root process", "root", pid)
		return stopErr
	}

	tree = tree[1:] // We have processed the root
	if len(tree) == 0 {
		return nil
	}

	childStoppingErrors := make([]error, len(tree))
	var wg sync.WaitGroup
	for i, childPid := range tree {
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Retry stopping the child process as we occasionally see transient "Access Denied" errors.
			const childStopTimeout = 2 * time.Second
			childStoppingErrors[i] = resiliency.RetryExponentialWithTimeout(context.Background(), childStopTimeout, func() error {
				return e.stopSingleProcess(childPid, optNone)
			})
		}()
	}
	wg.Wait()

	if childErr := errors.Join(childStoppingErrors...); childErr != nil {
		return fmt.Errorf("some children processes could not be stopped: %w", childErr)
	}

	return nil
}

type processStoppingOpts uint16

const (
	optNone            processStoppingOpts = 0
	optNotFoundIsError processStoppingOpts = 0x1
	optTrySignal       processStoppingOpts = 0x2

	// The caller is responsible for stopping the process, disregard "shouldStopProcess" value returned by tryStartWaiting().
	optIsResponsibleForStopping processStoppingOpts = 0x8
)

func IntToPidT(val int) (Pid_t, error) {
	return convertPid[int, Pid_t](val)
}

var _ Executor = (*OSExecutor)(nil)
