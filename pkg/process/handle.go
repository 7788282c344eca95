/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/microsoft/dcpdbg/pkg/events"
	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

var (
	ErrProcessNotStarted = errors.New("the process has not been started")
)

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// The process exit code, or UnknownExitCode if the process was terminated by a signal
	// or if the exit code could not be determined.
	ExitCode int32

	// The name of the signal that terminated the process (e.g. "SIGTERM"), or empty string.
	Signal string

	// Set if the process could not be tracked properly.
	Err error
}

// Process is a running (or finished) OS process with lifecycle notifications.
//
// The "spawn" and "exit" notifications are latched: a handler registered after the notification
// was delivered is invoked immediately. "close" is delivered after "exit", once the IPC channel
// (if any) has been drained. All handlers of one process are invoked sequentially, in event order.
type Process interface {
	Pid() Pid_t
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// Returns true if the process was successfully signalled via Kill(). Never reverts to false.
	Killed() bool
	Exited() bool
	// Returns UnknownExitCode until the process exits.
	ExitCode() int32
	// Returns the name of the signal that terminated the process, or empty string.
	SignalCode() string

	// Sends a message to the process over the IPC channel.
	Send(msg any) error

	// Signals the process (process group, if applicable) and marks it as killed.
	// Returns false if the process was already killed or exited, or if the signal could not be delivered.
	Kill(sig syscall.Signal) bool

	// Delivers the signal regardless of the "killed" state. Used for escalation.
	Signal(sig syscall.Signal) error

	OnSpawn(handler func()) events.Unsubscribe
	OnMessage(handler func(Message)) events.Unsubscribe
	OnExit(handler func(ExitStatus)) events.Unsubscribe
	OnClose(handler func(ExitStatus)) events.Unsubscribe
	OnError(handler func(error)) events.Unsubscribe

	// Returns a channel that is closed when the process exits.
	Done() <-chan struct{}
}

type handleEventKind uint8

const (
	handleEventSpawn handleEventKind = iota
	handleEventMessage
	handleEventError
	handleEventExit
	handleEventClose
)

type handleEvent struct {
	kind    handleEventKind
	message Message
	status  ExitStatus
	err     error
}

// Handle is the Process implementation for OS processes started by Launcher.
type Handle struct {
	cmd       *exec.Cmd
	pid       Pid_t
	groupKill bool
	ipc       *Channel
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser

	lock         *sync.Mutex
	killed       bool
	exited       bool
	status       ExitStatus
	exitPosted   bool
	postedStatus ExitStatus
	ipcDone      bool
	eventsClosed bool

	queue    *chanx.UnboundedChan[handleEvent]
	spawned  *events.Latch[struct{}]
	exit     *events.Latch[ExitStatus]
	closed   *events.Latch[ExitStatus]
	messages *events.Emitter[Message]
	errs     *events.Emitter[error]

	log logr.Logger
}

func newHandle(cmd *exec.Cmd, log logr.Logger) *Handle {
	h := &Handle{
		cmd:      cmd,
		pid:      UnknownPID,
		lock:     &sync.Mutex{},
		status:   ExitStatus{ExitCode: UnknownExitCode},
		queue:    chanx.NewUnboundedChan[handleEvent](context.Background(), 4),
		spawned:  events.NewLatch[struct{}](),
		exit:     events.NewLatch[ExitStatus](),
		closed:   events.NewLatch[ExitStatus](),
		messages: events.NewEmitter[Message](),
		errs:     events.NewEmitter[error](),
		log:      log,
	}

	go h.dispatchEvents()

	return h
}

func (h *Handle) Pid() Pid_t {
	return h.pid
}

func (h *Handle) Stdin() io.WriteCloser {
	return h.stdin
}

func (h *Handle) Stdout() io.ReadCloser {
	return h.stdout
}

func (h *Handle) Stderr() io.ReadCloser {
	return h.stderr
}

func (h *Handle) Killed() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.killed
}

func (h *Handle) Exited() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.exited
}

func (h *Handle) ExitCode() int32 {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.status.ExitCode
}

func (h *Handle) SignalCode() string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.status.Signal
}

func (h *Handle) Send(msg any) error {
	if h.ipc == nil {
		return ErrIPCNotAvailable
	}

	h.lock.Lock()
	ipcDone := h.ipcDone
	h.lock.Unlock()
	if ipcDone {
		return ErrIPCClosed
	}

	return h.ipc.Send(msg)
}

func (h *Handle) Kill(sig syscall.Signal) bool {
	h.lock.Lock()
	if h.killed || h.exited || h.pid == UnknownPID {
		h.lock.Unlock()
		return false
	}
	h.lock.Unlock()

	if err := h.Signal(sig); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			h.postEvent(handleEvent{kind: handleEventError, err: err})
		}
		return false
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	alreadyKilled := h.killed
	h.killed = true
	return !alreadyKilled
}

func (h *Handle) Signal(sig syscall.Signal) error {
	if h.pid == UnknownPID || h.cmd.Process == nil {
		return ErrProcessNotStarted
	}
	if h.Exited() {
		return os.ErrProcessDone
	}

	if h.groupKill {
		groupErr := signalProcessGroup(h.pid, sig)
		if groupErr == nil {
			h.log.V(1).Info("signalled process group", "pid", h.pid, "signal", signalName(sig))
			return nil
		}
		h.log.V(1).Info("could not signal process group, signalling the process only", "pid", h.pid, "signal", signalName(sig), "error", groupErr.Error())
	}

	if err := signalSingleProcess(h.cmd.Process, h.pid, sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return fmt.Errorf("could not send signal %s to process %d: %w", signalName(sig), h.pid, err)
	}

	h.log.V(1).Info("signalled process", "pid", h.pid, "signal", signalName(sig))
	return nil
}

func (h *Handle) OnSpawn(handler func()) events.Unsubscribe {
	if handler == nil {
		return func() {}
	}
	return h.spawned.On(func(struct{}) { handler() })
}

func (h *Handle) OnMessage(handler func(Message)) events.Unsubscribe {
	return h.messages.On(handler)
}

func (h *Handle) OnExit(handler func(ExitStatus)) events.Unsubscribe {
	return h.exit.On(handler)
}

func (h *Handle) OnClose(handler func(ExitStatus)) events.Unsubscribe {
	return h.closed.On(handler)
}

func (h *Handle) OnError(handler func(error)) events.Unsubscribe {
	return h.errs.On(handler)
}

func (h *Handle) Done() <-chan struct{} {
	return h.exit.Done()
}

// Waits for the process to exit, or for the context to be cancelled.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.exit.Done():
		status, _ := h.exit.Value()
		return status, nil
	case <-ctx.Done():
		return ExitStatus{ExitCode: UnknownExitCode}, ctx.Err()
	}
}

// Removes all handlers. The process itself is not affected.
func (h *Handle) Dispose() {
	h.spawned.Clear()
	h.exit.Clear()
	h.closed.Clear()
	h.messages.Clear()
	h.errs.Clear()
}

// Called by the executor when the process exits.
func (h *Handle) onProcessExited(pid Pid_t, exitCode int32, err error) {
	status := ExitStatus{ExitCode: exitCode, Err: err}
	if h.cmd.ProcessState != nil {
		status.ExitCode, status.Signal = exitStatus(h.cmd.ProcessState)
	}

	if err != nil && !IsEarlyProcessExitError(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		h.postEvent(handleEvent{kind: handleEventError, err: fmt.Errorf("could not track process %d: %w", pid, err)})
	}

	h.postEvent(handleEvent{kind: handleEventExit, status: status})

	h.lock.Lock()
	h.exitPosted = true
	h.postedStatus = status
	h.lock.Unlock()

	h.maybeClose()
}

func (h *Handle) receiveMessages() {
	h.ipc.Receive(
		func(msg Message) {
			h.postEvent(handleEvent{kind: handleEventMessage, message: msg})
		},
		func(err error) {
			h.postEvent(handleEvent{kind: handleEventError, err: err})
		},
	)
	_ = h.ipc.Close()

	h.lock.Lock()
	h.ipcDone = true
	h.lock.Unlock()

	h.maybeClose()
}

// Posts the close event once the process has exited AND the IPC channel has been drained.
// The close event is the last event delivered for the process.
func (h *Handle) maybeClose() {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.exitPosted || !h.ipcDone || h.eventsClosed {
		return
	}

	h.queue.In <- handleEvent{kind: handleEventClose, status: h.postedStatus}
	h.eventsClosed = true
	close(h.queue.In)
}

// Stops the event dispatcher of a handle for a process that never started.
func (h *Handle) abandon() {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.eventsClosed {
		h.eventsClosed = true
		close(h.queue.In)
	}
}

func (h *Handle) postEvent(ev handleEvent) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.eventsClosed {
		h.log.V(1).Info("process event dropped, the process is closed", "pid", h.pid, "event", ev.kind)
		return
	}

	h.queue.In <- ev
}

func (h *Handle) dispatchEvents() {
	for ev := range h.queue.Out {
		h.dispatch(ev)
	}
}

func (h *Handle) dispatch(ev handleEvent) {
	defer func() {
		if r := recover(); r != nil {
			_ = resiliency.MakePanicError(r, h.log)
		}
	}()

	switch ev.kind {

	case handleEventSpawn:
		h.spawned.Fire(struct{}{})

	case handleEventMessage:
		h.messages.Emit(ev.message)

	case handleEventError:
		if h.errs.Emit(ev.err) == 0 {
			// Nobody is listening for process errors; make sure they are not lost.
			h.log.Error(ev.err, "process error", "pid", h.pid)
		}

	case handleEventExit:
		h.lock.Lock()
		h.exited = true
		h.status = ev.status
		h.lock.Unlock()

		h.log.V(1).Info("process exited", "pid", h.pid, "exitCode", ev.status.ExitCode, "signal", ev.status.Signal)
		h.exit.Fire(ev.status)

	case handleEventClose:
		h.closed.Fire(ev.status)

		// No more events will be delivered, release all handlers.
		h.messages.Clear()
		h.errs.Clear()
	}
}

var _ Process = (*Handle)(nil)
