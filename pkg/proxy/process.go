/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/microsoft/dcpdbg/pkg/events"
	"github.com/microsoft/dcpdbg/pkg/process"
)

const DefaultInitializationTimeout = 30 * time.Second

// Status values reported by the proxy script that mean the debug adapter is up and running.
const (
	StatusAdapterConfiguredAndLaunched = "adapter_configured_and_launched"
	StatusDryRunComplete               = "dry_run_complete"
)

type InitializationState int32

const (
	InitializationNone InitializationState = iota
	InitializationWaiting
	InitializationCompleted
	InitializationFailed
)

func (s InitializationState) String() string {
	switch s {
	case InitializationNone:
		return "none"
	case InitializationWaiting:
		return "waiting"
	case InitializationCompleted:
		return "completed"
	case InitializationFailed:
		return "failed"
	default:
		return fmt.Sprintf("InitializationState(%d)", int32(s))
	}
}

type IPCDiagnosticKind string

const (
	IPCSendStart    IPCDiagnosticKind = "ipc-send-start"
	IPCSendComplete IPCDiagnosticKind = "ipc-send-complete"
	IPCSendFailed   IPCDiagnosticKind = "ipc-send-failed"
	IPCSendError    IPCDiagnosticKind = "ipc-send-error"
)

// IPCDiagnostic describes a single step of sending a command to the proxy.
type IPCDiagnostic struct {
	Kind      IPCDiagnosticKind
	Pid       process.Pid_t
	Killed    bool
	Summary   string // JSON summary of the command (cmd, requestId, sessionId)
	Err       error
	Timestamp time.Time
}

// HandshakeObserver is notified once per proxy handle when the initialization handshake settles.
type HandshakeObserver interface {
	HandshakeSettled(state InitializationState, cause error, elapsed time.Duration)
}

// Process wraps a proxy process and implements the lazy initialization handshake:
// the proxy reports readiness via a "status" IPC message, and callers wait for it with WaitForInitialization().
//
// Events of the underlying process are forwarded until the handle is disposed.
// The handle disposes itself when the underlying process closes.
type Process struct {
	proc      process.Process
	id        uuid.UUID
	sessionID string
	log       logr.Logger
	observer  HandshakeObserver

	defaultTimeout time.Duration

	lock          *sync.Mutex
	state         InitializationState
	initErr       error
	initDone      chan struct{}
	initTimer     *time.Timer
	initStarted   time.Time
	stopListening events.Unsubscribe
	disposed      bool
	subs          []events.Unsubscribe

	ipcDiagnostics *events.Emitter[IPCDiagnostic]
}

func NewProcess(proc process.Process, sessionID string, log logr.Logger) *Process {
	id := uuid.New()
	p := &Process{
		proc:           proc,
		id:             id,
		sessionID:      sessionID,
		log:            log.WithValues("SessionID", sessionID, "ProxyHandle", id.String()),
		defaultTimeout: DefaultInitializationTimeout,
		lock:           &sync.Mutex{},
		state:          InitializationNone,
		ipcDiagnostics: events.NewEmitter[IPCDiagnostic](),
	}

	// Latched events may be delivered synchronously, so the lock must not be held here.
	exitSub := proc.OnExit(p.handleExit)
	closeSub := proc.OnClose(p.handleClose)

	p.lock.Lock()
	if !p.disposed {
		p.subs = append(p.subs, exitSub, closeSub)
	}
	p.lock.Unlock()

	return p
}

func (p *Process) ID() uuid.UUID {
	return p.id
}

func (p *Process) SessionID() string {
	return p.sessionID
}

func (p *Process) Pid() process.Pid_t {
	return p.proc.Pid()
}

func (p *Process) Stdin() io.WriteCloser {
	return p.proc.Stdin()
}

func (p *Process) Stdout() io.ReadCloser {
	return p.proc.Stdout()
}

func (p *Process) Stderr() io.ReadCloser {
	return p.proc.Stderr()
}

func (p *Process) Killed() bool {
	return p.proc.Killed()
}

func (p *Process) Exited() bool {
	return p.proc.Exited()
}

func (p *Process) ExitCode() int32 {
	return p.proc.ExitCode()
}

func (p *Process) SignalCode() string {
	return p.proc.SignalCode()
}

func (p *Process) Done() <-chan struct{} {
	return p.proc.Done()
}

func (p *Process) Send(msg any) error {
	return p.proc.Send(msg)
}

func (p *Process) Signal(sig syscall.Signal) error {
	return p.proc.Signal(sig)
}

func (p *Process) InitializationState() InitializationState {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.state
}

func (p *Process) Disposed() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.disposed
}

// Waits until the proxy reports that the debug adapter is configured and launched.
// A timeout <= 0 means the default timeout (30 seconds). All concurrent callers share the same handshake;
// the timeout passed by the first caller applies. Cancelling ctx stops only the wait of this caller.
func (p *Process) WaitForInitialization(ctx context.Context, timeout time.Duration) error {
	p.lock.Lock()

	switch p.state {
	case InitializationCompleted:
		p.lock.Unlock()
		return nil

	case InitializationFailed:
		cause := p.initErr
		p.lock.Unlock()
		if cause != nil {
			return fmt.Errorf("%w: %w", ErrInitializationAlreadySettled, cause)
		}
		return ErrInitializationAlreadySettled

	case InitializationNone:
		p.beginLocked(timeout)
	}

	done := p.initDone
	p.lock.Unlock()

	select {
	case <-done:
		p.lock.Lock()
		defer p.lock.Unlock()
		return p.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Starts listening for the proxy status (unless the handshake is already in progress or settled),
// then sends the passed command (if any) to the proxy. The outcome is reported by WaitForInitialization().
// Use this when the proxy reports its status only after being told to start; status messages
// that arrive before the handshake starts are not considered.
func (p *Process) BeginInitialization(timeout time.Duration, command any) error {
	p.lock.Lock()
	if p.state == InitializationNone {
		p.beginLocked(timeout)
	}
	p.lock.Unlock()

	if command == nil {
		return nil
	}
	return p.SendCommand(command)
}

func (p *Process) beginLocked(timeout time.Duration) {
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	p.state = InitializationWaiting
	p.initDone = make(chan struct{})
	p.initStarted = time.Now()
	p.stopListening = p.proc.OnMessage(p.handleStatusMessage)
	p.initTimer = time.AfterFunc(timeout, p.handleInitTimeout)
	p.log.V(1).Info("Waiting for proxy initialization", "Timeout", timeout.String())
}

// Signals the proxy process. Fails a pending initialization handshake first.
// Returns false if the process was already killed, or the handle was disposed.
func (p *Process) Kill(sig syscall.Signal) bool {
	p.lock.Lock()
	if p.disposed || p.proc.Killed() {
		p.lock.Unlock()
		return false
	}
	p.settleLocked(InitializationFailed, ErrKilledDuringInitialization)
	p.lock.Unlock()

	return p.proc.Kill(sig)
}

// Sends a command to the proxy over the IPC channel.
// The progress of the operation is reported via OnIPC() diagnostics.
func (p *Process) SendCommand(command any) error {
	data, marshalErr := json.Marshal(command)
	if marshalErr != nil {
		err := fmt.Errorf("IPC send threw error: could not serialize command: %w", marshalErr)
		p.ipcDiagnostics.Emit(IPCDiagnostic{Kind: IPCSendError, Pid: p.proc.Pid(), Err: err, Timestamp: time.Now()})
		return err
	}

	summary := commandSummary(data)
	pid := p.proc.Pid()
	p.ipcDiagnostics.Emit(IPCDiagnostic{Kind: IPCSendStart, Pid: pid, Summary: summary, Timestamp: time.Now()})

	if sendErr := p.proc.Send(json.RawMessage(data)); sendErr != nil {
		killed := p.proc.Killed()
		p.ipcDiagnostics.Emit(IPCDiagnostic{Kind: IPCSendFailed, Pid: pid, Killed: killed, Summary: summary, Err: sendErr, Timestamp: time.Now()})
		p.log.V(1).Info("Failed to send command to proxy", "Pid", pid, "Killed", killed, "Command", summary, "Error", sendErr.Error())
		return fmt.Errorf("failed to send command via IPC to proxy process %d (killed: %t): %w", pid, killed, sendErr)
	}

	p.ipcDiagnostics.Emit(IPCDiagnostic{Kind: IPCSendComplete, Pid: pid, Summary: summary, Timestamp: time.Now()})
	return nil
}

// Releases all listeners registered with the proxy handle and the underlying process.
// Fails a pending initialization handshake. Safe to call multiple times.
func (p *Process) Dispose() {
	p.lock.Lock()
	subs := p.disposeLocked(ErrExitedBeforeInitialization, ErrProxyDisposed)
	p.lock.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	p.ipcDiagnostics.Clear()
}

func (p *Process) OnSpawn(handler func()) events.Unsubscribe {
	return p.track(p.proc.OnSpawn(handler))
}

func (p *Process) OnMessage(handler func(process.Message)) events.Unsubscribe {
	return p.track(p.proc.OnMessage(handler))
}

func (p *Process) OnExit(handler func(process.ExitStatus)) events.Unsubscribe {
	return p.track(p.proc.OnExit(handler))
}

func (p *Process) OnClose(handler func(process.ExitStatus)) events.Unsubscribe {
	return p.track(p.proc.OnClose(handler))
}

func (p *Process) OnError(handler func(error)) events.Unsubscribe {
	return p.track(p.proc.OnError(handler))
}

func (p *Process) OnIPC(handler func(IPCDiagnostic)) events.Unsubscribe {
	if p.Disposed() {
		return func() {}
	}
	return p.ipcDiagnostics.On(handler)
}

func (p *Process) track(unsubscribe events.Unsubscribe) events.Unsubscribe {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.disposed {
		unsubscribe()
		return func() {}
	}
	p.subs = append(p.subs, unsubscribe)
	return unsubscribe
}

func (p *Process) handleStatusMessage(msg process.Message) {
	var status struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if msg.Decode(&status) != nil {
		// Not an object, or not a status message; not our concern.
		return
	}

	if status.Type == "status" && (status.Status == StatusAdapterConfiguredAndLaunched || status.Status == StatusDryRunComplete) {
		p.lock.Lock()
		p.settleLocked(InitializationCompleted, nil)
		p.lock.Unlock()
	}
}

func (p *Process) handleInitTimeout() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.settleLocked(InitializationFailed, fmt.Errorf("%w [handle %s]", ErrInitializationTimeout, p.id))
}

func (p *Process) handleExit(status process.ExitStatus) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.state == InitializationNone {
		// Nobody asked for initialization yet, but nobody will be able to get it either.
		p.state = InitializationFailed
		p.initErr = ErrExitedBeforeInitialization
		return
	}
	p.settleLocked(InitializationFailed, ErrExitedBeforeInitialization)
}

func (p *Process) handleClose(_ process.ExitStatus) {
	// The underlying process releases its own handlers after the close event,
	// removing them here would prevent delivery of the close event to handlers registered after ours.
	p.lock.Lock()
	_ = p.disposeLocked(ErrExitedBeforeInitialization, ErrExitedBeforeInitialization)
	p.lock.Unlock()
	p.ipcDiagnostics.Clear()
}

// Returns the subscriptions that should be released by the caller.
func (p *Process) disposeLocked(waitingCause, noneCause error) []events.Unsubscribe {
	if p.disposed {
		return nil
	}
	p.disposed = true

	switch p.state {
	case InitializationWaiting:
		p.settleLocked(InitializationFailed, waitingCause)
	case InitializationNone:
		p.state = InitializationFailed
		p.initErr = noneCause
	}

	subs := p.subs
	p.subs = nil
	p.log.V(1).Info("Proxy process handle disposed")
	return subs
}

// Settles the pending initialization handshake. Does nothing unless the handshake is pending.
func (p *Process) settleLocked(state InitializationState, err error) {
	if p.state != InitializationWaiting {
		return
	}

	p.state = state
	p.initErr = err
	if p.initTimer != nil {
		p.initTimer.Stop()
		p.initTimer = nil
	}
	if p.stopListening != nil {
		p.stopListening()
		p.stopListening = nil
	}
	close(p.initDone)

	elapsed := time.Since(p.initStarted)
	if err != nil {
		p.log.V(1).Info("Proxy initialization failed", "Error", err.Error(), "Elapsed", elapsed.String())
	} else {
		p.log.V(1).Info("Proxy initialization completed", "Elapsed", elapsed.String())
	}

	if p.observer != nil {
		p.observer.HandshakeSettled(state, err, elapsed)
	}
}

func commandSummary(data []byte) string {
	var fields struct {
		Cmd       string `json:"cmd,omitempty"`
		RequestID string `json:"requestId,omitempty"`
		SessionID string `json:"sessionId,omitempty"`
	}
	if json.Unmarshal(data, &fields) != nil {
		return "{}"
	}
	summary, _ := json.Marshal(fields)
	return string(summary)
}
