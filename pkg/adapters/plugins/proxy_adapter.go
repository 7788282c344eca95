/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/events"
	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/proxy"
)

// Status values reported by proxy scripts when the debugger client connects to (or disconnects from) the adapter.
const (
	StatusAdapterConnected    = "adapter_connected"
	StatusAdapterDisconnected = "adapter_disconnected"
)

const proxyStopGracePeriod = 5 * time.Second

var errAdapterDisposed = errors.New("adapter has been disposed")

// An adapter hosted by a proxy process launched from a manifest-described script.
type proxyAdapter struct {
	manifest  *Manifest
	launcher  adapters.ProxyLauncher
	log       logr.Logger
	sessionID string

	// Serializes state change notifications, so that they are delivered in order.
	notifyLock *sync.Mutex

	lock     *sync.Mutex
	state    adapters.State
	proc     *proxy.Process
	procSubs []events.Unsubscribe
	disposed bool

	// Connection state reported by the proxy before initialization completed.
	pendingState adapters.State

	stateChanges  *events.Emitter[adapters.StateChange]
	disposedLatch *events.Latch[struct{}]
}

func newProxyAdapter(manifest *Manifest, deps adapters.Dependencies) *proxyAdapter {
	sessionID := uuid.NewString()
	return &proxyAdapter{
		manifest:      manifest,
		launcher:      deps.ProxyLauncher,
		log:           deps.Logger.WithName("proxy-adapter").WithValues("AdapterSessionID", sessionID),
		sessionID:     sessionID,
		notifyLock:    &sync.Mutex{},
		lock:          &sync.Mutex{},
		state:         adapters.StateUninitialized,
		stateChanges:  events.NewEmitter[adapters.StateChange](),
		disposedLatch: events.NewLatch[struct{}](),
	}
}

func (a *proxyAdapter) Language() string {
	return a.manifest.Language
}

func (a *proxyAdapter) State() adapters.State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

// Launches the proxy and waits for it to report that the debug adapter is running.
func (a *proxyAdapter) Initialize(ctx context.Context) error {
	a.lock.Lock()
	if a.disposed {
		a.lock.Unlock()
		return errAdapterDisposed
	}
	if a.state != adapters.StateUninitialized {
		a.lock.Unlock()
		return fmt.Errorf("%s adapter is already initialized (state: %s)", a.manifest.Language, a.state)
	}
	a.lock.Unlock()

	a.setState(adapters.StateInitializing)

	proc, launchErr := a.launcher.LaunchProxy(ctx, a.manifest.ScriptPath(), a.sessionID, a.manifest.Proxy.Env)
	if launchErr != nil {
		a.setState(adapters.StateError)
		return launchErr
	}

	a.lock.Lock()
	if a.disposed {
		a.lock.Unlock()
		a.stopProxy(context.Background(), proc)
		return errAdapterDisposed
	}
	a.proc = proc
	a.lock.Unlock()

	// Subscriptions are made without holding the lock, handlers may run immediately.
	subs := []events.Unsubscribe{
		proc.OnMessage(a.onProxyMessage),
		proc.OnExit(a.onProxyExit),
	}
	a.lock.Lock()
	a.procSubs = subs
	a.lock.Unlock()

	var initCommand any
	if len(a.manifest.Proxy.InitCommand) > 0 {
		initCommand = a.manifest.Proxy.InitCommand
	}
	timeout := a.manifest.Proxy.InitializationTimeout
	initErr := proc.BeginInitialization(timeout, initCommand)
	if initErr == nil {
		initErr = proc.WaitForInitialization(ctx, timeout)
	}
	if initErr != nil {
		a.log.Info("Proxy initialization failed", "Error", initErr.Error())
		a.setState(adapters.StateError)
		return fmt.Errorf("%s adapter proxy did not start: %w", a.manifest.Language, initErr)
	}

	a.log.V(1).Info("Proxy initialized", "Pid", proc.Pid())
	a.completeInitialization()
	return nil
}

// Stops the proxy process (if running). Safe to call multiple times.
func (a *proxyAdapter) Dispose(ctx context.Context) error {
	a.lock.Lock()
	if a.disposed {
		a.lock.Unlock()
		return nil
	}
	a.disposed = true
	proc := a.proc
	subs := a.procSubs
	a.procSubs = nil
	a.lock.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}

	var stopErr error
	if proc != nil {
		stopErr = a.stopProxy(ctx, proc)
	}

	a.disposedLatch.Fire(struct{}{})
	a.stateChanges.Clear()
	return stopErr
}

func (a *proxyAdapter) OnStateChanged(handler func(adapters.StateChange)) events.Unsubscribe {
	return a.stateChanges.On(handler)
}

func (a *proxyAdapter) OnDisposed(handler func()) events.Unsubscribe {
	return a.disposedLatch.On(func(struct{}) { handler() })
}

// Asks the proxy to terminate, and kills it if it does not exit within the grace period.
func (a *proxyAdapter) stopProxy(ctx context.Context, proc *proxy.Process) error {
	defer proc.Dispose()

	if proc.Exited() {
		return nil
	}
	proc.Kill(syscall.SIGTERM)

	timer := time.NewTimer(proxyStopGracePeriod)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	a.log.Info("Proxy did not exit after SIGTERM, sending SIGKILL", "Pid", proc.Pid())
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("could not stop %s adapter proxy (PID %d): %w", a.manifest.Language, proc.Pid(), err)
	}
	return nil
}

func (a *proxyAdapter) onProxyMessage(msg process.Message) {
	var status struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	}
	if msg.Decode(&status) != nil || status.Type != "status" {
		return
	}

	var s adapters.State
	switch status.Status {
	case StatusAdapterConnected:
		s = adapters.StateConnected
	case StatusAdapterDisconnected:
		s = adapters.StateDisconnected
	default:
		return
	}

	a.notifyLock.Lock()
	defer a.notifyLock.Unlock()

	a.lock.Lock()
	if a.state == adapters.StateInitializing {
		a.pendingState = s
		a.lock.Unlock()
		return
	}
	a.lock.Unlock()
	a.setStateLocked(s)
}

// Moves the adapter to the ready state, followed by the connection state reported during initialization (if any).
func (a *proxyAdapter) completeInitialization() {
	a.notifyLock.Lock()
	defer a.notifyLock.Unlock()

	a.setStateLocked(adapters.StateReady)

	a.lock.Lock()
	pending := a.pendingState
	a.pendingState = ""
	a.lock.Unlock()
	if pending != "" {
		a.setStateLocked(pending)
	}
}

func (a *proxyAdapter) onProxyExit(status process.ExitStatus) {
	a.lock.Lock()
	initializing := a.state == adapters.StateInitializing
	a.lock.Unlock()
	if initializing {
		// Reported by Initialize() as a handshake failure.
		return
	}

	a.log.V(1).Info("Proxy exited", "ExitCode", status.ExitCode, "Signal", status.Signal)
	if status.ExitCode == 0 {
		a.setState(adapters.StateDisconnected)
	} else {
		a.setState(adapters.StateError)
	}
}

func (a *proxyAdapter) setState(s adapters.State) {
	a.notifyLock.Lock()
	defer a.notifyLock.Unlock()
	a.setStateLocked(s)
}

// Must be called with notifyLock held.
func (a *proxyAdapter) setStateLocked(s adapters.State) {
	a.lock.Lock()
	if a.disposed || a.state == s {
		a.lock.Unlock()
		return
	}
	old := a.state
	a.state = s
	a.lock.Unlock()

	a.stateChanges.Emit(adapters.StateChange{Old: old, New: s})
}
