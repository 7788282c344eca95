/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/events"
)

const MockLanguage = "mock"

// MockFactory creates in-process adapters that do not talk to any debugger.
// Used for exercising the supervisor (and its clients) without installing a real adapter.
type MockFactory struct{}

var _ adapters.Factory = MockFactory{}

func NewMockFactory() MockFactory {
	return MockFactory{}
}

func (MockFactory) Validate(_ context.Context) (adapters.ValidationResult, error) {
	return adapters.ValidationResult{Valid: true}, nil
}

func (MockFactory) Metadata() adapters.Metadata {
	return adapters.Metadata{
		Language:    MockLanguage,
		DisplayName: "Mock",
		Version:     "1.0.0",
		Description: "Mock adapter for testing",
	}
}

func (MockFactory) CreateAdapter(deps adapters.Dependencies) (adapters.Adapter, error) {
	log := deps.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &MockAdapter{
		log:           log.WithName("mock-adapter"),
		notifyLock:    &sync.Mutex{},
		lock:          &sync.Mutex{},
		state:         adapters.StateUninitialized,
		stateChanges:  events.NewEmitter[adapters.StateChange](),
		disposedLatch: events.NewLatch[struct{}](),
	}, nil
}

// MockAdapter moves between states only when told to.
type MockAdapter struct {
	log logr.Logger

	// Serializes state change notifications.
	notifyLock *sync.Mutex

	lock     *sync.Mutex
	state    adapters.State
	disposed bool

	stateChanges  *events.Emitter[adapters.StateChange]
	disposedLatch *events.Latch[struct{}]
}

var _ adapters.Adapter = (*MockAdapter)(nil)

func (a *MockAdapter) Language() string {
	return MockLanguage
}

func (a *MockAdapter) State() adapters.State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

func (a *MockAdapter) Initialize(ctx context.Context) error {
	a.setState(adapters.StateInitializing)
	if err := ctx.Err(); err != nil {
		a.setState(adapters.StateError)
		return err
	}
	a.setState(adapters.StateReady)
	return nil
}

func (a *MockAdapter) Dispose(_ context.Context) error {
	a.lock.Lock()
	if a.disposed {
		a.lock.Unlock()
		return nil
	}
	a.disposed = true
	a.lock.Unlock()

	a.log.V(1).Info("Mock adapter disposed")
	a.disposedLatch.Fire(struct{}{})
	a.stateChanges.Clear()
	return nil
}

func (a *MockAdapter) OnStateChanged(handler func(adapters.StateChange)) events.Unsubscribe {
	return a.stateChanges.On(handler)
}

func (a *MockAdapter) OnDisposed(handler func()) events.Unsubscribe {
	return a.disposedLatch.On(func(struct{}) { handler() })
}

func (a *MockAdapter) Connect() {
	a.setState(adapters.StateConnected)
}

func (a *MockAdapter) StartDebugging() {
	a.setState(adapters.StateDebugging)
}

func (a *MockAdapter) Disconnect() {
	a.setState(adapters.StateDisconnected)
}

func (a *MockAdapter) Fail() {
	a.setState(adapters.StateError)
}

func (a *MockAdapter) setState(s adapters.State) {
	a.notifyLock.Lock()
	defer a.notifyLock.Unlock()

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
