/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/microsoft/dcpdbg/pkg/events"
)

type fakeAdapter struct {
	language string
	deps     Dependencies

	lock         *sync.Mutex
	state        State
	stateChanges *events.Emitter[StateChange]
	disposed     *events.Latch[struct{}]

	initErr      error
	disposeErr   error
	disposeCalls atomic.Int32

	// If set, Initialize() signals initStarted (if set) and blocks until initGate is closed.
	initGate    chan struct{}
	initStarted chan struct{}
}

func newFakeAdapter(language string, deps Dependencies) *fakeAdapter {
	return &fakeAdapter{
		language:     language,
		deps:         deps,
		lock:         &sync.Mutex{},
		state:        StateUninitialized,
		stateChanges: events.NewEmitter[StateChange](),
		disposed:     events.NewLatch[struct{}](),
	}
}

func (a *fakeAdapter) Language() string {
	return a.language
}

func (a *fakeAdapter) State() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.state
}

func (a *fakeAdapter) Initialize(_ context.Context) error {
	if a.initGate != nil {
		if a.initStarted != nil {
			a.initStarted <- struct{}{}
		}
		<-a.initGate
	}
	if a.initErr != nil {
		a.setState(StateError)
		return a.initErr
	}
	a.setState(StateInitializing)
	a.setState(StateReady)
	return nil
}

func (a *fakeAdapter) Dispose(_ context.Context) error {
	a.disposeCalls.Add(1)
	if a.disposeErr != nil {
		return a.disposeErr
	}
	a.disposed.Fire(struct{}{})
	return nil
}

func (a *fakeAdapter) OnStateChanged(handler func(StateChange)) events.Unsubscribe {
	return a.stateChanges.On(handler)
}

func (a *fakeAdapter) OnDisposed(handler func()) events.Unsubscribe {
	return a.disposed.On(func(struct{}) { handler() })
}

func (a *fakeAdapter) setState(s State) {
	a.lock.Lock()
	old := a.state
	a.state = s
	a.lock.Unlock()
	a.stateChanges.Emit(StateChange{Old: old, New: s})
}

func (a *fakeAdapter) isDisposed() bool {
	return a.disposed.Fired()
}

type fakeFactory struct {
	metadata   Metadata
	validation ValidationResult

	validateErr error

	// Applied to every adapter created by the factory.
	initErr     error
	disposeErr  error
	createErr   error
	initGate    chan struct{}
	initStarted chan struct{}

	validateCalls atomic.Int32
	lock          *sync.Mutex
	created       []*fakeAdapter
}

func newFakeFactory(language string) *fakeFactory {
	return &fakeFactory{
		metadata: Metadata{
			Language:    language,
			DisplayName: fmt.Sprintf("%s debugger", language),
			Version:     "1.0.0",
			Description: fmt.Sprintf("Test adapter for %s", language),
		},
		validation: ValidationResult{Valid: true},
		lock:       &sync.Mutex{},
	}
}

func (f *fakeFactory) Validate(_ context.Context) (ValidationResult, error) {
	f.validateCalls.Add(1)
	return f.validation, f.validateErr
}

func (f *fakeFactory) Metadata() Metadata {
	return f.metadata
}

func (f *fakeFactory) CreateAdapter(deps Dependencies) (Adapter, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	a := newFakeAdapter(f.metadata.Language, deps)
	a.initErr = f.initErr
	a.disposeErr = f.disposeErr
	a.initGate = f.initGate
	a.initStarted = f.initStarted

	f.lock.Lock()
	defer f.lock.Unlock()
	f.created = append(f.created, a)
	return a, nil
}

func (f *fakeFactory) adapters() []*fakeAdapter {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*fakeAdapter(nil), f.created...)
}

type fakeLoader struct {
	factories   map[string]Factory
	descriptors []Descriptor
	listErr     error
	loadCalls   atomic.Int32
}

func (l *fakeLoader) LoadFactory(_ context.Context, language string) (Factory, error) {
	l.loadCalls.Add(1)
	if f, found := l.factories[language]; found {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAdapterNotInstalled, language)
}

func (l *fakeLoader) ListAvailable(_ context.Context) ([]Descriptor, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	return l.descriptors, nil
}
