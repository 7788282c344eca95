/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package events provides the callback-based notification primitives used by process handles,
// proxy handles, adapters and the adapter registry.
package events

import (
	"sync"
	"sync/atomic"
)

type HandleT uint32

const (
	InvalidHandle HandleT = 0
)

var (
	nextHandle = InvalidHandle
)

// Unsubscribe removes a handler from the emitter it was registered with.
// It is safe to call more than once.
type Unsubscribe func()

// Emitter delivers notifications of type T to a set of handlers.
// Handlers are invoked synchronously by Emit(), in registration order, outside of the emitter lock,
// so a handler may subscribe or unsubscribe without deadlocking.
type Emitter[T any] struct {
	lock     sync.Mutex
	handlers []subscription[T]
}

type subscription[T any] struct {
	handle  HandleT
	handler func(T)
	once    bool
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{}
}

// On registers a handler that is called for every notification.
func (e *Emitter[T]) On(handler func(T)) Unsubscribe {
	return e.add(handler, false)
}

// Once registers a handler that is called for the next notification only.
func (e *Emitter[T]) Once(handler func(T)) Unsubscribe {
	return e.add(handler, true)
}

func (e *Emitter[T]) add(handler func(T), once bool) Unsubscribe {
	if handler == nil {
		return func() {}
	}

	handle := HandleT(atomic.AddUint32((*uint32)(&nextHandle), 1))

	e.lock.Lock()
	e.handlers = append(e.handlers, subscription[T]{handle: handle, handler: handler, once: once})
	e.lock.Unlock()

	return func() { e.remove(handle) }
}

func (e *Emitter[T]) remove(handle HandleT) bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	for i, sub := range e.handlers {
		if sub.handle == handle {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers the notification to all current handlers.
// Returns the number of handlers that were invoked.
func (e *Emitter[T]) Emit(n T) int {
	e.lock.Lock()
	current := make([]subscription[T], len(e.handlers))
	copy(current, e.handlers)
	e.lock.Unlock()

	invoked := 0
	for _, sub := range current {
		if sub.once && !e.remove(sub.handle) {
			// Another Emit() already consumed this one-shot handler.
			continue
		}
		sub.handler(n)
		invoked++
	}
	return invoked
}

// Len returns the number of registered handlers.
func (e *Emitter[T]) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.handlers)
}

// Clear removes all handlers.
func (e *Emitter[T]) Clear() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.handlers = nil
}
