/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package events

import (
	"sync"
)

// Latch is a one-shot notification. It fires at most once; handlers registered after it fired
// are invoked immediately (on the registering goroutine) with the latched value.
// This makes it impossible to "miss" lifecycle events such as process exit.
type Latch[T any] struct {
	lock    sync.Mutex
	fired   bool
	value   T
	done    chan struct{}
	emitter Emitter[T]
}

func NewLatch[T any]() *Latch[T] {
	return &Latch[T]{
		done: make(chan struct{}),
	}
}

// Fire latches the value and notifies current handlers.
// Returns false if the latch has already fired (the value is not changed in that case).
func (l *Latch[T]) Fire(value T) bool {
	l.lock.Lock()
	if l.fired {
		l.lock.Unlock()
		return false
	}
	l.fired = true
	l.value = value
	close(l.done)
	l.lock.Unlock()

	l.emitter.Emit(value)
	l.emitter.Clear()
	return true
}

// On registers a handler for the latch value.
// If the latch already fired, the handler is called before On returns, and the returned
// Unsubscribe is a no-op.
func (l *Latch[T]) On(handler func(T)) Unsubscribe {
	if handler == nil {
		return func() {}
	}

	l.lock.Lock()
	if l.fired {
		value := l.value
		l.lock.Unlock()
		handler(value)
		return func() {}
	}
	unsubscribe := l.emitter.Once(handler)
	l.lock.Unlock()

	return unsubscribe
}

// Done returns a channel that is closed when the latch fires.
func (l *Latch[T]) Done() <-chan struct{} {
	return l.done
}

// Value returns the latched value and true, or the zero value and false if the latch has not fired.
func (l *Latch[T]) Value() (T, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.value, l.fired
}

// Fired returns true if the latch has fired.
func (l *Latch[T]) Fired() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.fired
}

// Clear drops handlers that have not been notified yet. The latch state is not affected.
func (l *Latch[T]) Clear() {
	l.emitter.Clear()
}
