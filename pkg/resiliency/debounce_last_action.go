/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"sync"
	"time"
)

// DebounceLastAction calls an "action" after the specified delay, but only if no new calls arrive in the meantime.
// If new calls arrive, the action is delayed further, but no more than maxDelay since the first call of the run.
// The action is executed on a separate goroutine and receives the argument of the LAST call.
type DebounceLastAction[T any] struct {
	delay     time.Duration
	maxDelay  time.Duration
	timer     *time.Timer
	threshold time.Time
	running   bool
	arg       T
	cancelRun context.CancelFunc
	m         *sync.Mutex
	action    func(T)
}

func NewDebounceLastAction[T any](action func(T), delay, maxDelay time.Duration) *DebounceLastAction[T] {
	if maxDelay < delay {
		maxDelay = delay
	}

	return &DebounceLastAction[T]{
		delay:    delay,
		maxDelay: maxDelay,
		action:   action,
		m:        &sync.Mutex{},
	}
}

func (dl *DebounceLastAction[T]) Run(ctx context.Context, arg T) {
	dl.m.Lock()
	defer dl.m.Unlock()

	dl.arg = arg

	if !dl.running {
		dl.running = true
		dl.timer = time.NewTimer(dl.delay)
		dl.threshold = time.Now().Add(dl.maxDelay)
		runCtx, cancelRun := context.WithCancel(ctx)
		dl.cancelRun = cancelRun
		go dl.execWhenTimerFires(runCtx, dl.timer)
	} else if time.Now().Add(dl.delay).Before(dl.threshold) {
		dl.timer.Reset(dl.delay)
	}
}

// Cancel abandons the pending run (if any) without calling the action.
func (dl *DebounceLastAction[T]) Cancel() {
	dl.m.Lock()
	defer dl.m.Unlock()

	if dl.running {
		_, _ = dl.stopRunLocked(dl.timer)
	}
}

func (dl *DebounceLastAction[T]) execWhenTimerFires(ctx context.Context, timer *time.Timer) {
	select {
	case <-timer.C:
		if arg, ok := dl.stopCurrentRun(timer); ok {
			dl.action(arg)
		}
	case <-ctx.Done():
		_, _ = dl.stopCurrentRun(timer)
	}
}

func (dl *DebounceLastAction[T]) stopCurrentRun(timer *time.Timer) (T, bool) {
	dl.m.Lock()
	defer dl.m.Unlock()
	return dl.stopRunLocked(timer)
}

func (dl *DebounceLastAction[T]) stopRunLocked(timer *time.Timer) (T, bool) {
	// The run might have been cancelled, and a new one started, while we were waiting for the lock.
	if !dl.running || dl.timer != timer {
		return *new(T), false
	}

	dl.timer.Stop()
	dl.cancelRun()
	dl.running = false
	dl.threshold = time.Time{}
	arg := dl.arg
	dl.arg = *new(T)
	return arg, true
}
