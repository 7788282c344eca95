/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecutesActionRunnerAfterDelay(t *testing.T) {
	t.Parallel()

	const debounceDelay = time.Millisecond * 100
	const testTimeoutDelay = time.Millisecond * 1000

	done := make(chan int, 1)
	deb := NewDebounceLastAction(func(v int) { done <- v }, debounceDelay, testTimeoutDelay)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeoutDelay)
	defer cancel()

	start := time.Now()
	deb.Run(ctx, 7)
	v := <-done
	finish := time.Now()

	require.Equal(t, 7, v)
	require.WithinRange(t, finish, start.Add(debounceDelay), time.Now().Add(testTimeoutDelay))
}

func TestDebounceActionUsesLastArgument(t *testing.T) {
	t.Parallel()

	const debounceDelay = time.Millisecond * 200
	const testTimeoutDelay = time.Second * 2

	counter := atomic.Int32{}
	last := atomic.Int32{}
	deb := NewDebounceLastAction(func(v int32) {
		counter.Add(1)
		last.Store(v)
	}, debounceDelay, testTimeoutDelay)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeoutDelay)
	defer cancel()

	for i := int32(1); i <= 5; i++ {
		deb.Run(ctx, i)
	}

	require.Eventually(t, func() bool { return counter.Load() == 1 }, testTimeoutDelay, 20*time.Millisecond)
	require.Equal(t, int32(5), last.Load())

	// The same debouncer is ready for another round of calls.
	deb.Run(ctx, 11)
	require.Eventually(t, func() bool { return counter.Load() == 2 }, testTimeoutDelay, 20*time.Millisecond)
	require.Equal(t, int32(11), last.Load())
}

func TestDebounceActionCancel(t *testing.T) {
	t.Parallel()

	const debounceDelay = time.Millisecond * 100

	called := atomic.Bool{}
	deb := NewDebounceLastAction(func(_ struct{}) { called.Store(true) }, debounceDelay, time.Second)

	deb.Run(context.Background(), struct{}{})
	deb.Cancel()

	require.Never(t, called.Load, 3*debounceDelay, 20*time.Millisecond)
}

func TestDebounceActionDoesNotExecuteIfContextCancelled(t *testing.T) {
	t.Parallel()

	const debounceDelay = time.Millisecond * 500
	const contextTimeoutDelay = time.Millisecond * 100

	called := atomic.Bool{}
	deb := NewDebounceLastAction(func(_ struct{}) { called.Store(true) }, debounceDelay, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), contextTimeoutDelay)
	defer cancel()
	deb.Run(ctx, struct{}{})

	<-ctx.Done()
	require.Never(t, called.Load, debounceDelay+200*time.Millisecond, 50*time.Millisecond)
}
