/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/testutil"
)

func TestMockAdapterStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, err := NewMockFactory().CreateAdapter(adapters.Dependencies{Logger: logr.Discard()})
	require.NoError(t, err)
	mock := a.(*MockAdapter)

	var changes []adapters.StateChange
	mock.OnStateChanged(func(c adapters.StateChange) { changes = append(changes, c) })

	require.NoError(t, mock.Initialize(ctx))
	mock.Connect()
	mock.StartDebugging()
	mock.Disconnect()
	mock.Disconnect()

	require.Equal(t, []adapters.StateChange{
		{Old: adapters.StateUninitialized, New: adapters.StateInitializing},
		{Old: adapters.StateInitializing, New: adapters.StateReady},
		{Old: adapters.StateReady, New: adapters.StateConnected},
		{Old: adapters.StateConnected, New: adapters.StateDebugging},
		{Old: adapters.StateDebugging, New: adapters.StateDisconnected},
	}, changes)

	disposed := 0
	mock.OnDisposed(func() { disposed++ })
	require.NoError(t, mock.Dispose(ctx))
	require.NoError(t, mock.Dispose(ctx))
	require.Equal(t, 1, disposed)

	// No notifications after disposal.
	mock.Connect()
	require.Len(t, changes, 5)
}

func TestMockAdapterInitializeHonorsContext(t *testing.T) {
	t.Parallel()

	a, err := NewMockFactory().CreateAdapter(adapters.Dependencies{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, a.Initialize(ctx), context.Canceled)
	require.Equal(t, adapters.StateError, a.State())
}

func TestMockAdapterAutoDispose(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	config := adapters.DefaultRegistryConfig()
	config.MaxInstancesPerLanguage = 2
	config.AutoDisposeTimeout = 100 * time.Millisecond
	registry := adapters.NewRegistry(config, adapters.RegistryOptions{}, testutil.NewLogForTesting(t.Name()))
	defer func() { _ = registry.DisposeAll(context.Background()) }()

	require.NoError(t, registry.Register(ctx, MockLanguage, NewMockFactory()))

	first, err := registry.Create(ctx, MockLanguage, adapters.Config{SessionID: "first"})
	require.NoError(t, err)
	second, err := registry.Create(ctx, MockLanguage, adapters.Config{SessionID: "second"})
	require.NoError(t, err)
	_, err = registry.Create(ctx, MockLanguage, adapters.Config{SessionID: "third"})
	var capacityErr *adapters.CapacityError
	require.ErrorAs(t, err, &capacityErr)

	first.(*MockAdapter).Connect()
	first.(*MockAdapter).Disconnect()
	second.(*MockAdapter).Connect()

	require.Eventually(t, func() bool {
		return registry.ActiveAdapterCount() == 1
	}, 5*time.Second, 20*time.Millisecond)

	// The freed slot can be used again.
	_, err = registry.Create(ctx, MockLanguage, adapters.Config{SessionID: "third"})
	require.NoError(t, err)
	require.Equal(t, 2, registry.ActiveAdapterCount())
}
