/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/pkg/adapters"
)

type namedFactory struct {
	metadata adapters.Metadata
}

func (f *namedFactory) Validate(_ context.Context) (adapters.ValidationResult, error) {
	return adapters.ValidationResult{Valid: true}, nil
}

func (f *namedFactory) Metadata() adapters.Metadata {
	return f.metadata
}

func (f *namedFactory) CreateAdapter(_ adapters.Dependencies) (adapters.Adapter, error) {
	return nil, errors.New("not supported")
}

func newNamedFactory(language string) *namedFactory {
	return &namedFactory{metadata: adapters.Metadata{Language: language, Version: "1.0.0", Description: language + " adapter"}}
}

func TestStaticLoader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	python := newNamedFactory("python")
	l := NewStaticLoader(map[string]adapters.Factory{"python": python})
	l.Add("mock", newNamedFactory("mock"))

	f, err := l.LoadFactory(ctx, "python")
	require.NoError(t, err)
	require.Same(t, python, f)

	_, err = l.LoadFactory(ctx, "ruby")
	require.ErrorIs(t, err, adapters.ErrAdapterNotInstalled)

	descriptors, err := l.ListAvailable(ctx)
	require.NoError(t, err)
	require.Equal(t, []adapters.Descriptor{
		{Name: "mock", PackageName: "dcpdbg-adapter-mock", Description: "mock adapter", Installed: true},
		{Name: "python", PackageName: "dcpdbg-adapter-python", Description: "python adapter", Installed: true},
	}, descriptors)
}

type failingLoader struct{}

func (failingLoader) LoadFactory(_ context.Context, _ string) (adapters.Factory, error) {
	return nil, errors.New("loader is broken")
}

func (failingLoader) ListAvailable(_ context.Context) ([]adapters.Descriptor, error) {
	return nil, errors.New("loader is broken")
}

func TestMultiLoader(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	first := NewStaticLoader(map[string]adapters.Factory{"python": newNamedFactory("python")})
	secondPython := newNamedFactory("python")
	second := NewStaticLoader(map[string]adapters.Factory{"python": secondPython, "go": newNamedFactory("go")})
	ml := MultiLoader{failingLoader{}, first, second}

	f, err := ml.LoadFactory(ctx, "python")
	require.NoError(t, err)
	require.NotSame(t, secondPython, f)

	f, err = ml.LoadFactory(ctx, "go")
	require.NoError(t, err)
	require.Equal(t, "go", f.Metadata().Language)

	_, err = ml.LoadFactory(ctx, "ruby")
	require.ErrorIs(t, err, adapters.ErrAdapterNotInstalled)

	descriptors, err := ml.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	require.Equal(t, "python", descriptors[0].Name)
	require.Equal(t, "go", descriptors[1].Name)

	_, err = MultiLoader{failingLoader{}}.ListAvailable(ctx)
	require.Error(t, err)
}
