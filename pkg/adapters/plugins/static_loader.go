/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/microsoft/dcpdbg/pkg/adapters"
)

// StaticLoader serves factories that are compiled into the program.
type StaticLoader struct {
	lock      *sync.Mutex
	factories map[string]adapters.Factory
}

var _ adapters.Loader = (*StaticLoader)(nil)

func NewStaticLoader(factories map[string]adapters.Factory) *StaticLoader {
	return &StaticLoader{
		lock:      &sync.Mutex{},
		factories: maps.Clone(factories),
	}
}

func (l *StaticLoader) Add(language string, factory adapters.Factory) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.factories == nil {
		l.factories = make(map[string]adapters.Factory)
	}
	l.factories[language] = factory
}

func (l *StaticLoader) LoadFactory(_ context.Context, language string) (adapters.Factory, error) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if f, found := l.factories[language]; found {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", adapters.ErrAdapterNotInstalled, language)
}

func (l *StaticLoader) ListAvailable(_ context.Context) ([]adapters.Descriptor, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	retval := make([]adapters.Descriptor, 0, len(l.factories))
	for _, language := range slices.Sorted(maps.Keys(l.factories)) {
		retval = append(retval, adapters.Descriptor{
			Name:        language,
			PackageName: adapters.PackageName(language),
			Description: l.factories[language].Metadata().Description,
			Installed:   true,
		})
	}
	return retval, nil
}

// Combines multiple loaders. Factories are looked up in loader order; the first loader that has one wins.
type MultiLoader []adapters.Loader

func (ml MultiLoader) LoadFactory(ctx context.Context, language string) (adapters.Factory, error) {
	var errs []error
	for _, l := range ml {
		f, err := l.LoadFactory(ctx, language)
		if err == nil {
			return f, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", adapters.ErrAdapterNotInstalled, language)
	}
	return nil, errors.Join(errs...)
}

// Lists adapters from all loaders. If the same adapter is reported by more than one loader, the first report wins.
// Fails only if all loaders fail.
func (ml MultiLoader) ListAvailable(ctx context.Context) ([]adapters.Descriptor, error) {
	seen := map[string]bool{}
	var retval []adapters.Descriptor
	var errs []error
	for _, l := range ml {
		descriptors, err := l.ListAvailable(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, d := range descriptors {
			if !seen[d.Name] {
				seen[d.Name] = true
				retval = append(retval, d)
			}
		}
	}
	if len(errs) > 0 && len(errs) == len(ml) {
		return nil, errors.Join(errs...)
	}
	return retval, nil
}
