/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/resiliency"
)

const (
	manifestReloadDelay    = 200 * time.Millisecond
	manifestReloadMaxDelay = 2 * time.Second
)

// DirectoryLoader loads adapter factories from manifest files (*.yaml) in a directory.
// Manifests are read on first use and cached; Watch() keeps the cache in sync with the directory.
type DirectoryLoader struct {
	dir      string
	executor process.Executor
	log      logr.Logger

	lock      *sync.Mutex
	manifests map[string]*Manifest // nil means the manifests need to be (re)loaded

	invalidate *resiliency.DebounceLastAction[string]
}

var _ adapters.Loader = (*DirectoryLoader)(nil)

func NewDirectoryLoader(dir string, executor process.Executor, log logr.Logger) *DirectoryLoader {
	l := &DirectoryLoader{
		dir:      dir,
		executor: executor,
		log:      log.WithName("directory-loader").WithValues("Dir", dir),
		lock:     &sync.Mutex{},
	}
	l.invalidate = resiliency.NewDebounceLastAction(l.invalidateCache, manifestReloadDelay, manifestReloadMaxDelay)
	return l
}

func (l *DirectoryLoader) LoadFactory(_ context.Context, language string) (adapters.Factory, error) {
	manifests, loadErr := l.getManifests()
	if loadErr != nil {
		return nil, loadErr
	}

	m, found := manifests[language]
	if !found {
		return nil, fmt.Errorf("%w: no manifest for language %s in '%s'", adapters.ErrAdapterNotInstalled, language, l.dir)
	}
	return NewManifestFactory(m, l.executor, l.log), nil
}

func (l *DirectoryLoader) ListAvailable(_ context.Context) ([]adapters.Descriptor, error) {
	manifests, loadErr := l.getManifests()
	if loadErr != nil {
		return nil, loadErr
	}

	retval := make([]adapters.Descriptor, 0, len(manifests))
	for _, language := range slices.Sorted(maps.Keys(manifests)) {
		retval = append(retval, manifests[language].Descriptor())
	}
	return retval, nil
}

// Watches the manifest directory and reloads manifests when they change, until the context is cancelled.
func (l *DirectoryLoader) Watch(ctx context.Context) error {
	watcher, watcherErr := fsnotify.NewWatcher()
	if watcherErr != nil {
		return fmt.Errorf("could not create adapter manifest watcher: %w", watcherErr)
	}
	if addErr := watcher.Add(l.dir); addErr != nil {
		_ = watcher.Close()
		return fmt.Errorf("could not watch adapter manifest directory '%s': %w", l.dir, addErr)
	}

	l.log.V(1).Info("Watching adapter manifests")
	go l.watch(ctx, watcher)
	return nil
}

func (l *DirectoryLoader) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		l.invalidate.Cancel()
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			l.log.V(1).Info("Adapter manifest watcher stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isManifestFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			l.log.V(1).Info("Adapter manifest changed", "File", event.Name, "Op", event.Op.String())
			l.invalidate.Run(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Error(err, "Adapter manifest watcher error")
			// Events might have been lost.
			l.invalidate.Run(ctx, "")
		}
	}
}

func (l *DirectoryLoader) invalidateCache(changedFile string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.manifests = nil
	l.log.Info("Adapter manifests will be reloaded", "LastChangedFile", changedFile)
}

func (l *DirectoryLoader) getManifests() (map[string]*Manifest, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.manifests != nil {
		return l.manifests, nil
	}

	manifests, loadErr := l.loadManifests()
	if loadErr != nil {
		return nil, loadErr
	}
	l.manifests = manifests
	return manifests, nil
}

// Reads all manifests in the directory. Files that cannot be parsed are skipped.
// If more than one manifest describes the same language, the first one (in file name order) wins.
func (l *DirectoryLoader) loadManifests() (map[string]*Manifest, error) {
	entries, readErr := os.ReadDir(l.dir)
	if errors.Is(readErr, fs.ErrNotExist) {
		l.log.V(1).Info("Adapter manifest directory does not exist")
		return map[string]*Manifest{}, nil
	}
	if readErr != nil {
		return nil, fmt.Errorf("could not read adapter manifest directory '%s': %w", l.dir, readErr)
	}

	manifests := make(map[string]*Manifest)
	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		m, manifestErr := LoadManifest(path)
		if manifestErr != nil {
			l.log.Error(manifestErr, "Skipping invalid adapter manifest", "File", path)
			continue
		}
		if existing, found := manifests[m.Language]; found {
			l.log.Info("Duplicate adapter manifest ignored", "Language", m.Language, "File", path, "UsedFile", existing.path)
			continue
		}
		manifests[m.Language] = m
	}

	l.log.V(1).Info("Adapter manifests loaded", "Languages", slices.Sorted(maps.Keys(manifests)))
	return manifests, nil
}

func isManifestFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ManifestFileExtension)
}
