/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/testutil"
)

func writeManifest(t *testing.T, dir, fileName, language string, withScript bool) {
	script := language + "-proxy.js"
	data := "language: " + language + "\nversion: 1.0.0\ndescription: " + language + " adapter\nproxy:\n  script: " + script + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte(data), 0644))
	if withScript {
		require.NoError(t, os.WriteFile(filepath.Join(dir, script), []byte("// proxy"), 0644))
	}
}

func TestDirectoryLoaderListsManifests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeManifest(t, dir, "python.yaml", "python", true)
	writeManifest(t, dir, "go.YAML", "go", false)
	writeManifest(t, dir, "python-duplicate.yaml", "python", false)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("language: [oops"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not a manifest"), 0644))

	l := NewDirectoryLoader(dir, nil, logr.Discard())
	descriptors, err := l.ListAvailable(ctx)
	require.NoError(t, err)
	require.Equal(t, []adapters.Descriptor{
		{Name: "go", PackageName: "dcpdbg-adapter-go", Description: "go adapter", Installed: false},
		{Name: "python", PackageName: "dcpdbg-adapter-python", Description: "python adapter", Installed: true},
	}, descriptors)

	f, err := l.LoadFactory(ctx, "python")
	require.NoError(t, err)
	require.Equal(t, "python", f.Metadata().Language)

	_, err = l.LoadFactory(ctx, "ruby")
	require.ErrorIs(t, err, adapters.ErrAdapterNotInstalled)
}

func TestDirectoryLoaderMissingDirectory(t *testing.T) {
	t.Parallel()

	l := NewDirectoryLoader(filepath.Join(t.TempDir(), "does-not-exist"), nil, logr.Discard())
	descriptors, err := l.ListAvailable(context.Background())
	require.NoError(t, err)
	require.Empty(t, descriptors)
}

func TestDirectoryLoaderCachesManifests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	writeManifest(t, dir, "python.yaml", "python", true)
	l := NewDirectoryLoader(dir, nil, logr.Discard())

	descriptors, err := l.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	// Without a watcher, changes are not noticed.
	writeManifest(t, dir, "go.yaml", "go", true)
	descriptors, err = l.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)
}

func TestDirectoryLoaderWatchReloadsManifests(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	dir := t.TempDir()
	writeManifest(t, dir, "python.yaml", "python", true)
	l := NewDirectoryLoader(dir, nil, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, l.Watch(ctx))

	descriptors, err := l.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, descriptors, 1)

	writeManifest(t, dir, "go.yaml", "go", true)
	require.Eventually(t, func() bool {
		descriptors, err = l.ListAvailable(ctx)
		return err == nil && len(descriptors) == 2
	}, 10*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "python.yaml")))
	require.Eventually(t, func() bool {
		_, loadErr := l.LoadFactory(ctx, "python")
		return loadErr != nil
	}, 10*time.Second, 50*time.Millisecond)
}
