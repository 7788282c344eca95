/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/microsoft/dcpdbg/pkg/adapters"
)

const ManifestFileExtension = ".yaml"

// Manifest describes an adapter plugin: the adapter metadata, the proxy script that hosts the debug adapter,
// and an optional command that checks whether the adapter can run on this machine.
type Manifest struct {
	adapters.Metadata `yaml:",inline"`

	// Package name reported for the adapter. Defaults to adapters.PackageName(language).
	Package string `yaml:"package,omitempty"`

	Proxy    ProxySpec    `yaml:"proxy"`
	Validate ValidateSpec `yaml:"validate,omitempty"`

	// Absolute path of the manifest file (populated during load).
	path string
}

type ProxySpec struct {
	// Path to the proxy script. Relative paths are resolved against the manifest directory.
	Script string `yaml:"script"`

	// Command sent to the proxy to make it configure and launch the debug adapter.
	InitCommand map[string]any `yaml:"initCommand,omitempty"`

	InitializationTimeout time.Duration     `yaml:"initializationTimeout,omitempty"`
	Env                   map[string]string `yaml:"env,omitempty"`
}

type ValidateSpec struct {
	Command string        `yaml:"command,omitempty"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

var errInvalidManifest = errors.New("invalid adapter manifest")

func LoadManifest(path string) (*Manifest, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("could not read adapter manifest: %w", readErr)
	}

	absPath, absErr := filepath.Abs(path)
	if absErr != nil {
		return nil, fmt.Errorf("could not resolve adapter manifest path: %w", absErr)
	}

	return ParseManifest(data, absPath)
}

// Parses manifest data. The path is used to resolve relative paths in the manifest.
func ParseManifest(data []byte, path string) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("could not parse adapter manifest '%s': %w", path, err)
	}
	m.path = path

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w '%s': %w", errInvalidManifest, path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Language == "" {
		return fmt.Errorf("language is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.Proxy.Script == "" {
		return fmt.Errorf("proxy script is required")
	}
	if m.Proxy.InitializationTimeout < 0 || m.Validate.Timeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	return nil
}

func (m *Manifest) PackageName() string {
	if m.Package != "" {
		return m.Package
	}
	return adapters.PackageName(m.Language)
}

// Returns the absolute path to the proxy script.
func (m *Manifest) ScriptPath() string {
	if filepath.IsAbs(m.Proxy.Script) || m.path == "" {
		return m.Proxy.Script
	}
	return filepath.Join(filepath.Dir(m.path), m.Proxy.Script)
}

func (m *Manifest) Descriptor() adapters.Descriptor {
	_, statErr := os.Stat(m.ScriptPath())
	return adapters.Descriptor{
		Name:        m.Language,
		PackageName: m.PackageName(),
		Description: m.Description,
		Installed:   statErr == nil,
	}
}
