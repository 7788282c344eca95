/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"context"
	"time"

	"github.com/microsoft/dcpdbg/pkg/events"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateConnected     State = "connected"
	StateDebugging     State = "debugging"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

type StateChange struct {
	Old State
	New State
}

// Describes an adapter implementation, as reported by its factory.
type Metadata struct {
	Language               string   `json:"language" yaml:"language"`
	DisplayName            string   `json:"displayName" yaml:"displayName"`
	Version                string   `json:"version" yaml:"version"`
	Author                 string   `json:"author,omitempty" yaml:"author,omitempty"`
	Description            string   `json:"description,omitempty" yaml:"description,omitempty"`
	DocumentationURL       string   `json:"documentationUrl,omitempty" yaml:"documentationUrl,omitempty"`
	MinimumDebuggerVersion string   `json:"minimumDebuggerVersion,omitempty" yaml:"minimumDebuggerVersion,omitempty"`
	FileExtensions         []string `json:"fileExtensions,omitempty" yaml:"fileExtensions,omitempty"`
}

type ValidationResult struct {
	Valid    bool           `json:"valid"`
	Errors   []string       `json:"errors,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Info is the registry view of a registered adapter factory.
type Info struct {
	Metadata
	Available       bool              `json:"available"`
	ActiveInstances int               `json:"activeInstances"`
	LastValidation  *ValidationResult `json:"lastValidation,omitempty"`
	RegisteredAt    time.Time         `json:"registeredAt"`
}

// Descriptor describes an adapter that can potentially be loaded dynamically.
type Descriptor struct {
	Name        string `json:"name"`
	PackageName string `json:"packageName"`
	Description string `json:"description,omitempty"`
	Installed   bool   `json:"installed"`
}

// Per-session adapter configuration.
type Config struct {
	SessionID      string
	ExecutablePath string
	AdapterHost    string
	AdapterPort    int32
	LogDir         string
	ScriptPath     string
	ScriptArgs     []string
	LaunchConfig   map[string]any
}

// Adapter represents one debugging session's connection to a language-specific debugger backend.
type Adapter interface {
	Language() string
	State() State
	Initialize(ctx context.Context) error
	Dispose(ctx context.Context) error

	// State change notifications must be delivered in the order the state changes happen.
	OnStateChanged(handler func(StateChange)) events.Unsubscribe
	OnDisposed(handler func()) events.Unsubscribe
}

// Factory creates adapters for one language.
type Factory interface {
	Validate(ctx context.Context) (ValidationResult, error)
	Metadata() Metadata
	CreateAdapter(deps Dependencies) (Adapter, error)
}

// Loader discovers and loads adapter factories that were not registered up front.
type Loader interface {
	// Returns an error wrapping ErrAdapterNotInstalled if there is no adapter for the language.
	LoadFactory(ctx context.Context, language string) (Factory, error)
	ListAvailable(ctx context.Context) ([]Descriptor, error)
}
