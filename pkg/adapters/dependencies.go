/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"context"
	"io/fs"
	"os"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dcpdbg/pkg/events"
	"github.com/microsoft/dcpdbg/pkg/osutil"
	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/proxy"
)

type FileSystem interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(path string, perm fs.FileMode) error
}

type Environment interface {
	Get(name string) (string, bool)
	All() map[string]string
	Cwd() (string, error)
}

type ProcessLauncher interface {
	Launch(ctx context.Context, command string, args []string, opts process.LaunchOptions) (*process.Handle, error)
}

type ProxyLauncher interface {
	LaunchProxy(ctx context.Context, scriptPath string, sessionID string, env map[string]string) (*proxy.Process, error)
}

type NetworkManager interface {
	FindFreePort() (int32, error)
}

type ProxyEventKind string

const (
	ProxyEventStopped           ProxyEventKind = "stopped"
	ProxyEventDAP               ProxyEventKind = "dap-event"
	ProxyEventInitialized       ProxyEventKind = "initialized"
	ProxyEventAdapterConfigured ProxyEventKind = "adapter-configured"
	ProxyEventTerminated        ProxyEventKind = "terminated"
	ProxyEventExited            ProxyEventKind = "exited"
)

type ProxyEvent struct {
	Kind  ProxyEventKind
	Event dap.EventMessage // Set for ProxyEventDAP and ProxyEventStopped
}

type ProxyConfig struct {
	SessionID      string
	Language       string
	ExecutablePath string
	AdapterHost    string
	AdapterPort    int32
	LogDir         string
	ScriptPath     string
	ScriptArgs     []string
	DryRun         bool
	LaunchConfig   map[string]any
}

// ProxyManager routes DAP messages between a client and the debug adapter running behind a proxy process.
type ProxyManager interface {
	Start(ctx context.Context, config ProxyConfig) error
	SendDapRequest(ctx context.Context, command string, args any) (dap.ResponseMessage, error)
	Stop(ctx context.Context) error
	OnEvent(handler func(ProxyEvent)) events.Unsubscribe
}

type ProxyManagerFactory func(language string, proxyLauncher ProxyLauncher, log logr.Logger) ProxyManager

// Dependencies are handed to Factory.CreateAdapter() and scoped to a single adapter instance.
type Dependencies struct {
	ProxyManagerFactory ProxyManagerFactory
	FileSystem          FileSystem
	Logger              logr.Logger
	Environment         Environment
	ProcessLauncher     ProcessLauncher
	ProxyLauncher       ProxyLauncher
	NetworkManager      NetworkManager
}

// DependencyBuilder builds the dependencies for a new adapter.
type DependencyBuilder func(ctx context.Context, language string, config Config) (Dependencies, error)

// Returns a DependencyBuilder that shares the passed launchers across adapters
// and gives every adapter its own logger, named after the language and the debug session.
func NewDependencyBuilder(
	processLauncher ProcessLauncher,
	proxyLauncher ProxyLauncher,
	network NetworkManager,
	proxyManagers ProxyManagerFactory,
	log logr.Logger,
) DependencyBuilder {
	return func(_ context.Context, language string, config Config) (Dependencies, error) {
		return Dependencies{
			ProxyManagerFactory: proxyManagers,
			FileSystem:          osFileSystem{},
			Logger:              log.WithName(language).WithValues("SessionID", config.SessionID),
			Environment:         osEnvironment{},
			ProcessLauncher:     processLauncher,
			ProxyLauncher:       proxyLauncher,
			NetworkManager:      network,
		}, nil
	}
}

type osFileSystem struct{}

func (osFileSystem) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (osFileSystem) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (osFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

func (osFileSystem) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

type osEnvironment struct{}

func (osEnvironment) Get(name string) (string, bool) {
	return os.LookupEnv(name)
}

func (osEnvironment) All() map[string]string {
	return osutil.EnvironToMap(os.Environ())
}

func (osEnvironment) Cwd() (string, error) {
	return os.Getwd()
}
