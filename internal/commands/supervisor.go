/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/microsoft/dcpdbg/internal/config"
	"github.com/microsoft/dcpdbg/internal/metrics"
	"github.com/microsoft/dcpdbg/internal/networking"
	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/adapters/plugins"
	"github.com/microsoft/dcpdbg/pkg/process"
	"github.com/microsoft/dcpdbg/pkg/proxy"
	"github.com/microsoft/dcpdbg/pkg/target"
)

const (
	configFlagName         = "config"
	maxInstancesFlagName   = "max-instances"
	manifestDirFlagName    = "adapter-manifest-dir"
	dynamicLoadingFlagName = "dynamic-loading"
	metricsAddrFlagName    = "metrics-addr"

	metricsShutdownTimeout = 5 * time.Second
)

// Flags shared by commands that need the adapter registry.
type registryFlags struct {
	maxInstances   int
	manifestDir    string
	dynamicLoading bool
}

func addRegistryFlags(fs *pflag.FlagSet, rf *registryFlags) {
	fs.IntVar(&rf.maxInstances, maxInstancesFlagName, 0, "Maximum number of live adapters per language")
	fs.StringVar(&rf.manifestDir, manifestDirFlagName, "", "Directory with adapter manifests (*.yaml)")
	fs.BoolVar(&rf.dynamicLoading, dynamicLoadingFlagName, false, "Load adapters from the manifest directory on demand, instead of registering all of them at startup")
}

// Loads settings from the configuration file and the environment, then applies flags that were set explicitly.
func loadSettings(cmd *cobra.Command, rf *registryFlags) (config.Settings, error) {
	configPath, _ := cmd.Flags().GetString(configFlagName)
	settings, err := config.Load(configPath)
	if err != nil {
		return config.Settings{}, err
	}

	if rf != nil {
		flags := cmd.Flags()
		if flags.Changed(maxInstancesFlagName) {
			settings.Registry.MaxInstancesPerLanguage = rf.maxInstances
		}
		if flags.Changed(manifestDirFlagName) {
			settings.Plugins.ManifestDir = rf.manifestDir
		}
		if flags.Changed(dynamicLoadingFlagName) {
			settings.Registry.DynamicLoading = rf.dynamicLoading
		}
	}

	return settings, settings.Validate()
}

// supervisor wires together the components of the debug session host.
type supervisor struct {
	settings        config.Settings
	log             logr.Logger
	metrics         *metrics.Collector
	processLauncher *process.Launcher
	proxyLauncher   *proxy.Launcher
	targetLauncher  *target.Launcher
	manifests       *plugins.DirectoryLoader
	loader          adapters.Loader
	registry        *adapters.Registry
}

func newSupervisor(ctx context.Context, settings config.Settings, log logr.Logger) (*supervisor, error) {
	collector := metrics.NewCollector()
	processLauncher := process.NewLauncher(nil, log)
	ports := networking.NewPortAllocator(log)

	proxyConfig := settings.ProxyLauncherConfig()
	proxyConfig.Observer = collector
	proxyLauncher := proxy.NewLauncher(processLauncher, proxyConfig, log)

	targetLauncher := target.NewLauncher(processLauncher, ports, log)
	targetLauncher.SetTerminateGracePeriod(settings.Target.TerminateGracePeriod.Duration)

	s := &supervisor{
		settings:        settings,
		log:             log,
		metrics:         collector,
		processLauncher: processLauncher,
		proxyLauncher:   proxyLauncher,
		targetLauncher:  targetLauncher,
	}

	// Built-in adapters come first, so a manifest cannot shadow them.
	loaders := plugins.MultiLoader{
		plugins.NewStaticLoader(map[string]adapters.Factory{plugins.MockLanguage: plugins.NewMockFactory()}),
	}
	if settings.Plugins.ManifestDir != "" {
		s.manifests = plugins.NewDirectoryLoader(settings.Plugins.ManifestDir, process.NewOSExecutor(log), log)
		loaders = append(loaders, s.manifests)
	}
	s.loader = loaders

	s.registry = adapters.NewRegistry(settings.RegistryConfig(), adapters.RegistryOptions{
		Loader:       s.loader,
		Dependencies: adapters.NewDependencyBuilder(processLauncher, proxyLauncher, ports, nil, log),
		Metrics:      collector,
	}, log)

	s.registry.Subscribe(func(e adapters.RegistryEvent) {
		if e.Kind == adapters.RegistryError {
			log.Error(e.Err, "Adapter registry error", "Language", e.Language)
		}
	})

	if s.manifests != nil && settings.Plugins.Watch {
		if watchErr := s.manifests.Watch(ctx); watchErr != nil {
			log.Error(watchErr, "Adapter manifests will not be reloaded automatically")
		}
	}

	if !settings.Registry.DynamicLoading {
		if registerErr := s.registerInstalledAdapters(ctx); registerErr != nil {
			return nil, registerErr
		}
	}

	return s, nil
}

// Registers all installed adapters (built-in and from the manifest directory).
// Adapters that fail validation are skipped.
func (s *supervisor) registerInstalledAdapters(ctx context.Context) error {
	descriptors, listErr := s.loader.ListAvailable(ctx)
	if listErr != nil {
		return fmt.Errorf("could not list available adapters: %w", listErr)
	}

	for _, d := range descriptors {
		if !d.Installed {
			s.log.V(1).Info("Adapter is not installed, skipping", "Language", d.Name)
			continue
		}

		factory, loadErr := s.loader.LoadFactory(ctx, d.Name)
		if loadErr != nil {
			return fmt.Errorf("could not load adapter for %s: %w", d.Name, loadErr)
		}
		if registerErr := s.registry.Register(ctx, d.Name, factory); registerErr != nil {
			if adapters.IsRegistrationError(registerErr) {
				s.log.Info("Adapter could not be registered", "Language", d.Name, "Reason", registerErr.Error())
				continue
			}
			return registerErr
		}
	}
	return nil
}

func (s *supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*target.DefaultTerminateGracePeriod)
	defer cancel()
	if err := s.registry.DisposeAll(ctx); err != nil {
		s.log.Error(err, "Not all adapters were disposed")
	}
}

// Serves Prometheus metrics until the context is cancelled. Does nothing if addr is empty.
func (s *supervisor) serveMetrics(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		listenErr <- err
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Report immediate failures (e.g. address in use) to the caller.
	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("could not serve metrics on %s: %w", addr, err)
		}
		return nil
	case <-time.After(100 * time.Millisecond):
		s.log.Info("Serving metrics", "Address", addr)
		return nil
	}
}
