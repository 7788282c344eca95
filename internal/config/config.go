/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config loads supervisor settings.
// Precedence (highest first): command line flags, DCPDBG_* environment variables, configuration file, defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/osutil"
	"github.com/microsoft/dcpdbg/pkg/proxy"
	"github.com/microsoft/dcpdbg/pkg/target"
)

const (
	ConfigFileEnvVar           = "DCPDBG_CONFIG"
	maxInstancesEnvVar         = "DCPDBG_MAX_INSTANCES_PER_LANGUAGE"
	autoDisposeEnvVar          = "DCPDBG_AUTO_DISPOSE"
	autoDisposeTimeoutEnvVar   = "DCPDBG_AUTO_DISPOSE_TIMEOUT"
	dynamicLoadingEnvVar       = "DCPDBG_DYNAMIC_LOADING"
	defaultLanguagesEnvVar     = "DCPDBG_DEFAULT_LANGUAGES"
	proxyRuntimeEnvVar         = "DCPDBG_PROXY_RUNTIME"
	proxyInitTimeoutEnvVar     = "DCPDBG_PROXY_INIT_TIMEOUT"
	pythonPathEnvVar           = "DCPDBG_PYTHON_PATH"
	terminateGracePeriodEnvVar = "DCPDBG_TERMINATE_GRACE_PERIOD"
	adapterManifestDirEnvVar   = "DCPDBG_ADAPTER_MANIFEST_DIR"
	adapterManifestWatchEnvVar = "DCPDBG_ADAPTER_MANIFEST_WATCH"
)

// Languages reported when adapter discovery finds nothing, in container mode.
var containerDefaultLanguages = []string{"python", "mock"}

// Duration is a time.Duration that is written as a Go duration string ("1m30s") in the configuration file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type Settings struct {
	Registry RegistrySettings `toml:"registry"`
	Proxy    ProxySettings    `toml:"proxy"`
	Target   TargetSettings   `toml:"target"`
	Plugins  PluginSettings   `toml:"plugins"`
}

type RegistrySettings struct {
	ValidateOnRegister      bool     `toml:"validate_on_register"`
	AllowOverride           bool     `toml:"allow_override"`
	MaxInstancesPerLanguage int      `toml:"max_instances_per_language"`
	AutoDispose             bool     `toml:"auto_dispose"`
	AutoDisposeTimeout      Duration `toml:"auto_dispose_timeout"`
	DynamicLoading          bool     `toml:"dynamic_loading"`
	DefaultLanguages        []string `toml:"default_languages"`
}

type ProxySettings struct {
	Runtime               string   `toml:"runtime"`
	RuntimeArgs           []string `toml:"runtime_args"`
	InitializationTimeout Duration `toml:"initialization_timeout"`
}

type TargetSettings struct {
	PythonPath           string   `toml:"python_path"`
	TerminateGracePeriod Duration `toml:"terminate_grace_period"`
}

type PluginSettings struct {
	// Directory with adapter manifests. Empty means no manifest-based adapters.
	ManifestDir string `toml:"manifest_dir"`

	// Reload manifests when the directory content changes.
	Watch bool `toml:"watch"`
}

func Defaults() Settings {
	rc := adapters.DefaultRegistryConfig()
	s := Settings{
		Registry: RegistrySettings{
			ValidateOnRegister:      rc.ValidateOnRegister,
			AllowOverride:           rc.AllowOverride,
			MaxInstancesPerLanguage: rc.MaxInstancesPerLanguage,
			AutoDispose:             rc.AutoDispose,
			AutoDisposeTimeout:      Duration{rc.AutoDisposeTimeout},
			DynamicLoading:          rc.DynamicLoadingEnabled,
		},
		Proxy: ProxySettings{
			Runtime:               proxy.DefaultRuntime,
			InitializationTimeout: Duration{proxy.DefaultInitializationTimeout},
		},
		Target: TargetSettings{
			PythonPath:           target.DefaultPythonPath,
			TerminateGracePeriod: Duration{target.DefaultTerminateGracePeriod},
		},
	}

	if osutil.ContainerModeEnabled() {
		s.Registry.DynamicLoading = true
		s.Registry.DefaultLanguages = append([]string(nil), containerDefaultLanguages...)
	}

	return s
}

// Loads settings from the configuration file (if path is not empty) and applies environment variable overrides.
// If path is empty, the file named by DCPDBG_CONFIG environment variable is used (if set).
func Load(path string) (Settings, error) {
	s := Defaults()

	if path == "" {
		path = os.Getenv(ConfigFileEnvVar)
	}
	if path != "" {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return Settings{}, fmt.Errorf("could not read configuration file: %w", readErr)
		}
		if decodeErr := decode(data, &s); decodeErr != nil {
			return Settings{}, fmt.Errorf("could not parse configuration file '%s': %w", path, decodeErr)
		}
	}

	s.applyEnv()

	if validationErr := s.Validate(); validationErr != nil {
		return Settings{}, validationErr
	}
	return s, nil
}

func decode(data []byte, s *Settings) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	err := decoder.Decode(s)

	var decodeErr *toml.DecodeError
	if errors.As(err, &decodeErr) {
		row, col := decodeErr.Position()
		return fmt.Errorf("line %d, column %d: %w", row, col, err)
	}
	return err
}

func (s *Settings) applyEnv() {
	r := &s.Registry
	r.MaxInstancesPerLanguage = osutil.EnvVarIntValWithDefault(maxInstancesEnvVar, r.MaxInstancesPerLanguage)
	r.AutoDispose = osutil.EnvVarSwitchWithDefault(autoDisposeEnvVar, r.AutoDispose)
	r.AutoDisposeTimeout.Duration = osutil.EnvVarDurationValWithDefault(autoDisposeTimeoutEnvVar, r.AutoDisposeTimeout.Duration)
	r.DynamicLoading = osutil.EnvVarSwitchWithDefault(dynamicLoadingEnvVar, r.DynamicLoading)
	if languages, found := osutil.EnvVarListVal(defaultLanguagesEnvVar); found {
		r.DefaultLanguages = languages
	}

	s.Proxy.Runtime = osutil.EnvVarStringWithDefault(proxyRuntimeEnvVar, s.Proxy.Runtime)
	s.Proxy.InitializationTimeout.Duration = osutil.EnvVarDurationValWithDefault(proxyInitTimeoutEnvVar, s.Proxy.InitializationTimeout.Duration)

	s.Target.PythonPath = osutil.EnvVarStringWithDefault(pythonPathEnvVar, s.Target.PythonPath)
	s.Target.TerminateGracePeriod.Duration = osutil.EnvVarDurationValWithDefault(terminateGracePeriodEnvVar, s.Target.TerminateGracePeriod.Duration)

	s.Plugins.ManifestDir = osutil.EnvVarStringWithDefault(adapterManifestDirEnvVar, s.Plugins.ManifestDir)
	s.Plugins.Watch = osutil.EnvVarSwitchWithDefault(adapterManifestWatchEnvVar, s.Plugins.Watch)
}

func (s Settings) Validate() error {
	var errs []error
	if s.Registry.MaxInstancesPerLanguage <= 0 {
		errs = append(errs, fmt.Errorf("registry.max_instances_per_language must be positive (is %d)", s.Registry.MaxInstancesPerLanguage))
	}
	if s.Registry.AutoDisposeTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("registry.auto_dispose_timeout must be positive"))
	}
	if s.Proxy.InitializationTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("proxy.initialization_timeout must be positive"))
	}
	if s.Target.TerminateGracePeriod.Duration <= 0 {
		errs = append(errs, fmt.Errorf("target.terminate_grace_period must be positive"))
	}
	if s.Proxy.Runtime == "" {
		errs = append(errs, fmt.Errorf("proxy.runtime must not be empty"))
	}
	return errors.Join(errs...)
}

func (s Settings) RegistryConfig() adapters.RegistryConfig {
	return adapters.RegistryConfig{
		ValidateOnRegister:      s.Registry.ValidateOnRegister,
		AllowOverride:           s.Registry.AllowOverride,
		MaxInstancesPerLanguage: s.Registry.MaxInstancesPerLanguage,
		AutoDispose:             s.Registry.AutoDispose,
		AutoDisposeTimeout:      s.Registry.AutoDisposeTimeout.Duration,
		DynamicLoadingEnabled:   s.Registry.DynamicLoading,
		DefaultLanguages:        append([]string(nil), s.Registry.DefaultLanguages...),
	}
}

func (s Settings) ProxyLauncherConfig() proxy.LauncherConfig {
	return proxy.LauncherConfig{
		Runtime:               s.Proxy.Runtime,
		RuntimeArgs:           append([]string(nil), s.Proxy.RuntimeArgs...),
		InitializationTimeout: s.Proxy.InitializationTimeout.Duration,
	}
}

// Returns the settings in the configuration file format.
func (s Settings) Encode() ([]byte, error) {
	return toml.Marshal(s)
}
