/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package plugins

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/process"
)

const DefaultValidationTimeout = 10 * time.Second

// ManifestFactory creates proxy-hosted adapters described by a Manifest.
type ManifestFactory struct {
	manifest *Manifest
	executor process.Executor
	log      logr.Logger
}

var _ adapters.Factory = (*ManifestFactory)(nil)

func NewManifestFactory(manifest *Manifest, executor process.Executor, log logr.Logger) *ManifestFactory {
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}
	return &ManifestFactory{
		manifest: manifest,
		executor: executor,
		log:      log.WithName("manifest-factory").WithValues("Language", manifest.Language),
	}
}

// Checks that the proxy script exists and runs the validation command from the manifest (if any).
// The adapter is valid if the command exits with code 0.
func (f *ManifestFactory) Validate(ctx context.Context) (adapters.ValidationResult, error) {
	result := adapters.ValidationResult{
		Valid:   true,
		Details: map[string]any{"manifest": f.manifest.path},
	}

	script := f.manifest.ScriptPath()
	if _, statErr := os.Stat(script); statErr != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("proxy script '%s' is not available: %v", script, statErr))
	}

	vs := f.manifest.Validate
	if vs.Command == "" {
		return result, nil
	}

	if _, lookErr := exec.LookPath(vs.Command); lookErr != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("validation command '%s' not found", vs.Command))
		return result, nil
	}

	timeout := vs.Timeout
	if timeout == 0 {
		timeout = DefaultValidationTimeout
	}
	validateCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, runErr := process.RunToCompletion(validateCtx, f.executor, exec.Command(vs.Command, vs.Args...))
	result.Details["validationExitCode"] = exitCode
	switch {
	case validateCtx.Err() != nil && ctx.Err() == nil:
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("validation command did not complete within %s", timeout))
	case runErr != nil:
		return result, fmt.Errorf("could not run validation command for %s adapter: %w", f.manifest.Language, runErr)
	case exitCode != 0:
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("validation command exited with code %d", exitCode))
	}

	f.log.V(1).Info("Adapter validated", "Valid", result.Valid, "ExitCode", exitCode)
	return result, nil
}

func (f *ManifestFactory) Metadata() adapters.Metadata {
	return f.manifest.Metadata
}

func (f *ManifestFactory) CreateAdapter(deps adapters.Dependencies) (adapters.Adapter, error) {
	if deps.ProxyLauncher == nil {
		return nil, fmt.Errorf("%s adapter requires a proxy launcher", f.manifest.Language)
	}
	return newProxyAdapter(f.manifest, deps), nil
}
