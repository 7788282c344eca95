/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAdapterNotInstalled is returned by loaders when no adapter is available for a language.
	ErrAdapterNotInstalled = errors.New("adapter not installed")

	// ErrRegistryTornDown is returned by Create() when the registry was disposed, or the language was unregistered,
	// while the adapter was being created. The adapter is disposed in that case.
	ErrRegistryTornDown = errors.New("adapter registry was torn down while the adapter was being created")
)

// AdapterNotFoundError is returned when no factory can be found (or loaded) for a language.
type AdapterNotFoundError struct {
	Language           string
	AvailableLanguages []string
	Cause              error
}

func (e *AdapterNotFoundError) Error() string {
	return fmt.Sprintf("No debug adapter registered for language: %s. Available: %s", e.Language, strings.Join(e.AvailableLanguages, ", "))
}

func (e *AdapterNotFoundError) Unwrap() error {
	return e.Cause
}

// DuplicateRegistrationError is returned when registering a second factory for the same language.
type DuplicateRegistrationError struct {
	Language string
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("Adapter already registered for language: %s", e.Language)
}

// FactoryValidationError is returned when a factory reports that it cannot work on this machine.
// Cause is set when the validation itself could not be performed.
type FactoryValidationError struct {
	Language         string
	ValidationResult ValidationResult
	Cause            error
}

func (e *FactoryValidationError) Error() string {
	return fmt.Sprintf("Adapter factory validation failed for %s: %s", e.Language, strings.Join(e.ValidationResult.Errors, ", "))
}

func (e *FactoryValidationError) Unwrap() error {
	return e.Cause
}

// CapacityError is returned when the maximum number of live adapters for a language has been reached.
type CapacityError struct {
	Language     string
	MaxInstances int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("Maximum adapter instances (%d) reached for language: %s", e.MaxInstances, e.Language)
}

// IsRegistrationError returns true if the error indicates that a factory could not be registered.
func IsRegistrationError(err error) bool {
	var dup *DuplicateRegistrationError
	var invalid *FactoryValidationError
	return errors.As(err, &dup) || errors.As(err, &invalid)
}

// IsResolutionError returns true if the error indicates that an adapter could not be created
// because of missing factory or lack of capacity.
func IsResolutionError(err error) bool {
	var notFound *AdapterNotFoundError
	var capacity *CapacityError
	return errors.As(err, &notFound) || errors.As(err, &capacity)
}
