/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

import (
	"time"
)

const (
	DefaultMaxInstancesPerLanguage = 10
	DefaultAutoDisposeTimeout      = 5 * time.Minute
)

// RegistryConfig is copied by NewRegistry() and cannot be changed afterwards.
type RegistryConfig struct {
	// Call Factory.Validate() when registering a factory.
	ValidateOnRegister bool

	// Allow registering a factory for a language that already has one (the new factory replaces the old one).
	AllowOverride bool

	MaxInstancesPerLanguage int

	// Dispose adapters that stay disconnected (or in error state) for AutoDisposeTimeout.
	AutoDispose        bool
	AutoDisposeTimeout time.Duration

	// Use the Loader to find factories for languages that were not registered explicitly.
	DynamicLoadingEnabled bool

	// Languages reported by ListLanguages() when dynamic discovery fails or finds nothing.
	DefaultLanguages []string
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ValidateOnRegister:      true,
		AllowOverride:           false,
		MaxInstancesPerLanguage: DefaultMaxInstancesPerLanguage,
		AutoDispose:             true,
		AutoDisposeTimeout:      DefaultAutoDisposeTimeout,
		DynamicLoadingEnabled:   false,
	}
}

func (c RegistryConfig) normalized() RegistryConfig {
	if c.MaxInstancesPerLanguage <= 0 {
		c.MaxInstancesPerLanguage = DefaultMaxInstancesPerLanguage
	}
	if c.AutoDisposeTimeout <= 0 {
		c.AutoDisposeTimeout = DefaultAutoDisposeTimeout
	}
	c.DefaultLanguages = append([]string(nil), c.DefaultLanguages...)
	return c
}
