/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

type RegistryEventKind string

const (
	FactoryRegistered   RegistryEventKind = "factoryRegistered"
	FactoryUnregistered RegistryEventKind = "factoryUnregistered"
	AdapterCreated      RegistryEventKind = "adapterCreated"
	AdapterDisposed     RegistryEventKind = "adapterDisposed"
	RegistryDisposed    RegistryEventKind = "registryDisposed"
	RegistryError       RegistryEventKind = "error"
)

type RegistryEvent struct {
	Kind     RegistryEventKind
	Language string

	// Set for FactoryRegistered.
	Metadata *Metadata

	// Set for AdapterCreated and AdapterDisposed.
	Adapter Adapter

	// Set for RegistryError.
	Err error
}
