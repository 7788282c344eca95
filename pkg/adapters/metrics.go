/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package adapters

// Reasons for adapter disposal reported to MetricsCollector.
const (
	DisposeReasonUnregister  = "unregister"
	DisposeReasonDisposeAll  = "dispose_all"
	DisposeReasonAutoDispose = "auto_dispose"
	DisposeReasonInitFailed  = "init_failed"
	DisposeReasonSelf        = "self"
)

// MetricsCollector receives notifications about registry activity.
// Implementations must be safe for concurrent use and must not call back into the registry.
type MetricsCollector interface {
	FactoryRegistered(language string)
	FactoryUnregistered(language string)
	AdapterCreated(language string)
	AdapterCreateFailed(language string, err error)
	AdapterDisposed(language string, reason string)
	ActiveAdapters(language string, count int)
}

type noopMetrics struct{}

func (noopMetrics) FactoryRegistered(string)          {}
func (noopMetrics) FactoryUnregistered(string)        {}
func (noopMetrics) AdapterCreated(string)             {}
func (noopMetrics) AdapterCreateFailed(string, error) {}
func (noopMetrics) AdapterDisposed(string, string)    {}
func (noopMetrics) ActiveAdapters(string, int)        {}

var _ MetricsCollector = noopMetrics{}
