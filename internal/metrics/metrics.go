/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package metrics exposes adapter registry and proxy handshake metrics to Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/proxy"
)

const namespace = "dcpdbg"

// Create failure reasons.
const (
	failureNotFound = "not_found"
	failureCapacity = "capacity"
	failureOther    = "other"
)

// Collector records registry and handshake metrics in its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	registeredFactories *prometheus.GaugeVec
	adaptersCreated     *prometheus.CounterVec
	createFailures      *prometheus.CounterVec
	adaptersDisposed    *prometheus.CounterVec
	activeAdapters      *prometheus.GaugeVec
	handshakes          *prometheus.CounterVec
	handshakeDuration   *prometheus.HistogramVec
}

var (
	_ adapters.MetricsCollector = (*Collector)(nil)
	_ proxy.HandshakeObserver   = (*Collector)(nil)
)

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		registeredFactories: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registered_factories",
			Help:      "Adapter factories registered, per language (1 if registered)",
		}, []string{"language"}),
		adaptersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "adapters_created_total",
			Help:      "Adapters created and initialized successfully",
		}, []string{"language"}),
		createFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "adapter_create_failures_total",
			Help:      "Adapter creation attempts that failed",
		}, []string{"language", "reason"}),
		adaptersDisposed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "adapters_disposed_total",
			Help:      "Adapters disposed, by disposal reason",
		}, []string{"language", "reason"}),
		activeAdapters: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_adapters",
			Help:      "Live adapter instances",
		}, []string{"language"}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "handshakes_total",
			Help:      "Proxy initialization handshakes, by outcome",
		}, []string{"outcome"}),
		handshakeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "handshake_duration_seconds",
			Help:      "Time from the start of the proxy initialization handshake until it settled",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
	}
}

// Returns the Prometheus registry the metrics are recorded in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Returns an HTTP handler that serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) FactoryRegistered(language string) {
	c.registeredFactories.WithLabelValues(language).Set(1)
}

func (c *Collector) FactoryUnregistered(language string) {
	c.registeredFactories.DeleteLabelValues(language)
}

func (c *Collector) AdapterCreated(language string) {
	c.adaptersCreated.WithLabelValues(language).Inc()
}

func (c *Collector) AdapterCreateFailed(language string, err error) {
	c.createFailures.WithLabelValues(language, failureReason(err)).Inc()
}

func (c *Collector) AdapterDisposed(language string, reason string) {
	c.adaptersDisposed.WithLabelValues(language, reason).Inc()
}

func (c *Collector) ActiveAdapters(language string, count int) {
	c.activeAdapters.WithLabelValues(language).Set(float64(count))
}

func (c *Collector) HandshakeSettled(state proxy.InitializationState, cause error, elapsed time.Duration) {
	outcome := handshakeOutcome(state, cause)
	c.handshakes.WithLabelValues(outcome).Inc()
	c.handshakeDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func failureReason(err error) string {
	var notFound *adapters.AdapterNotFoundError
	var capacity *adapters.CapacityError
	switch {
	case errors.As(err, &notFound):
		return failureNotFound
	case errors.As(err, &capacity):
		return failureCapacity
	default:
		return failureOther
	}
}

func handshakeOutcome(state proxy.InitializationState, cause error) string {
	switch {
	case state == proxy.InitializationCompleted:
		return "completed"
	case errors.Is(cause, proxy.ErrInitializationTimeout):
		return "timeout"
	case errors.Is(cause, proxy.ErrExitedBeforeInitialization):
		return "exited"
	case errors.Is(cause, proxy.ErrKilledDuringInitialization):
		return "killed"
	default:
		return "failed"
	}
}
