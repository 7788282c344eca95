/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package metrics

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dcpdbg/pkg/adapters"
	"github.com/microsoft/dcpdbg/pkg/proxy"
)

// Returns the value of the counter or gauge with the given name and labels, or -1 if there is no such series.
func metricValue(t *testing.T, c *Collector, name string, labels map[string]string) float64 {
	families, err := c.Registry().Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if !labelsMatch(m, labels) {
				continue
			}
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				return m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				return m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestRegistryMetrics(t *testing.T) {
	t.Parallel()
	c := NewCollector()

	c.FactoryRegistered("python")
	c.AdapterCreated("python")
	c.AdapterCreated("python")
	c.ActiveAdapters("python", 2)
	c.AdapterCreateFailed("python", &adapters.CapacityError{Language: "python", MaxInstances: 2})
	c.AdapterCreateFailed("ruby", &adapters.AdapterNotFoundError{Language: "ruby"})
	c.AdapterCreateFailed("python", fmt.Errorf("could not initialize: %w", errors.New("boom")))
	c.AdapterDisposed("python", adapters.DisposeReasonAutoDispose)
	c.ActiveAdapters("python", 1)

	python := map[string]string{"language": "python"}
	require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_registry_registered_factories", python))
	require.Equal(t, 2.0, metricValue(t, c, "dcpdbg_registry_adapters_created_total", python))
	require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_registry_active_adapters", python))
	require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_registry_adapter_create_failures_total",
		map[string]string{"language": "python", "reason": "capacity"}))
	require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_registry_adapter_create_failures_total",
		map[string]string{"language": "python", "reason": "other"}))
	require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_registry_adapter_create_failures_total",
		map[string]string{"language": "ruby", "reason": "not_found"}))
	require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_registry_adapters_disposed_total",
		map[string]string{"language": "python", "reason": "auto_dispose"}))

	c.FactoryUnregistered("python")
	require.Equal(t, -1.0, metricValue(t, c, "dcpdbg_registry_registered_factories", python))
}

func TestHandshakeMetrics(t *testing.T) {
	t.Parallel()
	c := NewCollector()

	c.HandshakeSettled(proxy.InitializationCompleted, nil, 200*time.Millisecond)
	c.HandshakeSettled(proxy.InitializationFailed, fmt.Errorf("%w [handle x]", proxy.ErrInitializationTimeout), 30*time.Second)
	c.HandshakeSettled(proxy.InitializationFailed, proxy.ErrExitedBeforeInitialization, time.Second)
	c.HandshakeSettled(proxy.InitializationFailed, proxy.ErrKilledDuringInitialization, time.Second)
	c.HandshakeSettled(proxy.InitializationFailed, proxy.ErrProxyDisposed, time.Second)

	for _, outcome := range []string{"completed", "timeout", "exited", "killed", "failed"} {
		labels := map[string]string{"outcome": outcome}
		require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_proxy_handshakes_total", labels), outcome)
		require.Equal(t, 1.0, metricValue(t, c, "dcpdbg_proxy_handshake_duration_seconds", labels), outcome)
	}
}

func TestMetricsHandler(t *testing.T) {
	t.Parallel()
	c := NewCollector()
	c.AdapterCreated("mock")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `dcpdbg_registry_adapters_created_total{language="mock"} 1`)
}
