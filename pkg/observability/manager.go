// Copyright 2025 OneKey
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the tracer and metrics lifecycles.
type Manager struct {
	config   Config
	tracer   *Tracer
	metrics  *ServiceMetrics
	registry *prometheus.Registry
	mu       sync.RWMutex
}

// NewManager creates an uninitialized Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Initialize sets up tracing and metrics per configuration.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracer, err := NewTracer(ctx, &m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracer = tracer

	metrics, registry, err := InitMetrics(m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	m.registry = registry

	return nil
}

// Tracer returns the tracer; nil when tracing is disabled (nil is safe
// to use).
func (m *Manager) Tracer() *Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracer
}

// Metrics returns the service metrics recorder (never nil after
// Initialize).
func (m *Manager) Metrics() *ServiceMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsEnabled reports whether the /metrics endpoint should be mounted.
func (m *Manager) MetricsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry != nil
}

// MetricsHandler serves the Prometheus scrape endpoint.
func (m *Manager) MetricsHandler() http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the tracer.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracer.Shutdown(ctx)
}
