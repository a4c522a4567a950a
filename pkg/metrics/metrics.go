// Copyright 2025 Alexandre Mahdhaoui
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

// Package metrics counts resolver outcomes so CI jobs can export them through
// the node-exporter textfile collector.
package metrics

import (
	"errors"

	"github.com/alexandremahdhaoui/molecule-libvirt/pkg/instance"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "molecule_libvirt"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeError       = "error"
)

// Metrics holds the resolver counters and the registry they are exposed on.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	resolutions *prometheus.CounterVec
}

// New creates the counters and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Number of instance connection resolutions by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}

	m.registry.MustRegister(m.resolutions)

	return m
}

// Observe records one resolution of operation, classifying err into an outcome.
func (m *Metrics) Observe(operation string, err error) {
	if m == nil {
		return
	}

	m.resolutions.WithLabelValues(operation, OutcomeOf(err)).Inc()
}

// Registry returns the registry holding the counters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current counters to path in the text exposition
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}

	return prometheus.WriteToTextfile(path, m.registry)
}

// OutcomeOf maps a resolver error to its outcome label.
func OutcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, instance.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, instance.ErrConfigUnavailable):
		return OutcomeUnavailable
	default:
		return OutcomeError
	}
}
