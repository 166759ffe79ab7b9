/*
 * Copyright 2026 The Skiff Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes counters for the sync machinery. Embedding
// applications can register the collectors on their own registry or
// serve the bundled one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "skiff"

// Metrics holds the sync machinery's collectors.
type Metrics struct {
	registry *prometheus.Registry

	polls           *prometheus.CounterVec
	pushedDocuments prometheus.Counter
	pulledDocuments prometheus.Counter
	transportErrors prometheus.Counter
	queuedCalls     prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}

	m := &Metrics{
		registry: reg,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "polls_total",
			Help:      "Completed poll cycles by trigger source.",
		}, []string{"source"}),
		pushedDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pushed_documents_total",
			Help:      "Documents sent to the remote authority.",
		}),
		pulledDocuments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulled_documents_total",
			Help:      "Documents received from the remote authority.",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "transport_errors_total",
			Help:      "Failed transport round trips.",
		}),
		queuedCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queued_calls",
			Help:      "Calls waiting for the next poll cycle.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.polls, m.pushedDocuments, m.pulledDocuments, m.transportErrors, m.queuedCalls,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the bundled registry for serving or re-registration.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePoll counts one completed poll cycle.
func (m *Metrics) ObservePoll(source string) {
	m.polls.WithLabelValues(source).Inc()
}

// AddPushedDocuments counts documents sent in a change-set.
func (m *Metrics) AddPushedDocuments(n int) {
	m.pushedDocuments.Add(float64(n))
}

// AddPulledDocuments counts documents received by subscriptions.
func (m *Metrics) AddPulledDocuments(n int) {
	m.pulledDocuments.Add(float64(n))
}

// ObserveTransportError counts one failed round trip.
func (m *Metrics) ObserveTransportError() {
	m.transportErrors.Inc()
}

// SetQueuedCalls records the current queue depth.
func (m *Metrics) SetQueuedCalls(n int) {
	m.queuedCalls.Set(float64(n))
}
