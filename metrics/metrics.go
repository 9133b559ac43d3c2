// Copyright 2025-2026 Siderail Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the router's per-destination counters and
// gauges as prometheus series labeled by destination. Series are owned by
// a destination entry while it is live and by the retention registry once
// the entry is evicted, so scrapers can observe final values for a
// bounded window before the series are removed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request result label values.
const (
	ResultSuccess      = "success"
	ResultBackpressure = "backpressure"
	ResultTimeout      = "timeout"
	ResultUnavailable  = "unavailable"
	ResultError        = "error"
)

//nolint:gochecknoglobals
var results = []string{
	ResultSuccess,
	ResultBackpressure,
	ResultTimeout,
	ResultUnavailable,
	ResultError,
}

// vecs is the bundle of prometheus collectors shared by all destinations.
type vecs struct {
	requests     *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	endpoints    *prometheus.GaugeVec
	destinations prometheus.Gauge
	evictions    prometheus.Counter
}

func newVecs(registerer prometheus.Registerer) *vecs {
	factory := promauto.With(registerer)
	return &vecs{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_destination_requests_total",
				Help: "A counter of requests admitted for a destination, by final result.",
			},
			[]string{"dst", "result"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_destination_queue_depth",
				Help: "A gauge of the number of requests currently queued for a destination.",
			},
			[]string{"dst"},
		),
		endpoints: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_destination_endpoints",
				Help: "A gauge of the number of endpoints currently known for a destination.",
			},
			[]string{"dst"},
		),
		destinations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "router_destinations",
				Help: "A gauge of the number of destination entries currently live.",
			},
		),
		evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "router_destination_evictions_total",
				Help: "A counter of destination entries evicted for idleness.",
			},
		),
	}
}

// Handle is the metrics handle for one destination. All of its series
// carry the destination as the "dst" label. The counters for each result
// are bound up front so the dispatch path does not pay for label lookups.
type Handle struct {
	requests   map[string]prometheus.Counter
	queueDepth prometheus.Gauge
	endpoints  prometheus.Gauge
}

func newHandle(v *vecs, labels prometheus.Labels) *Handle {
	requests := make(map[string]prometheus.Counter, len(results))
	for _, result := range results {
		requests[result] = v.requests.With(prometheus.Labels{
			"dst":    labels["dst"],
			"result": result,
		})
	}
	return &Handle{
		requests:   requests,
		queueDepth: v.queueDepth.With(labels),
		endpoints:  v.endpoints.With(labels),
	}
}

// Result records the final result of one admitted (or refused) request.
// Unknown result values count as errors.
func (h *Handle) Result(result string) {
	counter, ok := h.requests[result]
	if !ok {
		counter = h.requests[ResultError]
	}
	counter.Inc()
}

// SetQueueDepth records the current dispatcher queue occupancy.
func (h *Handle) SetQueueDepth(depth int) {
	h.queueDepth.Set(float64(depth))
}

// SetEndpoints records the current size of the destination's endpoint
// set.
func (h *Handle) SetEndpoints(count int) {
	h.endpoints.Set(float64(count))
}
