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

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/siderail/siderail/internal"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Registerer receives the router's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Retention is how long an evicted destination's series remain
	// queryable before they are removed.
	Retention time.Duration

	// Logger receives warnings about series that could not be removed.
	// Defaults to the standard logrus logger.
	Logger log.FieldLogger

	// Clock stamps retirement times. Defaults to the real clock.
	Clock internal.Clock
}

// Registry hands out per-destination metrics handles and retains the
// series of evicted destinations for a fixed window.
//
// Ownership of a destination's series is handed off in two phases: the
// destination entry owns its Handle while Active or Draining; at eviction
// the entry calls Retire and the registry takes over, stamping an expiry.
// If the destination is recreated within the retention window, Acquire
// cancels the pending expiry and the same series keep counting. The purge
// task calls SweepExpired to remove series whose window has passed.
type Registry struct {
	vecs      *vecs
	retention time.Duration
	logger    log.FieldLogger
	clock     internal.Clock

	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	handle *Handle
	// refs counts live destination entries for this key. It can briefly
	// reach 2 when a destination is recreated while its predecessor is
	// still draining.
	refs int
	// expiresAt is set once refs drops to zero.
	expiresAt time.Time
}

// NewRegistry creates a registry and registers the router's collectors
// with cfg.Registerer.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = internal.NewRealClock()
	}
	return &Registry{
		vecs:      newVecs(cfg.Registerer),
		retention: cfg.Retention,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		entries:   map[string]*registryEntry{},
	}
}

// Acquire returns the metrics handle for the given destination, creating
// its series if needed. If the destination's series were pending removal,
// the expiry is cancelled and the series continue from their last values.
func (r *Registry) Acquire(destination string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[destination]
	if !ok {
		entry = &registryEntry{
			handle: newHandle(r.vecs, prometheus.Labels{"dst": destination}),
		}
		r.entries[destination] = entry
	}
	entry.refs++
	entry.expiresAt = time.Time{}
	r.vecs.destinations.Inc()
	return entry.handle
}

// Retire transfers ownership of the destination's series to the registry.
// The series remain queryable for the retention window, then SweepExpired
// removes them.
func (r *Registry) Retire(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[destination]
	if !ok {
		return
	}
	r.vecs.destinations.Dec()
	r.vecs.evictions.Inc()
	entry.refs--
	if entry.refs > 0 {
		// A newer entry for the same destination is live; its series
		// stay owned.
		return
	}
	entry.expiresAt = r.clock.Now().Add(r.retention)
}

// SweepExpired removes the series of destinations whose retention window
// has passed as of now. It returns the number of destinations removed.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for destination, entry := range r.entries {
		if entry.refs > 0 || entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			continue
		}
		delete(r.entries, destination)
		r.deleteSeries(destination)
		removed++
	}
	return removed
}

func (r *Registry) deleteSeries(destination string) {
	labels := prometheus.Labels{"dst": destination}
	if n := r.vecs.requests.DeletePartialMatch(labels); n == 0 {
		r.logger.Warnf("unable to delete router_destination_requests_total series with labels %s", labels)
	}
	if !r.vecs.queueDepth.Delete(labels) {
		r.logger.Warnf("unable to delete router_destination_queue_depth series with labels %s", labels)
	}
	if !r.vecs.endpoints.Delete(labels) {
		r.logger.Warnf("unable to delete router_destination_endpoints series with labels %s", labels)
	}
}
