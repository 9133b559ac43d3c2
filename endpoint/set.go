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

// Package endpoint contains the live endpoint table for one destination.
// A Set is mutated only by the resolution watcher that owns it and read
// everywhere else, most notably by the picker that selects an endpoint
// per request.
package endpoint

import (
	"sync"
	"sync/atomic"

	"github.com/siderail/siderail/attribute"
)

// Key uniquely identifies one endpoint within a destination's set. It is
// typically a "host:port" pair.
type Key string

// Endpoint is one concrete network-reachable backend instance of a
// destination. Endpoints are created and removed by the set that owns
// them; the same *Endpoint is retained across updates that merely refresh
// its metadata, so its in-flight counter survives resolution updates.
type Endpoint struct {
	key        Key
	attributes atomic.Pointer[attribute.Values]
	healthy    atomic.Bool
	pending    atomic.Int64
}

// Key returns the endpoint's identifier.
func (e *Endpoint) Key() Key {
	return e.key
}

// Attributes returns the metadata most recently reported by the discovery
// backend for this endpoint.
func (e *Endpoint) Attributes() attribute.Values {
	return *e.attributes.Load()
}

// Healthy reports whether the endpoint is currently usable.
func (e *Endpoint) Healthy() bool {
	return e.healthy.Load()
}

// Pending reports the number of requests currently in flight to this
// endpoint. It is the load proxy compared by the power-of-two-choices
// picker.
func (e *Endpoint) Pending() int64 {
	return e.pending.Load()
}

// StartRequest records the beginning of a request dispatched to this
// endpoint. The returned function must be called exactly once, when the
// request completes.
func (e *Endpoint) StartRequest() (whenDone func()) {
	e.pending.Add(1)
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			e.pending.Add(-1)
		}
	}
}

func (e *Endpoint) setAttributes(attrs attribute.Values) {
	e.attributes.Store(&attrs)
}

// Set is a small in-memory table of the currently known endpoints for one
// destination. An empty set is a valid, meaningful state: it means the
// destination currently has no usable endpoints.
//
// The zero value is not usable; create sets with [NewSet].
type Set struct {
	mu        sync.RWMutex
	endpoints map[Key]*Endpoint
	degraded  error
	changed   chan struct{}
}

// NewSet returns a new, empty endpoint set.
func NewSet() *Set {
	return &Set{
		endpoints: map[Key]*Endpoint{},
		changed:   make(chan struct{}),
	}
}

// Put adds the endpoint with the given key to the set, or refreshes its
// attributes if it is already present. New endpoints start out healthy.
func (s *Set) Put(key Key, attrs attribute.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.endpoints[key]; ok {
		existing.setAttributes(attrs)
		s.signalLocked()
		return
	}
	endpoint := &Endpoint{key: key}
	endpoint.setAttributes(attrs)
	endpoint.healthy.Store(true)
	s.endpoints[key] = endpoint
	s.signalLocked()
}

// Delete removes the endpoint with the given key, if present.
func (s *Set) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[key]; !ok {
		return
	}
	delete(s.endpoints, key)
	s.signalLocked()
}

// Clear removes all endpoints from the set.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpoints) == 0 {
		return
	}
	s.endpoints = map[Key]*Endpoint{}
	s.signalLocked()
}

// SetHealth marks the endpoint with the given key healthy or unhealthy.
// Unhealthy endpoints remain in the set but are not usable: they are
// excluded from snapshots and do not count towards readiness.
func (s *Set) SetHealth(key Key, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	endpoint, ok := s.endpoints[key]
	if !ok || endpoint.healthy.Load() == healthy {
		return
	}
	endpoint.healthy.Store(healthy)
	s.signalLocked()
}

// MarkDegraded records that the discovery subscription feeding this set
// has failed. The set keeps serving its current (possibly stale)
// endpoints; the error is only surfaced when the set cannot satisfy a
// request.
func (s *Set) MarkDegraded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = err
	s.signalLocked()
}

// ClearDegraded records that the discovery subscription is healthy again.
func (s *Set) ClearDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded == nil {
		return
	}
	s.degraded = nil
	s.signalLocked()
}

// Err returns the error that degraded this set, or nil if the discovery
// subscription is healthy.
func (s *Set) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Len returns the number of endpoints currently in the set, healthy or
// not.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints)
}

// Ready reports whether the set has at least one usable endpoint. This is
// the readiness the dispatcher's worker polls before dequeuing a request:
// it never blocks.
func (s *Set) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, endpoint := range s.endpoints {
		if endpoint.healthy.Load() {
			return true
		}
	}
	return false
}

// Snapshot returns the currently usable endpoints. The returned slice is
// owned by the caller; the *Endpoint values are shared and remain live.
func (s *Set) Snapshot() []*Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	usable := make([]*Endpoint, 0, len(s.endpoints))
	for _, endpoint := range s.endpoints {
		if endpoint.healthy.Load() {
			usable = append(usable, endpoint)
		}
	}
	return usable
}

// Changed returns a channel that is closed the next time the set changes
// in any way: endpoint membership, health, or degraded status. Callers
// waiting for readiness select on it and then re-check [Set.Ready].
func (s *Set) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// +checklocks:s.mu
func (s *Set) signalLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
