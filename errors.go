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

package siderail

import "errors"

// The errors a Dispatch call can resolve with, beyond whatever the
// forwarder itself returns. All of them are scoped to one destination's
// requests; none is fatal to the process. Use errors.Is to classify.
var (
	// ErrBackpressure is returned immediately when a destination's
	// dispatch queue is full. The caller should shed load or retry
	// later; the router never blocks or buffers beyond the configured
	// capacity.
	ErrBackpressure = errors.New("destination queue is full")

	// ErrTimeout is returned when a destination stays unready past the
	// configured readiness timeout. Every request queued during such a
	// period resolves with this error, and new requests fail fast with
	// it until the destination becomes ready again.
	ErrTimeout = errors.New("destination not ready within readiness timeout")

	// ErrUnavailable is returned when a request reaches the balancer but
	// no usable endpoint exists to dispatch it to.
	ErrUnavailable = errors.New("destination has no usable endpoints")

	// ErrClosed is returned for requests dispatched to a closed router,
	// and for requests still queued when the router shuts down.
	ErrClosed = errors.New("router is closed")

	// ErrTooManyDestinations is returned when creating an entry for a
	// new destination would exceed the configured maximum. Existing
	// destinations are unaffected.
	ErrTooManyDestinations = errors.New("too many destinations")
)

// errEntryDrained is an internal signal: the request hit an entry that
// was concurrently chosen for eviction before admission. The router
// retries through the create path; callers never observe it.
var errEntryDrained = errors.New("destination entry is draining")
