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

// Package discovery defines how the router learns about the endpoints
// backing a destination. A [Backend] is a remote streaming source of
// endpoint-set updates; a [Watcher] owns one subscription per destination
// and applies its updates to that destination's endpoint set.
//
// The wire protocol used to reach a real backend is out of scope here.
// The Backend interface is stream-shaped (open by key, then Recv until
// error) so that, for example, a gRPC streaming client adapts to it
// without any glue beyond type conversion. The package ships one concrete
// backend, the polling [NewDNSBackend], and the discoverytest subpackage
// provides a programmable in-memory backend for tests.
package discovery

import (
	"context"

	"github.com/siderail/siderail/attribute"
)

// Address is one endpoint reported by a discovery backend.
type Address struct {
	// HostPort stores the host:port pair of the resolved endpoint.
	HostPort string

	// Attributes is a collection of arbitrary key/value pairs that the
	// backend associates with this endpoint.
	Attributes attribute.Values
}

// Update is one delta-shaped change to a destination's endpoint set.
// A watcher applies the fields in a fixed order: Reset first, then Add,
// then Remove. A backend that only produces full snapshots can therefore
// express each snapshot as a single update with Reset set and the
// snapshot in Add.
type Update struct {
	// Add lists endpoints to add, or to refresh if already present.
	Add []Address

	// Remove lists the host:port keys of endpoints that are gone.
	Remove []string

	// Reset indicates the update replaces the whole set: all previously
	// known endpoints are dropped before Add is applied. An update with
	// Reset set and an empty Add means the destination currently has no
	// endpoints at all.
	Reset bool
}

// Backend opens streaming subscriptions to endpoint-set updates, one per
// destination.
type Backend interface {
	// Watch opens a subscription for the given destination. Updates are
	// read from the returned stream. Cancelling the context must promptly
	// release the subscription and unblock any pending Recv, without
	// requiring the backend to acknowledge.
	Watch(ctx context.Context, destination string) (Stream, error)
}

// Stream yields the updates of one subscription.
type Stream interface {
	// Recv blocks until the next update arrives. It returns an error when
	// the stream fails or when the subscription's context is cancelled;
	// after an error the stream is dead and must not be used again.
	Recv() (Update, error)
}
