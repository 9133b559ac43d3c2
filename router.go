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

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/siderail/siderail/discovery"
	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal"
	"github.com/siderail/siderail/metrics"
)

// Destination is the opaque key for a logical upstream target, such as a
// "service:port" pair. Requests carrying the same destination share one
// processing stack.
type Destination string

// Forwarder sends one request to a concrete endpoint and returns its
// response. Implementations adapt the router to a particular transport;
// see the httpfwd package for one over net/http. The forwarder is called
// from per-destination worker goroutines and must be safe for concurrent
// use.
type Forwarder interface {
	Forward(ctx context.Context, ep *endpoint.Endpoint, req any) (any, error)
}

// Router is the dispatch table mapping destinations to their processing
// stacks. Stacks are created lazily on the first request for a
// destination and evicted, with all their resources, once the destination
// has been idle past the configured idle timeout.
type Router struct {
	ctx       context.Context //nolint:containedctx
	cancel    context.CancelFunc
	opts      routerOptions
	backend   discovery.Backend
	forwarder Forwarder
	logger    log.FieldLogger
	clock     internal.Clock
	registry  *metrics.Registry
	purgeDone chan struct{}

	mu sync.RWMutex
	// +checklocks:mu
	entries map[Destination]*destEntry
	// +checklocks:mu
	closed bool
}

// NewRouter returns a router that discovers endpoints through the given
// backend and dispatches requests through the given forwarder.
func NewRouter(backend discovery.Backend, forwarder Forwarder, options ...RouterOption) (*Router, error) {
	var opts routerOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(opts.rootCtx)
	router := &Router{
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		backend:   backend,
		forwarder: forwarder,
		logger:    opts.logger,
		clock:     opts.clock,
		purgeDone: make(chan struct{}),
		entries:   map[Destination]*destEntry{},
	}
	router.registry = metrics.NewRegistry(metrics.RegistryConfig{
		Registerer: opts.registerer,
		Retention:  opts.metricsRetention,
		Logger:     opts.logger,
		Clock:      opts.clock,
	})
	go router.purgeLoop(ctx)
	go func() {
		// close the router immediately if the root context is cancelled
		<-ctx.Done()
		router.Close()
	}()
	return router, nil
}

// Dispatch routes one request to the given destination. It blocks until
// the request resolves: with the forwarder's response, or with one of the
// package's errors (see errors.go for the taxonomy). The destination's
// stack is created on first use; admission into its queue is what counts
// as activity for idle-eviction purposes.
func (r *Router) Dispatch(ctx context.Context, dest Destination, req any) (any, error) {
	for {
		entry, err := r.getOrCreateEntry(dest)
		if err != nil {
			return nil, err
		}
		resp, err := entry.admit(ctx, req)
		if errors.Is(err, errEntryDrained) {
			// The entry was concurrently chosen for eviction between
			// lookup and admission. It is already unlinked from the
			// table, so the next iteration creates a fresh one.
			continue
		}
		return resp, err
	}
}

// getOrCreateEntry returns the live entry for dest, creating one if none
// exists. Concurrent calls for the same unknown destination converge on a
// single entry, so a destination never holds more than one discovery
// subscription.
func (r *Router) getOrCreateEntry(dest Destination) (*destEntry, error) {
	r.mu.RLock()
	closed := r.closed
	entry := r.entries[dest]
	r.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if entry != nil {
		return entry, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// double-check in case things changed while upgrading the lock
	if r.closed {
		return nil, ErrClosed
	}
	if entry := r.entries[dest]; entry != nil {
		return entry, nil
	}
	if r.opts.maxDestinations > 0 && len(r.entries) >= r.opts.maxDestinations {
		return nil, ErrTooManyDestinations
	}
	entry = r.newEntry(dest)
	r.entries[dest] = entry
	return entry, nil
}

// Close drains every destination entry and stops the purge task. It does
// not return until all dispatch workers have terminated and all discovery
// subscriptions are released. Closing an already-closed router is a
// no-op.
func (r *Router) Close() error {
	r.mu.Lock()
	alreadyClosed := r.closed
	r.closed = true
	evicting := make([]*destEntry, 0, len(r.entries))
	for dest, entry := range r.entries {
		delete(r.entries, dest)
		evicting = append(evicting, entry)
	}
	r.mu.Unlock()
	if alreadyClosed {
		<-r.purgeDone
		return nil
	}

	// Cancelling the root context unblocks workers waiting on readiness;
	// whatever is still queued then resolves with ErrClosed.
	r.cancel()
	grp, _ := errgroup.WithContext(context.Background())
	for _, entry := range evicting {
		entry := entry
		grp.Go(func() error {
			entry.beginDrain()
			<-entry.evicted()
			return nil
		})
	}
	_ = grp.Wait()
	<-r.purgeDone
	r.logger.Debug("router closed")
	return nil
}
