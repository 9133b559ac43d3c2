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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siderail/siderail/discovery"
	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal"
	"github.com/siderail/siderail/metrics"
)

// entryState is the lifecycle of one destination entry. Transitions only
// move forward: active → draining → evicted. An evicted entry is never
// reused; a later request for the same destination creates a brand-new
// entry.
type entryState int

const (
	// entryActive: the entry admits requests and its watcher, set, and
	// worker are live.
	entryActive entryState = iota
	// entryDraining: eviction is decided and the producer side is
	// closed. No new admissions; the worker resolves what is queued.
	entryDraining
	// entryEvicted: the worker has terminated, the watcher's
	// subscription is released, and the metrics handle has been handed
	// off to the retention registry.
	entryEvicted
)

func (s entryState) String() string {
	switch s {
	case entryActive:
		return "active"
	case entryDraining:
		return "draining"
	case entryEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// destEntry is the per-destination processing stack the router manages:
// one resolution watcher feeding one endpoint set, one picker over that
// set, and one buffering dispatcher in front.
type destEntry struct {
	dest      Destination
	logger    log.FieldLogger
	clock     internal.Clock
	set       *endpoint.Set
	watcher   *discovery.Watcher
	disp      *dispatcher
	registry  *metrics.Registry
	cancel    context.CancelFunc
	createdAt time.Time

	mu sync.Mutex
	// +checklocks:mu
	state entryState
	// +checklocks:mu
	lastActive time.Time
}

// newEntry assembles and starts the destination's stack. Called from the
// router's create path, under its write lock.
func (r *Router) newEntry(dest Destination) *destEntry {
	entryCtx, cancel := context.WithCancel(r.ctx)
	logger := r.logger.WithField("dst", string(dest))
	set := endpoint.NewSet()
	now := r.clock.Now()
	entry := &destEntry{
		dest:       dest,
		logger:     logger,
		clock:      r.clock,
		set:        set,
		registry:   r.registry,
		cancel:     cancel,
		createdAt:  now,
		state:      entryActive,
		lastActive: now,
	}
	entry.watcher = discovery.NewWatcher(entryCtx, discovery.WatcherConfig{
		Backend:     r.backend,
		Destination: string(dest),
		Set:         set,
		Logger:      r.logger,
		Clock:       r.clock,
		MinBackoff:  r.opts.minBackoff,
		MaxBackoff:  r.opts.maxBackoff,
	})
	entry.disp = newDispatcher(dispatcherConfig{
		ctx:              entryCtx,
		set:              set,
		picker:           r.opts.pickerFactory.New(set),
		forwarder:        r.forwarder,
		capacity:         r.opts.queueCapacity,
		readinessTimeout: r.opts.readinessTimeout,
		clock:            r.clock,
		logger:           logger,
		metrics:          r.registry.Acquire(string(dest)),
		onExit:           entry.finalize,
	})
	logger.Debug("created destination entry")
	return entry
}

// admit queues one request and waits for its result. It returns
// errEntryDrained when the entry stopped admitting before the request
// got in; the router then retries against a fresh entry. Admission and
// the eviction decision exclude each other on the entry's lock, so an
// entry that just admitted a request cannot be concurrently chosen for
// eviction.
func (e *destEntry) admit(ctx context.Context, req any) (any, error) {
	e.mu.Lock()
	if e.state != entryActive {
		e.mu.Unlock()
		return nil, errEntryDrained
	}
	qr, err := e.disp.tryEnqueue(ctx, req)
	if err == nil {
		e.lastActive = e.clock.Now()
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.disp.await(ctx, qr)
}

// beginDrainIfIdle moves the entry to draining if it has been idle for at
// least idleTimeout as of now, closing the producer side of its queue.
// Returns whether the transition happened.
func (e *destEntry) beginDrainIfIdle(now time.Time, idleTimeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != entryActive || now.Sub(e.lastActive) < idleTimeout {
		return false
	}
	e.beginDrainLocked()
	return true
}

// beginDrain unconditionally moves the entry to draining. Used when the
// router closes.
func (e *destEntry) beginDrain() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != entryActive {
		return false
	}
	e.beginDrainLocked()
	return true
}

// +checklocks:e.mu
func (e *destEntry) beginDrainLocked() {
	e.state = entryDraining
	close(e.disp.draining)
	e.logger.WithField("idle", e.clock.Since(e.lastActive)).Debug("draining destination entry")
}

// finalize runs on the dispatcher's worker goroutine as its last act
// before the done channel closes: it releases the inner stack and hands
// the metrics off to the retention registry. Tying release to worker
// termination is what makes "alive worker holding a dead stack" (and the
// reverse) impossible.
func (e *destEntry) finalize() {
	_ = e.watcher.Close()
	e.cancel()
	e.mu.Lock()
	e.state = entryEvicted
	e.mu.Unlock()
	e.registry.Retire(string(e.dest))
	e.logger.Debug("evicted destination entry")
}

// evicted returns a channel that closes once the entry reaches the
// evicted state.
func (e *destEntry) evicted() <-chan struct{} {
	return e.disp.done
}

func (e *destEntry) currentState() entryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}
