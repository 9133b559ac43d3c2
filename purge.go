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

	log "github.com/sirupsen/logrus"
)

// purgeLoop is the router's only periodic task. It runs for the router's
// whole life, sweeping on a fixed interval for idle destination entries
// to evict and for retired metrics whose retention window has passed.
//
// The loop only initiates evictions; each entry's own worker carries the
// eviction through draining to evicted. An eviction therefore completes
// (and is observable) regardless of what this loop does next.
func (r *Router) purgeLoop(ctx context.Context) {
	defer close(r.purgeDone)
	ticker := r.clock.NewTicker(r.opts.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.purgeOnce()
		case <-ctx.Done():
			return
		}
	}
}

// purgeOnce performs one sweep. Idle entries transition to draining and
// are unlinked from the table under the router's write lock, so the sweep
// cannot race an admission: an entry either admits the request first
// (refreshing its activity) or stops admitting before it is unlinked.
func (r *Router) purgeOnce() {
	now := r.clock.Now()
	evicted := 0
	r.mu.Lock()
	for dest, entry := range r.entries {
		if entry.beginDrainIfIdle(now, r.opts.idleTimeout) {
			delete(r.entries, dest)
			evicted++
		}
	}
	remaining := len(r.entries)
	r.mu.Unlock()

	expired := r.registry.SweepExpired(now)
	if evicted > 0 || expired > 0 {
		r.logger.WithFields(log.Fields{
			"evicted":   evicted,
			"expired":   expired,
			"remaining": remaining,
		}).Debug("purge sweep complete")
	}
}
