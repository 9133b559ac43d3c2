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

import "github.com/siderail/siderail/internal"

// WithClock lets tests drive the router with a fake clock.
func WithClock(clock internal.Clock) RouterOption {
	return withClock(clock)
}

// PurgeNow runs one purge sweep synchronously, so tests don't have to
// coax the purge ticker into firing.
func (r *Router) PurgeNow() {
	r.purgeOnce()
}

// NumEntries returns the number of live destination entries.
func (r *Router) NumEntries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// EntryState reports the lifecycle state of the destination's entry. The
// second result is false if the router has no entry for it (an unlinked,
// draining entry is no longer visible here).
func (r *Router) EntryState(dest Destination) (string, bool) {
	r.mu.RLock()
	entry := r.entries[dest]
	r.mu.RUnlock()
	if entry == nil {
		return "", false
	}
	return entry.currentState().String(), true
}
