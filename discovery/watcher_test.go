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

package discovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/siderail/siderail/discovery"
	"github.com/siderail/siderail/discovery/discoverytest"
	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitCondition(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.FailNow(t, msg)
}

func TestWatcherAppliesUpdatesWithoutTraffic(t *testing.T) {
	t.Parallel()
	backend := discoverytest.NewBackend()
	backend.SetEndpoints("blue", "10.0.0.1:8080", "10.0.0.2:8080")
	set := endpoint.NewSet()

	watcher := discovery.NewWatcher(context.Background(), discovery.WatcherConfig{
		Backend:     backend,
		Destination: "blue",
		Set:         set,
	})
	defer func() {
		require.NoError(t, watcher.Close())
	}()

	// No request ever flows through this set; the snapshot must be
	// applied anyway.
	awaitCondition(t, func() bool { return set.Len() == 2 }, "snapshot never applied")
	assert.True(t, set.Ready())

	// Delta updates: one endpoint replaced by another.
	backend.SendUpdate("blue", discovery.Update{
		Add:    []discovery.Address{{HostPort: "10.0.0.3:8080"}},
		Remove: []string{"10.0.0.1:8080"},
	})
	awaitCondition(t, func() bool {
		if set.Len() != 2 {
			return false
		}
		for _, ep := range set.Snapshot() {
			if ep.Key() == "10.0.0.1:8080" {
				return false
			}
		}
		return true
	}, "delta update never applied")

	// Reset with no endpoints empties the set.
	backend.ClearEndpoints("blue")
	awaitCondition(t, func() bool { return set.Len() == 0 }, "clear never applied")
	assert.False(t, set.Ready())
}

func TestWatcherCloseReleasesSubscription(t *testing.T) {
	t.Parallel()
	backend := discoverytest.NewBackend()
	backend.SetEndpoints("blue", "10.0.0.1:8080")
	set := endpoint.NewSet()

	watcher := discovery.NewWatcher(context.Background(), discovery.WatcherConfig{
		Backend:     backend,
		Destination: "blue",
		Set:         set,
	})
	awaitCondition(t, func() bool { return backend.Subscriptions("blue") == 1 }, "subscription never opened")

	require.NoError(t, watcher.Close())
	select {
	case <-watcher.Done():
	default:
		t.Fatal("Close returned before the watcher terminated")
	}
	awaitCondition(t, func() bool { return backend.Subscriptions("blue") == 0 }, "subscription never released")
}

func TestWatcherReconnectsWithBackoff(t *testing.T) {
	t.Parallel()
	backend := discoverytest.NewBackend()
	backend.SetEndpoints("blue", "10.0.0.1:8080")
	set := endpoint.NewSet()
	clock := clocktest.NewFakeClock()

	watcher := discovery.NewWatcher(context.Background(), discovery.WatcherConfig{
		Backend:     backend,
		Destination: "blue",
		Set:         set,
		Clock:       clock,
		MinBackoff:  100 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	})
	defer func() {
		require.NoError(t, watcher.Close())
	}()
	awaitCondition(t, func() bool { return set.Len() == 1 }, "snapshot never applied")

	// Break the stream: the set degrades but keeps its stale endpoint.
	cause := errors.New("stream reset by peer")
	backend.FailStreams("blue", cause)
	awaitCondition(t, func() bool { return set.Err() != nil }, "set never marked degraded")
	assert.ErrorIs(t, set.Err(), cause)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, 1, backend.TotalWatches("blue"))

	// The watcher sleeps for the backoff, then redials. Once the new
	// subscription delivers the snapshot, the degraded marker clears.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)
	awaitCondition(t, func() bool { return backend.TotalWatches("blue") == 2 }, "watcher never redialed")
	awaitCondition(t, func() bool { return set.Err() == nil }, "degraded marker never cleared")
}

func TestWatcherBackoffGrowsWhenWatchFails(t *testing.T) {
	t.Parallel()
	backend := discoverytest.NewBackend()
	backend.SetEndpoints("blue", "10.0.0.1:8080")
	set := endpoint.NewSet()
	clock := clocktest.NewFakeClock()
	cause := errors.New("backend unavailable")
	backend.FailNextWatch(cause)

	watcher := discovery.NewWatcher(context.Background(), discovery.WatcherConfig{
		Backend:     backend,
		Destination: "blue",
		Set:         set,
		Clock:       clock,
		MinBackoff:  100 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
	})
	defer func() {
		require.NoError(t, watcher.Close())
	}()

	// First Watch fails immediately and degrades the empty set.
	awaitCondition(t, func() bool { return set.Err() != nil }, "set never marked degraded")
	assert.ErrorIs(t, set.Err(), cause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Second attempt, after MinBackoff, succeeds.
	backend.FailNextWatch(cause)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(100 * time.Millisecond)

	// That attempt failed too; the delay doubles.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(99 * time.Millisecond)
	assert.Equal(t, 0, backend.TotalWatches("blue"))
	clock.Advance(101 * time.Millisecond)
	awaitCondition(t, func() bool { return backend.TotalWatches("blue") == 1 }, "watcher never connected")
	awaitCondition(t, func() bool { return set.Err() == nil }, "degraded marker never cleared")
}
