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
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/siderail/siderail/attribute"
	"github.com/siderail/siderail/balance"
	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal"
	"github.com/siderail/siderail/internal/clocktest"
	"github.com/siderail/siderail/metrics"
)

type countingForwarder struct {
	calls atomic.Int64
	resp  any
	err   error
}

func (f *countingForwarder) Forward(_ context.Context, _ *endpoint.Endpoint, _ any) (any, error) {
	f.calls.Add(1)
	return f.resp, f.err
}

// recordingForwarder keeps every payload it receives, in arrival order.
type recordingForwarder struct {
	mu   sync.Mutex
	seen []any
}

func (f *recordingForwarder) Forward(_ context.Context, _ *endpoint.Endpoint, req any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	return "ok", nil
}

func (f *recordingForwarder) payloads() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.seen...)
}

// gatedPickers builds pickers whose Pick blocks until the test sends on
// the gate. Each release lets the worker dispatch exactly one request,
// so a test can step through a queued backlog one request at a time.
type gatedPickers struct {
	gate chan struct{}
}

func (g *gatedPickers) New(set *endpoint.Set) balance.Picker {
	return &gatedPicker{gate: g.gate, inner: balance.PowerOfTwo.New(set)}
}

type gatedPicker struct {
	gate  chan struct{}
	inner balance.Picker
}

func (p *gatedPicker) Pick() (*endpoint.Endpoint, func(), error) {
	<-p.gate
	return p.inner.Pick()
}

type dispatcherHarness struct {
	disp   *dispatcher
	set    *endpoint.Set
	cancel context.CancelFunc
	exits  atomic.Int64
}

func newDispatcherHarness(t *testing.T, forwarder Forwarder, capacity int, clock internal.Clock) *dispatcherHarness {
	t.Helper()
	return newDispatcherHarnessWithPickers(t, forwarder, capacity, clock, balance.PowerOfTwo)
}

func newDispatcherHarnessWithPickers(t *testing.T, forwarder Forwarder, capacity int, clock internal.Clock, pickers balance.Factory) *dispatcherHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New()
	logger.SetOutput(io.Discard)
	registry := metrics.NewRegistry(metrics.RegistryConfig{
		Registerer: prometheus.NewRegistry(),
		Retention:  time.Minute,
		Logger:     logger,
		Clock:      clock,
	})
	harness := &dispatcherHarness{
		set:    endpoint.NewSet(),
		cancel: cancel,
	}
	harness.disp = newDispatcher(dispatcherConfig{
		ctx:              ctx,
		set:              harness.set,
		picker:           pickers.New(harness.set),
		forwarder:        forwarder,
		capacity:         capacity,
		readinessTimeout: defaultReadinessTimeout,
		clock:            clock,
		logger:           logger,
		metrics:          registry.Acquire("test"),
		onExit:           func() { harness.exits.Add(1) },
	})
	t.Cleanup(func() {
		cancel()
		harness.drainAndStop(t)
	})
	return harness
}

// drainAndStop closes the producer side and waits for the worker, the way
// the owning entry would during eviction. Safe to call more than once per
// test only through Cleanup.
func (h *dispatcherHarness) drainAndStop(t *testing.T) {
	t.Helper()
	select {
	case <-h.disp.done:
		return
	default:
	}
	select {
	case <-h.disp.draining:
	default:
		close(h.disp.draining)
	}
	select {
	case <-h.disp.done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch worker did not terminate")
	}
}

func awaitQueueLen(t *testing.T, disp *dispatcher, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(disp.queue) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue length never reached %d (at %d)", want, len(disp.queue))
}

func awaitForwarded(t *testing.T, forwarder *recordingForwarder, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(forwarder.payloads()) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("forwarder never saw %d requests (at %d)", want, len(forwarder.payloads()))
}

func TestDispatcherBackpressureWhenFull(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	forwarder := &countingForwarder{resp: "ok"}
	harness := newDispatcherHarness(t, forwarder, 1, clock)

	// The set is empty, so the worker parks in the readiness wait with
	// the first request it dequeues. The queue slot it freed can be
	// refilled; after that, admission fails immediately.
	_, err := harness.disp.tryEnqueue(context.Background(), "r1")
	require.NoError(t, err)
	awaitQueueLen(t, harness.disp, 0)
	_, err = harness.disp.tryEnqueue(context.Background(), "r2")
	require.NoError(t, err)
	_, err = harness.disp.tryEnqueue(context.Background(), "r3")
	require.ErrorIs(t, err, ErrBackpressure)
	require.EqualValues(t, 0, forwarder.calls.Load())
}

func TestDispatcherDispatchesInAdmissionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clocktest.NewFakeClock()
	forwarder := &recordingForwarder{}
	gate := make(chan struct{})
	harness := newDispatcherHarnessWithPickers(t, forwarder, 4, clock, &gatedPickers{gate: gate})
	harness.set.Put("10.0.0.1:8080", attribute.NewValues())

	// Build up a backlog: the worker holds the first request at the pick
	// gate while the rest queue behind it.
	payloads := []any{"r1", "r2", "r3", "r4"}
	queued := make([]*queuedRequest, 0, len(payloads))
	for _, payload := range payloads {
		request, err := harness.disp.tryEnqueue(ctx, payload)
		require.NoError(t, err)
		queued = append(queued, request)
	}

	// Release one pick at a time; the forwarder must receive the backlog
	// oldest-first.
	for i := range payloads {
		gate <- struct{}{}
		awaitForwarded(t, forwarder, i+1)
		require.Equal(t, payloads[:i+1], forwarder.payloads())
	}
	for _, request := range queued {
		resp, err := harness.disp.await(ctx, request)
		require.NoError(t, err)
		require.Equal(t, "ok", resp)
	}
}

func TestDispatcherFailFastAfterReadinessTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clocktest.NewFakeClock()
	forwarder := &countingForwarder{resp: "ok"}
	harness := newDispatcherHarness(t, forwarder, 4, clock)

	queued, err := harness.disp.tryEnqueue(ctx, "r1")
	require.NoError(t, err)

	// The worker dequeues r1 and starts the readiness timer.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(defaultReadinessTimeout)
	_, err = harness.disp.await(ctx, queued)
	require.ErrorIs(t, err, ErrTimeout)
	require.EqualValues(t, 0, forwarder.calls.Load())

	// Fail-fast: admission is refused without queueing while the set
	// stays unready.
	_, err = harness.disp.tryEnqueue(ctx, "r2")
	require.ErrorIs(t, err, ErrTimeout)

	// Readiness returning lifts fail-fast.
	harness.set.Put("10.0.0.1:8080", attribute.NewValues())
	queued, err = harness.disp.tryEnqueue(ctx, "r3")
	require.NoError(t, err)
	resp, err := harness.disp.await(ctx, queued)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
	require.EqualValues(t, 1, forwarder.calls.Load())
}

func TestDispatcherTimeoutFailsWholeQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clocktest.NewFakeClock()
	forwarder := &countingForwarder{resp: "ok"}
	harness := newDispatcherHarness(t, forwarder, 4, clock)

	first, err := harness.disp.tryEnqueue(ctx, "r1")
	require.NoError(t, err)
	awaitQueueLen(t, harness.disp, 0)
	second, err := harness.disp.tryEnqueue(ctx, "r2")
	require.NoError(t, err)
	third, err := harness.disp.tryEnqueue(ctx, "r3")
	require.NoError(t, err)

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(defaultReadinessTimeout)

	// Everything queued behind the timed-out request waited through the
	// same unready period, so it all resolves with the same error.
	for _, queued := range []*queuedRequest{first, second, third} {
		_, err := harness.disp.await(ctx, queued)
		require.ErrorIs(t, err, ErrTimeout)
	}
	require.EqualValues(t, 0, forwarder.calls.Load())
}

func TestDispatcherSkipsAbandonedRequest(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	forwarder := &countingForwarder{resp: "ok"}
	harness := newDispatcherHarness(t, forwarder, 4, clock)
	harness.set.Put("10.0.0.1:8080", attribute.NewValues())

	abandoned, cancel := context.WithCancel(context.Background())
	cancel()
	queued, err := harness.disp.tryEnqueue(abandoned, "r1")
	require.NoError(t, err)

	// The worker resolves the request without dispatching it.
	_, err = harness.disp.await(context.Background(), queued)
	require.ErrorIs(t, err, context.Canceled)
	require.EqualValues(t, 0, forwarder.calls.Load())
}

func TestDispatcherDrainResolvesQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clocktest.NewFakeClock()
	forwarder := &countingForwarder{resp: "ok"}
	harness := newDispatcherHarness(t, forwarder, 4, clock)
	harness.set.Put("10.0.0.1:8080", attribute.NewValues())

	queued := make([]*queuedRequest, 0, 3)
	for i := 0; i < 3; i++ {
		request, err := harness.disp.tryEnqueue(ctx, "req")
		require.NoError(t, err)
		queued = append(queued, request)
	}

	harness.drainAndStop(t)
	require.EqualValues(t, 1, harness.exits.Load())
	for _, request := range queued {
		resp, err := harness.disp.await(ctx, request)
		require.NoError(t, err)
		require.Equal(t, "ok", resp)
	}
}

func TestDispatcherShutdownFailsQueuedWithClosed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clocktest.NewFakeClock()
	forwarder := &countingForwarder{resp: "ok"}
	harness := newDispatcherHarness(t, forwarder, 4, clock)

	queued, err := harness.disp.tryEnqueue(ctx, "r1")
	require.NoError(t, err)
	awaitQueueLen(t, harness.disp, 0)

	// Cancelling the entry context unblocks the readiness wait.
	harness.cancel()
	_, err = harness.disp.await(ctx, queued)
	require.ErrorIs(t, err, ErrClosed)
	require.EqualValues(t, 0, forwarder.calls.Load())
}
