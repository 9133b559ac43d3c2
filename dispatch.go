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
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siderail/siderail/balance"
	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal"
	"github.com/siderail/siderail/metrics"
)

// queuedRequest is one admitted request awaiting dispatch. The result
// channel is buffered, so the worker can always resolve a request even if
// its caller stopped waiting.
type queuedRequest struct {
	ctx    context.Context //nolint:containedctx // carries the caller's deadline into dispatch
	req    any
	result chan dispatchResult
}

type dispatchResult struct {
	resp any
	err  error
}

type dispatcherConfig struct {
	ctx              context.Context //nolint:containedctx // entry lifetime, observed for shutdown
	set              *endpoint.Set
	picker           balance.Picker
	forwarder        Forwarder
	capacity         int
	readinessTimeout time.Duration
	clock            internal.Clock
	logger           log.FieldLogger
	metrics          *metrics.Handle
	// onExit runs on the worker goroutine immediately before the done
	// channel closes. It releases the inner stack (cancels the watcher)
	// and finalizes the owning entry, so the worker cannot terminate
	// while still holding the stack, and the stack cannot be released
	// without the worker terminating.
	onExit func()
}

// dispatcher is a bounded FIFO admission queue with one dedicated worker
// that drains it against the readiness of the destination's endpoint set.
//
// Many producers enqueue; exactly one worker consumes. The worker
// terminates if and only if the producer side is closed (the draining
// channel) and the queue is fully resolved. While waiting for readiness
// it still observes closure and shutdown, so it can never be wedged
// solely on "not ready".
type dispatcher struct {
	ctx              context.Context //nolint:containedctx
	set              *endpoint.Set
	picker           balance.Picker
	forwarder        Forwarder
	readinessTimeout time.Duration
	clock            internal.Clock
	logger           log.FieldLogger
	metrics          *metrics.Handle
	onExit           func()

	queue chan *queuedRequest
	// draining is closed by the owning entry when no producer can
	// enqueue anymore (eviction decided, or router closing).
	draining chan struct{}
	// done is closed by the worker as its very last act.
	done chan struct{}
	// failFast is set while the destination has been unready past the
	// readiness timeout. Admissions fail immediately until readiness
	// returns.
	failFast atomic.Bool
}

func newDispatcher(cfg dispatcherConfig) *dispatcher {
	d := &dispatcher{
		ctx:              cfg.ctx,
		set:              cfg.set,
		picker:           cfg.picker,
		forwarder:        cfg.forwarder,
		readinessTimeout: cfg.readinessTimeout,
		clock:            cfg.clock,
		logger:           cfg.logger,
		metrics:          cfg.metrics,
		onExit:           cfg.onExit,
		queue:            make(chan *queuedRequest, cfg.capacity),
		draining:         make(chan struct{}),
		done:             make(chan struct{}),
	}
	go d.run()
	return d
}

// tryEnqueue admits one request without blocking. It returns
// ErrBackpressure when the queue is full and ErrTimeout while the
// dispatcher is in fail-fast. The caller must hold the owning entry's
// lock, which excludes a concurrent close of the producer side.
func (d *dispatcher) tryEnqueue(ctx context.Context, req any) (*queuedRequest, error) {
	if d.failFast.Load() && !d.set.Ready() {
		d.metrics.Result(metrics.ResultTimeout)
		return nil, ErrTimeout
	}
	qr := &queuedRequest{
		ctx:    ctx,
		req:    req,
		result: make(chan dispatchResult, 1),
	}
	select {
	case d.queue <- qr:
		d.metrics.SetQueueDepth(len(d.queue))
		return qr, nil
	default:
		d.metrics.Result(metrics.ResultBackpressure)
		return nil, ErrBackpressure
	}
}

// await blocks until the request resolves or the caller gives up. A
// request whose caller gave up stays queued; the worker observes its
// dead context and resolves it without dispatching.
func (d *dispatcher) await(ctx context.Context, qr *queuedRequest) (any, error) {
	select {
	case result := <-qr.result:
		return result.resp, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	defer d.onExit()
	for {
		select {
		case qr := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.process(qr)
		case <-d.set.Changed():
			d.observeSet()
		case <-d.draining:
			d.drain()
			return
		}
	}
}

// drain resolves whatever is left in the queue after the producer side
// closed. Requests are still dispatched normally if the destination is
// (or becomes) ready; the readiness timeout bounds how long that can
// take, so every queued request resolves.
func (d *dispatcher) drain() {
	for {
		select {
		case qr := <-d.queue:
			d.metrics.SetQueueDepth(len(d.queue))
			d.process(qr)
		default:
			return
		}
	}
}

func (d *dispatcher) process(qr *queuedRequest) {
	if err := qr.ctx.Err(); err != nil {
		// The caller gave up while the request was queued.
		d.complete(qr, nil, err)
		return
	}
	if err := d.awaitReady(); err != nil {
		d.complete(qr, nil, err)
		if errors.Is(err, ErrTimeout) {
			// Everything queued behind this request waited through the
			// same unready period.
			d.failQueued(err)
		}
		return
	}
	ep, whenDone, err := d.picker.Pick()
	if err != nil {
		d.complete(qr, nil, unavailable(err, d.set.Err()))
		return
	}
	// Dispatch is the worker's job; completion is not. The response (or
	// error) flows back to the caller from here without holding up the
	// queue.
	go func() {
		resp, err := d.forwarder.Forward(qr.ctx, ep, qr.req)
		whenDone()
		d.complete(qr, resp, err)
	}()
}

// awaitReady blocks until the endpoint set is ready, the readiness
// timeout elapses, or the router shuts down. It is the only place the
// worker waits on anything other than its own queue, and every branch of
// that wait is bounded or cancellable.
func (d *dispatcher) awaitReady() error {
	changed := d.set.Changed()
	if d.set.Ready() {
		d.leaveFailFast()
		return nil
	}
	if d.failFast.Load() {
		return ErrTimeout
	}
	timer := d.clock.NewTimer(d.readinessTimeout)
	defer timer.Stop()
	for {
		select {
		case <-changed:
		case <-timer.Chan():
			d.failFast.Store(true)
			d.logger.WithField("timeout", d.readinessTimeout).
				Warn("destination unready past readiness timeout, entering fail-fast")
			return fmt.Errorf("%w (%v)", ErrTimeout, d.readinessTimeout)
		case <-d.ctx.Done():
			return ErrClosed
		}
		changed = d.set.Changed()
		if d.set.Ready() {
			d.leaveFailFast()
			return nil
		}
	}
}

// observeSet runs when the set changes while the worker is otherwise
// idle: it refreshes the endpoints gauge and leaves fail-fast as soon as
// readiness returns.
func (d *dispatcher) observeSet() {
	d.metrics.SetEndpoints(d.set.Len())
	if d.failFast.Load() && d.set.Ready() {
		d.leaveFailFast()
	}
}

func (d *dispatcher) leaveFailFast() {
	if d.failFast.CompareAndSwap(true, false) {
		d.logger.Info("destination ready again, leaving fail-fast")
	}
}

// failQueued resolves everything currently queued with the given error.
func (d *dispatcher) failQueued(err error) {
	for {
		select {
		case qr := <-d.queue:
			d.complete(qr, nil, err)
		default:
			d.metrics.SetQueueDepth(len(d.queue))
			return
		}
	}
}

func (d *dispatcher) complete(qr *queuedRequest, resp any, err error) {
	qr.result <- dispatchResult{resp: resp, err: err}
	d.metrics.Result(resultLabel(err))
}

func unavailable(pickErr, degraded error) error {
	if degraded != nil {
		return fmt.Errorf("%w: %w (discovery degraded: %w)", ErrUnavailable, pickErr, degraded)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, pickErr)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, ErrTimeout):
		return metrics.ResultTimeout
	case errors.Is(err, ErrUnavailable):
		return metrics.ResultUnavailable
	case errors.Is(err, ErrBackpressure):
		return metrics.ResultBackpressure
	default:
		return metrics.ResultError
	}
}
