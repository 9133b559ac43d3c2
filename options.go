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
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/siderail/siderail/balance"
	"github.com/siderail/siderail/internal"
)

const (
	defaultQueueCapacity    = 100
	defaultReadinessTimeout = 10 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultPurgeInterval    = 10 * time.Second
	defaultMetricsRetention = 9 * time.Minute
)

// RouterOption is an option used to customize the behavior of a Router.
type RouterOption interface {
	apply(*routerOptions)
}

// WithRootContext configures the root context used for the background
// goroutines a router creates (resolution watchers, dispatch workers, and
// the purge task). If not specified, [context.Background] is used.
//
// Cancelling the given context closes the router. It should only be
// cancelled once the router is no longer in use, and may be used to
// eagerly free all associated resources.
func WithRootContext(ctx context.Context) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.rootCtx = ctx
	})
}

// WithPicker configures the load-balancing policy used for every
// destination. If no WithPicker option is provided, the power-of-two-
// choices policy is used.
func WithPicker(factory balance.Factory) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.pickerFactory = factory
	})
}

// WithQueueCapacity bounds each destination's dispatch queue. Once a
// destination has this many requests queued, further Dispatch calls for
// it fail immediately with [ErrBackpressure]. If zero or no
// WithQueueCapacity option is used, a default of 100 is used.
func WithQueueCapacity(capacity int) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.queueCapacity = capacity
	})
}

// WithReadinessTimeout bounds how long a destination may remain unready
// (no usable endpoints) before its queued requests are failed with
// [ErrTimeout]. This is the explicit break in the unreadiness chain: a
// stalled destination sheds its queue instead of propagating a full
// buffer upward. If zero or no WithReadinessTimeout option is used, a
// default of 10 seconds is used.
func WithReadinessTimeout(duration time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.readinessTimeout = duration
	})
}

// WithIdleTimeout configures how long a destination may go without an
// admitted request before its entry is evicted, releasing its discovery
// subscription, queue, and worker. If zero or no WithIdleTimeout option
// is used, a default of 60 seconds is used.
func WithIdleTimeout(duration time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.idleTimeout = duration
	})
}

// WithPurgeInterval configures how often the router sweeps for idle
// destination entries and expired metrics. If zero or no
// WithPurgeInterval option is used, a default of 10 seconds is used.
func WithPurgeInterval(duration time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.purgeInterval = duration
	})
}

// WithMetricsRetention configures how long an evicted destination's
// metrics remain queryable before they are removed from the metrics
// registry. If zero or no WithMetricsRetention option is used, a default
// of 9 minutes is used.
func WithMetricsRetention(duration time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.metricsRetention = duration
	})
}

// WithMaxDestinations caps the number of live destination entries. When
// the table is full, Dispatch calls for new destinations fail with
// [ErrTooManyDestinations] instead of growing the table without bound.
// If zero or no WithMaxDestinations option is used, the table is
// unbounded.
func WithMaxDestinations(limit int) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.maxDestinations = limit
	})
}

// WithResolutionBackoff bounds the delay between reconnect attempts when
// a destination's discovery subscription fails. The delay doubles per
// consecutive failure, from minDelay up to maxDelay, and resets once a
// subscription delivers an update. If not specified, 100 milliseconds to
// 10 seconds is used.
func WithResolutionBackoff(minDelay, maxDelay time.Duration) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.minBackoff = minDelay
		opts.maxBackoff = maxDelay
	})
}

// WithLogger configures the logger for the router and everything it
// creates. Per-destination log entries carry a "dst" field. If not
// specified, the standard logrus logger is used.
func WithLogger(logger log.FieldLogger) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.logger = logger
	})
}

// WithMetricsRegisterer configures where the router registers its
// prometheus collectors. If not specified,
// prometheus.DefaultRegisterer is used.
func WithMetricsRegisterer(registerer prometheus.Registerer) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.registerer = registerer
	})
}

// withClock overrides the router's clock. Only used from tests.
func withClock(clock internal.Clock) RouterOption {
	return routerOptionFunc(func(opts *routerOptions) {
		opts.clock = clock
	})
}

type routerOptionFunc func(*routerOptions)

func (f routerOptionFunc) apply(opts *routerOptions) {
	f(opts)
}

type routerOptions struct {
	rootCtx          context.Context //nolint:containedctx
	pickerFactory    balance.Factory
	queueCapacity    int
	readinessTimeout time.Duration
	idleTimeout      time.Duration
	purgeInterval    time.Duration
	metricsRetention time.Duration
	maxDestinations  int
	minBackoff       time.Duration
	maxBackoff       time.Duration
	logger           log.FieldLogger
	registerer       prometheus.Registerer
	clock            internal.Clock
}

func (opts *routerOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.pickerFactory == nil {
		opts.pickerFactory = balance.PowerOfTwo
	}
	if opts.queueCapacity == 0 {
		opts.queueCapacity = defaultQueueCapacity
	}
	if opts.readinessTimeout == 0 {
		opts.readinessTimeout = defaultReadinessTimeout
	}
	if opts.idleTimeout == 0 {
		opts.idleTimeout = defaultIdleTimeout
	}
	if opts.purgeInterval == 0 {
		opts.purgeInterval = defaultPurgeInterval
	}
	if opts.metricsRetention == 0 {
		opts.metricsRetention = defaultMetricsRetention
	}
	if opts.logger == nil {
		opts.logger = log.StandardLogger()
	}
	if opts.registerer == nil {
		opts.registerer = prometheus.DefaultRegisterer
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

func (opts *routerOptions) validate() error {
	if opts.queueCapacity < 0 {
		return fmt.Errorf("queue capacity must not be negative (got %d)", opts.queueCapacity)
	}
	if opts.readinessTimeout < 0 {
		return fmt.Errorf("readiness timeout must not be negative (got %v)", opts.readinessTimeout)
	}
	if opts.idleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative (got %v)", opts.idleTimeout)
	}
	if opts.purgeInterval < 0 {
		return fmt.Errorf("purge interval must not be negative (got %v)", opts.purgeInterval)
	}
	if opts.metricsRetention < 0 {
		return fmt.Errorf("metrics retention must not be negative (got %v)", opts.metricsRetention)
	}
	if opts.maxDestinations < 0 {
		return fmt.Errorf("max destinations must not be negative (got %d)", opts.maxDestinations)
	}
	if opts.minBackoff < 0 || opts.maxBackoff < 0 || opts.maxBackoff < opts.minBackoff && opts.maxBackoff != 0 {
		return fmt.Errorf("invalid resolution backoff bounds (got %v..%v)", opts.minBackoff, opts.maxBackoff)
	}
	return nil
}
