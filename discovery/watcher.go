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

package discovery

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

// WatcherConfig configures a Watcher. Backend, Destination, and Set are
// required; the rest have usable defaults.
type WatcherConfig struct {
	// Backend is the discovery backend to subscribe to.
	Backend Backend

	// Destination is the key whose endpoints are watched.
	Destination string

	// Set is the endpoint set the watcher owns and applies updates to.
	Set *endpoint.Set

	// Logger receives reconnect and error events. Defaults to the
	// standard logrus logger.
	Logger log.FieldLogger

	// Clock drives the reconnect backoff. Defaults to the real clock.
	Clock internal.Clock

	// MinBackoff and MaxBackoff bound the reconnect delay after a backend
	// failure. The delay doubles per consecutive failure, from MinBackoff
	// up to MaxBackoff, and resets once a subscription delivers an update.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Watcher consumes the stream of endpoint-set updates for one destination
// and applies them to the destination's endpoint set. It holds exactly
// one subscription at a time and redials with capped exponential backoff
// when the subscription fails, marking the set degraded in the meantime.
//
// Updates are applied eagerly, whether or not any request is in flight
// for the destination: resolution freshness never depends on request
// traffic, and a stalled destination never blocks another destination's
// updates (each watcher is its own goroutine with its own subscription).
//
// A watcher's lifecycle is tied 1:1 to the destination entry that created
// it. Closing the watcher tears the subscription down promptly; it does
// not linger in the background.
type Watcher struct {
	config WatcherConfig
	logger log.FieldLogger
	clock  internal.Clock
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher starts a watcher for cfg.Destination. The returned watcher
// runs until the given context is cancelled or Close is called.
func NewWatcher(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = internal.NewRealClock()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	ctx, cancel := context.WithCancel(ctx)
	watcher := &Watcher{
		config: cfg,
		logger: cfg.Logger.WithField("dst", cfg.Destination),
		clock:  cfg.Clock,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go watcher.run(ctx)
	return watcher
}

// Close cancels the subscription and waits for the watcher's goroutine to
// finish. It is safe to call more than once.
func (w *Watcher) Close() error {
	w.cancel()
	<-w.done
	return nil
}

// Done returns a channel that is closed once the watcher has terminated
// and its subscription is released.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	var failures uint
	for {
		stream, err := w.config.Backend.Watch(ctx, w.config.Destination)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.config.Set.MarkDegraded(err)
			w.logger.WithError(err).Warn("failed to open discovery subscription")
			if !w.sleep(ctx, w.backoffFor(failures)) {
				return
			}
			failures++
			continue
		}
		err = w.consume(ctx, stream, &failures)
		if ctx.Err() != nil {
			return
		}
		w.config.Set.MarkDegraded(err)
		w.logger.WithError(err).Warn("discovery stream failed, reconnecting")
		if !w.sleep(ctx, w.backoffFor(failures)) {
			return
		}
		failures++
	}
}

// consume reads one subscription until it breaks, returning the error
// that broke it.
func (w *Watcher) consume(ctx context.Context, stream Stream, failures *uint) error {
	for {
		update, err := stream.Recv()
		if err != nil {
			return err
		}
		// A delivered update means the subscription is healthy: reset
		// the backoff and clear any degraded marker.
		*failures = 0
		w.apply(update)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Watcher) apply(update Update) {
	set := w.config.Set
	if update.Reset {
		set.Clear()
	}
	for _, addr := range update.Add {
		set.Put(endpoint.Key(addr.HostPort), addr.Attributes)
	}
	for _, key := range update.Remove {
		set.Delete(endpoint.Key(key))
	}
	set.ClearDegraded()
	w.logger.WithFields(log.Fields{
		"add":       len(update.Add),
		"remove":    len(update.Remove),
		"reset":     update.Reset,
		"endpoints": set.Len(),
	}).Debug("applied endpoint update")
}

func (w *Watcher) backoffFor(failures uint) time.Duration {
	backoff := w.config.MinBackoff << failures
	if backoff <= 0 || backoff > w.config.MaxBackoff {
		backoff = w.config.MaxBackoff
	}
	return backoff
}

// sleep waits for the given duration and reports whether the watcher
// should keep running.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := w.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}
