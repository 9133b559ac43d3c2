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

// Command siderail-sim runs a router against an in-memory discovery
// backend with synthetic traffic and endpoint churn. It is a workbench
// for observing the router's behavior (queueing, fail-fast, idle
// eviction, metrics retention) through the admin endpoint's /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/siderail/siderail"
	"github.com/siderail/siderail/discovery/discoverytest"
	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/internal"
)

func main() {
	adminAddr := flag.String("admin-addr", ":9990", "address of the admin (metrics, pprof) server")
	destinations := flag.Int("destinations", 5, "number of steady destinations receiving traffic")
	endpoints := flag.Int("endpoints", 3, "number of endpoints per destination")
	concurrency := flag.Int("concurrency", 8, "number of concurrent traffic generators")
	queueCapacity := flag.Int("queue-capacity", 100, "per-destination dispatch queue bound")
	readinessTimeout := flag.Duration("readiness-timeout", 10*time.Second, "how long a destination may stay unready before its queue is shed")
	idleTimeout := flag.Duration("idle-timeout", 60*time.Second, "how long a destination may be idle before eviction")
	churnInterval := flag.Duration("churn-interval", 5*time.Second, "how often endpoint sets are reshuffled")
	logLevel := flag.String("log-level", "info", "log level: panic, fatal, error, warn, info, debug, trace")
	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %s", *logLevel, err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := discoverytest.NewBackend()
	for i := 0; i < *destinations; i++ {
		backend.SetEndpoints(destName(i), endpointAddrs(i, *endpoints)...)
	}

	router, err := siderail.NewRouter(backend, newSimForwarder(),
		siderail.WithRootContext(ctx),
		siderail.WithQueueCapacity(*queueCapacity),
		siderail.WithReadinessTimeout(*readinessTimeout),
		siderail.WithIdleTimeout(*idleTimeout),
	)
	if err != nil {
		log.Fatalf("failed to create router: %s", err)
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return startAdminServer(grpCtx, *adminAddr)
	})
	grp.Go(func() error {
		churn(grpCtx, backend, *destinations, *endpoints, *churnInterval)
		return nil
	})
	for worker := 0; worker < *concurrency; worker++ {
		worker := worker
		grp.Go(func() error {
			drive(grpCtx, router, *destinations, worker)
			return nil
		})
	}

	log.Infof("simulating %d destinations with %d endpoints each", *destinations, *endpoints)
	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("simulation failed: %s", err)
	}
	if err := router.Close(); err != nil {
		log.Errorf("failed to close router: %s", err)
	}
	log.Info("shutdown complete")
}

func destName(i int) string {
	return fmt.Sprintf("service-%d.sim:8080", i)
}

func endpointAddrs(dest, count int) []string {
	addrs := make([]string, count)
	for j := 0; j < count; j++ {
		addrs[j] = fmt.Sprintf("10.0.%d.%d:8080", dest, j+1)
	}
	return addrs
}

// drive sends a steady trickle of requests. Most traffic goes to the
// steady destinations; a small fraction targets one-shot destinations so
// idle eviction and metrics retention have something to work on.
func drive(ctx context.Context, router *siderail.Router, destinations, worker int) {
	rng := internal.NewRand()
	logger := log.WithField("worker", worker)
	for {
		dest := destName(rng.Intn(destinations))
		if rng.Intn(50) == 0 {
			dest = fmt.Sprintf("one-shot-%d.sim:8080", rng.Intn(1000))
		}
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := router.Dispatch(reqCtx, siderail.Destination(dest), "ping")
		cancel()
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).WithField("dst", dest).Debug("request failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rng.Intn(40)+10) * time.Millisecond):
		}
	}
}

// churn periodically reshuffles one destination's endpoints, sometimes
// withdrawing them all for a while to provoke the readiness machinery.
func churn(ctx context.Context, backend *discoverytest.Backend, destinations, endpoints int, interval time.Duration) {
	rng := internal.NewRand()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		dest := rng.Intn(destinations)
		switch rng.Intn(4) {
		case 0:
			backend.ClearEndpoints(destName(dest))
			log.WithField("dst", destName(dest)).Info("withdrew all endpoints")
		default:
			count := rng.Intn(endpoints) + 1
			backend.SetEndpoints(destName(dest), endpointAddrs(dest, count)...)
			log.WithFields(log.Fields{"dst": destName(dest), "endpoints": count}).Info("reshuffled endpoints")
		}
	}
}

// simForwarder fakes a downstream call with a small random latency and
// an occasional failure.
type simForwarder struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newSimForwarder() *simForwarder {
	return &simForwarder{rng: internal.NewRand()}
}

func (f *simForwarder) Forward(ctx context.Context, ep *endpoint.Endpoint, _ any) (any, error) {
	f.mu.Lock()
	latency := time.Duration(f.rng.Intn(20)+1) * time.Millisecond
	failed := f.rng.Intn(100) == 0
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(latency):
	}
	if failed {
		return nil, fmt.Errorf("simulated failure from %s", ep.Key())
	}
	return fmt.Sprintf("ok from %s", ep.Key()), nil
}
