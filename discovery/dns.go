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
	"net"
	"time"

	"github.com/siderail/siderail/internal"
)

// Prober is a single-shot resolver: it resolves a destination into its
// current endpoints once. It is the building block for polling backends,
// since some name systems (like DNS) have no native change stream.
type Prober interface {
	ProbeOnce(ctx context.Context, destination string) ([]Address, error)
}

// NewPollingBackend returns a backend that calls the given prober at the
// given interval and converts consecutive probe results into delta
// updates. The first update of every subscription is a snapshot (Reset
// plus the full endpoint list), so a reconnecting watcher always converges
// on the probe result even if it missed removals while disconnected.
func NewPollingBackend(prober Prober, interval time.Duration) Backend {
	return &pollingBackend{
		prober:   prober,
		interval: interval,
		clock:    internal.NewRealClock(),
	}
}

// NewDNSBackend returns a polling backend that resolves destinations of
// the form "host:port" using the given net.Resolver. The network
// parameter selects the address family and must be "ip", "ip4", or "ip6".
// Note that net.Resolver does not expose record TTLs, so a fixed polling
// interval is used instead.
func NewDNSBackend(resolver *net.Resolver, network string, interval time.Duration) Backend {
	return NewPollingBackend(&dnsProber{resolver: resolver, network: network}, interval)
}

type pollingBackend struct {
	prober   Prober
	interval time.Duration
	clock    internal.Clock
}

func (b *pollingBackend) Watch(ctx context.Context, destination string) (Stream, error) {
	return &pollingStream{
		backend:     b,
		ctx:         ctx,
		destination: destination,
		known:       map[string]struct{}{},
	}, nil
}

type pollingStream struct {
	backend     *pollingBackend
	ctx         context.Context //nolint:containedctx // stream-shaped API, ctx set at Watch
	destination string
	ticker      internal.Ticker
	known       map[string]struct{}
}

func (s *pollingStream) Recv() (Update, error) {
	if s.ticker == nil {
		// First Recv probes immediately; subsequent ones wait a tick.
		s.ticker = s.backend.clock.NewTicker(s.backend.interval)
	} else {
		select {
		case <-s.ticker.Chan():
		case <-s.ctx.Done():
			s.ticker.Stop()
			return Update{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		s.ticker.Stop()
		return Update{}, err
	}
	addrs, err := s.backend.prober.ProbeOnce(s.ctx, s.destination)
	if err != nil {
		s.ticker.Stop()
		return Update{}, err
	}
	return s.diff(addrs), nil
}

// diff converts a full probe result into an update relative to the last
// result this stream delivered.
func (s *pollingStream) diff(addrs []Address) Update {
	var update Update
	if len(s.known) == 0 {
		// Covers both the first probe of the stream and recovery from an
		// empty result: deliver a snapshot.
		update.Reset = true
	}
	current := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		current[addr.HostPort] = struct{}{}
		update.Add = append(update.Add, addr)
	}
	for hostPort := range s.known {
		if _, ok := current[hostPort]; !ok {
			update.Remove = append(update.Remove, hostPort)
		}
	}
	s.known = current
	return update
}

// dnsProber resolves hostnames using the domain name system.
type dnsProber struct {
	resolver *net.Resolver
	network  string
}

func (p *dnsProber) ProbeOnce(ctx context.Context, destination string) ([]Address, error) {
	host, port, err := net.SplitHostPort(destination)
	if err != nil {
		return nil, err
	}
	ips, err := p.resolver.LookupNetIP(ctx, p.network, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]Address, len(ips))
	for i, ip := range ips {
		addrs[i].HostPort = net.JoinHostPort(ip.String(), port)
	}
	return addrs, nil
}
