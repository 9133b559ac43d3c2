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

// Package discoverytest contains a programmable in-memory discovery
// backend, for use in tests and simulations. The backend records every
// subscription, so tests can assert that a destination has exactly one
// subscription while live and zero once evicted.
package discoverytest

import (
	"context"
	"sync"

	"github.com/siderail/siderail/discovery"
)

const streamBuffer = 16

// Backend is an in-memory implementation of discovery.Backend. Updates
// are injected with SetEndpoints, ClearEndpoints, or SendUpdate and fan
// out to every open subscription for the destination. New subscriptions
// immediately receive a snapshot of the destination's current endpoints,
// if any were set.
type Backend struct {
	mu           sync.Mutex
	snapshots    map[string][]discovery.Address
	streams      map[string][]*stream
	totalWatches map[string]int
	watchErr     error
}

// NewBackend returns a new, empty backend.
func NewBackend() *Backend {
	return &Backend{
		snapshots:    map[string][]discovery.Address{},
		streams:      map[string][]*stream{},
		totalWatches: map[string]int{},
	}
}

// Watch implements discovery.Backend.
func (b *Backend) Watch(ctx context.Context, destination string) (discovery.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watchErr != nil {
		err := b.watchErr
		b.watchErr = nil
		return nil, err
	}
	str := &stream{
		ctx:     ctx,
		updates: make(chan discovery.Update, streamBuffer),
		failed:  make(chan error, 1),
	}
	b.streams[destination] = append(b.streams[destination], str)
	b.totalWatches[destination]++
	if snapshot, ok := b.snapshots[destination]; ok {
		str.updates <- discovery.Update{Reset: true, Add: snapshot}
	}
	go func() {
		<-ctx.Done()
		b.drop(destination, str)
	}()
	return str, nil
}

// FailNextWatch makes the next Watch call fail with the given error.
func (b *Backend) FailNextWatch(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchErr = err
}

// SetEndpoints replaces the destination's endpoints and delivers the new
// snapshot to all of its open subscriptions.
func (b *Backend) SetEndpoints(destination string, hostPorts ...string) {
	addrs := make([]discovery.Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		addrs[i].HostPort = hostPort
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[destination] = addrs
	b.sendLocked(destination, discovery.Update{Reset: true, Add: addrs})
}

// ClearEndpoints removes all of the destination's endpoints and notifies
// its open subscriptions.
func (b *Backend) ClearEndpoints(destination string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[destination] = nil
	b.sendLocked(destination, discovery.Update{Reset: true})
}

// SendUpdate delivers an arbitrary update to the destination's open
// subscriptions, without touching the stored snapshot.
func (b *Backend) SendUpdate(destination string, update discovery.Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(destination, update)
}

// FailStreams breaks every open subscription for the destination: their
// next Recv returns the given error. Subsequent Watch calls still
// succeed, so a watcher reconnects after its backoff.
func (b *Backend) FailStreams(destination string, err error) {
	b.mu.Lock()
	streams := b.streams[destination]
	b.streams[destination] = nil
	b.mu.Unlock()
	for _, str := range streams {
		select {
		case str.failed <- err:
		default:
		}
	}
}

// Subscriptions returns the number of currently open subscriptions for
// the destination. A cancelled subscription stops counting as soon as its
// context is done.
func (b *Backend) Subscriptions(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[destination])
}

// TotalWatches returns the cumulative number of Watch calls for the
// destination, including subscriptions that have since been released.
func (b *Backend) TotalWatches(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalWatches[destination]
}

// +checklocks:b.mu
func (b *Backend) sendLocked(destination string, update discovery.Update) {
	for _, str := range b.streams[destination] {
		select {
		case str.updates <- update:
		default:
			// Stream buffer full; the subscriber is wedged. Break the
			// stream rather than block the test.
			select {
			case str.failed <- context.DeadlineExceeded:
			default:
			}
		}
	}
}

func (b *Backend) drop(destination string, target *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	streams := b.streams[destination]
	for i, str := range streams {
		if str == target {
			b.streams[destination] = append(streams[:i], streams[i+1:]...)
			return
		}
	}
}

type stream struct {
	ctx     context.Context //nolint:containedctx // stream-shaped API, ctx set at Watch
	updates chan discovery.Update
	failed  chan error
}

func (s *stream) Recv() (discovery.Update, error) {
	select {
	case update := <-s.updates:
		return update, nil
	case err := <-s.failed:
		return discovery.Update{}, err
	case <-s.ctx.Done():
		return discovery.Update{}, s.ctx.Err()
	}
}
