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

// Package siderail implements the request-routing core of a transparent
// service-mesh proxy: per-destination processing stacks that are created
// lazily, shared by concurrent callers, and reclaimed when idle.
//
// To create a new router use [NewRouter], providing a discovery backend
// (see the discovery package), a [Forwarder] for the transport of your
// choice (the httpfwd package has one for net/http), and any number of
// options.
//
// For each distinct [Destination] dispatched to, the router builds one
// stack: a resolution watcher holding one subscription to the discovery
// backend, a live endpoint set the watcher keeps fresh, a picker that
// selects an endpoint per request (power-of-two-choices by default), and
// a bounded FIFO queue with one worker that drains it whenever the
// endpoint set has a usable endpoint.
//
// The router is built around explicit bounds, so that one slow or
// unresolvable destination can never back pressure its siblings:
//
//  1. Queues are bounded. When a destination's queue is full, Dispatch
//     fails immediately with [ErrBackpressure] rather than blocking.
//
//  2. Unreadiness is bounded. If a destination has no usable endpoints
//     for longer than the readiness timeout, everything queued for it
//     fails with [ErrTimeout] and new requests fail fast until an
//     endpoint appears.
//
//  3. Lifetimes are bounded. A destination with no admitted request for
//     the idle timeout is evicted: its subscription is cancelled, its
//     worker terminates, and its metrics are handed to a retention
//     registry that keeps them queryable for a fixed window before
//     removing them.
//
// Every background goroutine the router starts has an owner and a
// termination contract tied to the resources it holds; closing the
// router releases all of them.
package siderail
