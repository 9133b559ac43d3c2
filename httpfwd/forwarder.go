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

// Package httpfwd adapts the router to net/http: its Forwarder sends
// each request to the endpoint picked by the router, rewriting the
// request URL's host to the endpoint's address. It supports plain HTTP,
// HTTPS, and HTTP/2 over clear-text (h2c).
package httpfwd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/siderail/siderail"
	"github.com/siderail/siderail/endpoint"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Config configures a Forwarder. The zero value is usable.
type Config struct {
	// DialFunc establishes network connections. Defaults to a net.Dialer
	// with a 30-second dial timeout and 30-second TCP keep-alive.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig is used when forwarding over "https".
	TLSClientConfig *tls.Config

	// TLSHandshakeTimeout bounds the TLS handshake. Defaults to 10
	// seconds.
	TLSHandshakeTimeout time.Duration

	// MaxResponseHeaderBytes limits the size of response headers.
	// Defaults to 1 MB (2^20 bytes).
	MaxResponseHeaderBytes int64

	// IdleConnTimeout is how long an idle connection to an endpoint is
	// kept open. Zero means no limit.
	IdleConnTimeout time.Duration

	// H2C forces HTTP/2 over clear-text. When set, the "http" scheme is
	// carried over unencrypted HTTP/2 instead of HTTP/1.1.
	H2C bool
}

func (cfg *Config) applyDefaults() {
	if cfg.DialFunc == nil {
		cfg.DialFunc = defaultDialer.DialContext
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxResponseHeaderBytes == 0 {
		cfg.MaxResponseHeaderBytes = 1 << 20
	}
}

// Forwarder forwards *http.Request payloads to picked endpoints. It is
// safe for concurrent use.
type Forwarder struct {
	transport http.RoundTripper
	closeIdle func()
}

var _ siderail.Forwarder = (*Forwarder)(nil)

// New returns a forwarder using the given config.
func New(cfg Config) *Forwarder {
	cfg.applyDefaults()
	if cfg.H2C {
		transport, closeIdle := newH2CTransport(&cfg)
		return &Forwarder{transport: transport, closeIdle: closeIdle}
	}
	transport := &http.Transport{
		DialContext:            cfg.DialFunc,
		ForceAttemptHTTP2:      true,
		TLSClientConfig:        cfg.TLSClientConfig,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		MaxResponseHeaderBytes: cfg.MaxResponseHeaderBytes,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		ExpectContinueTimeout:  1 * time.Second,
	}
	return &Forwarder{transport: transport, closeIdle: transport.CloseIdleConnections}
}

// Forward implements siderail.Forwarder. The request payload must be an
// *http.Request; the response is an *http.Response whose body the caller
// must consume and close.
func (f *Forwarder) Forward(ctx context.Context, ep *endpoint.Endpoint, req any) (any, error) {
	httpReq, ok := req.(*http.Request)
	if !ok {
		return nil, fmt.Errorf("httpfwd: unsupported request payload type %T", req)
	}
	httpReq = httpReq.Clone(ctx)
	if httpReq.URL.Scheme == "" {
		httpReq.URL.Scheme = "http"
	}
	httpReq.URL.Host = string(ep.Key())
	resp, err := f.transport.RoundTrip(httpReq)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Close releases idle connections held by the forwarder.
func (f *Forwarder) Close() {
	f.closeIdle()
}
