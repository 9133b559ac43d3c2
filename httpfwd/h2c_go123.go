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

//go:build !go1.24

package httpfwd

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"

	"golang.org/x/net/http2"
)

// newH2CTransport builds a round tripper that speaks HTTP/2 over
// clear-text. Prior to Go 1.24 this needs the golang.org/x/net/http2
// client, which supports fewer transport options.
func newH2CTransport(cfg *Config) (http.RoundTripper, func()) {
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return cfg.DialFunc(ctx, network, addr)
		},
		// h2c is plain-text only, so the TLS config is never consulted.
		MaxHeaderListSize: uint32(cfg.MaxResponseHeaderBytes),
	}
	return transport, transport.CloseIdleConnections
}
