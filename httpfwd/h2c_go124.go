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

//go:build go1.24

package httpfwd

import (
	"net/http"
	"time"
)

// newH2CTransport builds a round tripper that speaks HTTP/2 over
// clear-text. As of Go 1.24 the standard transport can do this directly
// by adjusting its supported protocols, so the full config is honored.
func newH2CTransport(cfg *Config) (http.RoundTripper, func()) {
	var protocols http.Protocols
	protocols.SetUnencryptedHTTP2(true)

	transport := &http.Transport{
		DialContext:            cfg.DialFunc,
		ForceAttemptHTTP2:      true,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		MaxResponseHeaderBytes: cfg.MaxResponseHeaderBytes,
		ExpectContinueTimeout:  1 * time.Second,
		Protocols:              &protocols,
	}
	return transport, transport.CloseIdleConnections
}
