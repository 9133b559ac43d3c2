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

package httpfwd_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siderail/siderail/attribute"
	"github.com/siderail/siderail/endpoint"
	"github.com/siderail/siderail/httpfwd"
)

func TestForwarderRewritesHost(t *testing.T) {
	t.Parallel()
	var gotHost string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, req *http.Request) {
		gotHost = req.Host
		_, _ = writer.Write([]byte("pong"))
	}))
	t.Cleanup(server.Close)
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)

	forwarder := httpfwd.New(httpfwd.Config{})
	t.Cleanup(forwarder.Close)
	ep := makeEndpoint(t, endpoint.Key(serverURL.Host))

	// The request names a virtual destination; the forwarder must send it
	// to the picked endpoint instead.
	req, err := http.NewRequest(http.MethodGet, "http://orders.internal/ping", http.NoBody)
	require.NoError(t, err)
	result, err := forwarder.Forward(context.Background(), ep, req)
	require.NoError(t, err)
	resp, ok := result.(*http.Response)
	require.True(t, ok)
	t.Cleanup(func() { _ = resp.Body.Close() })

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "pong", string(body))
	require.Equal(t, serverURL.Host, gotHost)
}

func TestForwarderRejectsUnknownPayload(t *testing.T) {
	t.Parallel()
	forwarder := httpfwd.New(httpfwd.Config{})
	t.Cleanup(forwarder.Close)
	ep := makeEndpoint(t, "127.0.0.1:0")
	_, err := forwarder.Forward(context.Background(), ep, "not a request")
	require.ErrorContains(t, err, "unsupported request payload type")
}

func makeEndpoint(t *testing.T, key endpoint.Key) *endpoint.Endpoint {
	t.Helper()
	set := endpoint.NewSet()
	set.Put(key, attribute.NewValues())
	snapshot := set.Snapshot()
	require.Len(t, snapshot, 1)
	return snapshot[0]
}
