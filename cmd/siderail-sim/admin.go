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

package main

import (
	"context"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type adminHandler struct {
	promHandler http.Handler
}

// startAdminServer serves metrics and debug endpoints until ctx is
// cancelled.
func startAdminServer(ctx context.Context, addr string) error {
	log.Infof("starting admin server on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           &adminHandler{promHandler: promhttp.Handler()},
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		_, _ = w.Write([]byte("pong\n"))
	case "/ready":
		_, _ = w.Write([]byte("ok\n"))
	case "/debug/pprof/cmdline":
		pprof.Cmdline(w, req)
	case "/debug/pprof/profile":
		pprof.Profile(w, req)
	case "/debug/pprof/trace":
		pprof.Trace(w, req)
	case "/debug/pprof/symbol":
		pprof.Symbol(w, req)
	default:
		if strings.HasPrefix(req.URL.Path, "/debug/pprof/") {
			pprof.Index(w, req)
		} else {
			http.NotFound(w, req)
		}
	}
}
