/*
Copyright 2025 Flant JSC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deckhouse/deckhouse/pkg/log"
)

type fakeHTTPServer struct {
	listenErr   error
	shutdownErr error
	stop        chan struct{}
	shutdowns   int
}

func (f *fakeHTTPServer) ListenAndServe() error {
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(context.Context) error {
	f.shutdowns++
	close(f.stop)
	return f.shutdownErr
}

func TestHandlerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "hybridmanager_test_total", Help: "test"}))
	notReady := errors.New("enforcement not loaded")
	ready := notReady
	srv := New(Config{}, func() error { return ready }, reg, log.NewNop())
	h := srv.Handler()

	for _, tc := range []struct {
		path string
		code int
		body string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/readyz", http.StatusServiceUnavailable, "enforcement not loaded"},
		{"/metrics", http.StatusOK, "hybridmanager_test_total 0"},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.path, tc.code, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), tc.body) {
			t.Fatalf("%s: expected body to contain %q, got %q", tc.path, tc.body, rec.Body.String())
		}
	}

	ready = nil
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	fake := &fakeHTTPServer{stop: make(chan struct{})}
	srv := New(Config{ListenAddr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil, nil, log.NewNop())
	srv.factory = func(string, http.Handler) httpServer { return fake }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	<-srv.startedCh
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.shutdowns != 1 {
		t.Fatalf("expected one shutdown, got %d", fake.shutdowns)
	}
}

func TestRunReturnsListenError(t *testing.T) {
	expected := errors.New("address in use")
	srv := New(Config{}, nil, nil, log.NewNop())
	srv.factory = func(string, http.Handler) httpServer { return &fakeHTTPServer{listenErr: expected} }

	if err := srv.Run(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected listen error, got %v", err)
	}
}
