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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deckhouse/deckhouse/pkg/log"

	"github.com/Luytan/hybridmanager/pkg/logger"
)

var defaultShutdownTimeout = 5 * time.Second

// ReadyFunc reports why the daemon cannot serve requests yet.
type ReadyFunc func() error

type httpServer interface {
	ListenAndServe() error
	Shutdown(context.Context) error
}

// Config controls the HTTP server behaviour.
type Config struct {
	ListenAddr      string
	ShutdownTimeout time.Duration
}

// Server exposes liveness, readiness and metrics endpoints.
type Server struct {
	cfg       Config
	ready     ReadyFunc
	gatherer  prometheus.Gatherer
	log       *log.Logger
	httpSrv   httpServer
	factory   func(addr string, handler http.Handler) httpServer
	startedCh chan struct{}
}

// New constructs a Server. A nil ready func reports ready.
func New(cfg Config, ready ReadyFunc, gatherer prometheus.Gatherer, log *log.Logger) *Server {
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	if ready == nil {
		ready = func() error { return nil }
	}
	return &Server{
		cfg: Config{
			ListenAddr:      cfg.ListenAddr,
			ShutdownTimeout: timeout,
		},
		ready:    ready,
		gatherer: gatherer,
		log:      log,
		factory: func(addr string, handler http.Handler) httpServer {
			return &stdHTTPServer{srv: &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
			}}
		},
		startedCh: make(chan struct{}),
	}
}

// Handler returns the routes served by Run.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", s.handleReady)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run blocks until the context is cancelled or the HTTP server fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = s.factory(s.cfg.ListenAddr, s.Handler())

	errCh := make(chan error, 1)
	go func() {
		close(s.startedCh)
		s.log.Info("health server started", "addr", s.cfg.ListenAddr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.ready(); err != nil {
		s.log.Debug("not ready", logger.SlogErr(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) shutdown() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpSrv.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("health server stopped")
	return nil
}

type stdHTTPServer struct {
	srv *http.Server
}

func (s *stdHTTPServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *stdHTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
