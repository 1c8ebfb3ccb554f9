// Package admin hosts the operational HTTP surface: Prometheus metrics and
// liveness/readiness probes. It is side traffic only; no protocol state is
// reachable through it.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves /metrics, /healthz, and /readyz.
type Server struct {
	log   *zap.Logger
	http  *http.Server
	ready atomic.Bool
}

// New builds the admin server for the given registry. An empty address
// disables it; Start and Shutdown become no-ops.
func New(log *zap.Logger, address string, reg *prometheus.Registry) *Server {
	s := &Server{log: log}
	if address == "" {
		return s
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.http = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	if s.http == nil {
		return
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.http.Addr))
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin server shutdown", zap.Error(err))
	}
}
