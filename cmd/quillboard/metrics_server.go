package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcourtman/quillboard/internal/config"
	"github.com/rs/zerolog/log"
)

// metricsServer exposes the sync collectors over HTTP while `watch` runs.
type metricsServer struct {
	srv             *http.Server
	listener        net.Listener
	shutdownTimeout time.Duration
	stopped         chan struct{}
}

// listenMetrics binds addr up front so a busy port fails the command
// instead of a background goroutine.
func listenMetrics(addr string, gatherer prometheus.Gatherer, shutdownTimeout time.Duration) (*metricsServer, error) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultMetricsShutdownTimeout
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &metricsServer{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       30 * time.Second,
		},
		listener:        ln,
		shutdownTimeout: shutdownTimeout,
		stopped:         make(chan struct{}),
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (m *metricsServer) Addr() string {
	return m.listener.Addr().String()
}

// Serve handles requests until ctx is done, then shuts down gracefully.
func (m *metricsServer) Serve(ctx context.Context) {
	go func() {
		defer close(m.stopped)
		log.Info().Str("addr", m.Addr()).Msg("Serving sync metrics")
		if err := m.srv.Serve(m.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Str("addr", m.Addr()).Msg("Metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()
		if err := m.srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Dur("timeout", m.shutdownTimeout).Msg("Metrics server did not shut down cleanly")
		}
	}()
}

// Done is closed once the server has stopped serving.
func (m *metricsServer) Done() <-chan struct{} {
	return m.stopped
}
