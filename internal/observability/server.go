// internal/observability/server.go
package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// MetricsServer serves a PrometheusRecorder's registry on /metrics.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
	done     chan struct{}
}

// NewMetricsServer prepares a server for addr. Nothing listens until Start.
func NewMetricsServer(addr string, rec *PrometheusRecorder, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := mux.NewRouter()
	r.Handle("/metrics", rec.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.Named("metrics"),
		done:   make(chan struct{}),
	}
}

// Start binds the listen address and serves in the background. A bind
// failure is returned directly.
func (m *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", m.srv.Addr, err)
	}
	m.listener = ln
	m.logger.Info("Metrics endpoint listening", zap.String("addr", ln.Addr().String()))

	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (m *MetricsServer) Addr() string {
	if m.listener != nil {
		return m.listener.Addr().String()
	}
	return m.srv.Addr
}

// Shutdown stops the server and waits for the serve loop to exit.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if m.listener == nil {
		return nil
	}
	if err := m.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
