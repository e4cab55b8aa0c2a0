package mcpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const opsReadHeaderTimeout = 5 * time.Second

// OpsHandler serves /metrics from the server's gatherer and /health from
// the task service
func (s *MCPServer) OpsHandler() http.Handler {
	gatherer := s.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ServeOps serves OpsHandler on the metrics port. A zero port disables it.
func (s *MCPServer) ServeOps() error {
	port := s.config.Server.MetricsPort
	if port == 0 {
		s.logger.Info("ops listener disabled")
		return nil
	}

	opsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.OpsHandler(),
		ReadHeaderTimeout: opsReadHeaderTimeout,
	}
	s.mu.Lock()
	s.opsServer = opsServer
	s.mu.Unlock()

	s.logger.Info("starting ops listener", zap.Int("port", port))
	if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops listener failed: %w", err)
	}
	return nil
}

func (s *MCPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !s.tasks.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"system": s.tasks.Summary(),
	})
}
