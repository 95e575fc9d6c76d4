package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gorax/flowqueue/internal/buildinfo"
)

// Server is the worker's health-and-metrics HTTP surface: /health,
// /health/live, /health/ready, /health/detailed, and the Prometheus
// /metrics endpoint.
type Server struct {
	composer  *Composer
	registry  *prometheus.Registry
	server    *http.Server
	logger    *slog.Logger
	ready     atomic.Bool
	startedAt time.Time
}

func NewServer(addr string, composer *Composer, registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{composer: composer, registry: registry, logger: logger, startedAt: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting health and metrics server", "addr", s.server.Addr)
	s.ready.Store(true)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.server.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{
		"status": "alive",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

// handleHealth returns 200 for healthy/degraded and 503 for
// unhealthy; the body is {status, uptime_s}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	sh := s.composer.SystemHealth(ctx)

	status := http.StatusOK
	if sh.Overall == Unhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, s.logger, status, map[string]any{
		"status":   sh.Overall,
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sh := s.composer.SystemHealth(ctx)
	perf := s.composer.Performance(time.Hour)
	diag := s.composer.Diagnostics(ctx)

	body := map[string]any{
		"system":      sh,
		"performance": perf,
		"diagnostics": diag,
		"version":     buildinfo.GetVersion(),
	}
	if flows, err := s.composer.FlowBreakdown(ctx); err == nil {
		body["flows"] = flows
	}

	status := http.StatusOK
	if sh.Overall == Unhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, s.logger, status, body)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode health response", "error", err)
	}
}
