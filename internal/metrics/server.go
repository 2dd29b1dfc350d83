package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthSource contributes one named section to the /health response.
type HealthSource interface {
	HealthCheck(ctx context.Context) (healthy bool, detail map[string]interface{})
}

// Server exposes /metrics and /health on a dedicated port.
type Server struct {
	registry *Registry
	sources  map[string]HealthSource
	srv      *http.Server
}

// NewServer wires the pull endpoint. Health sources are optional and
// added before Start.
func NewServer(registry *Registry, port int) *Server {
	s := &Server{
		registry: registry,
		sources:  make(map[string]HealthSource),
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry.Prometheus(), promhttp.HandlerOpts{}))
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// AddHealthSource registers a component for the /health report.
func (s *Server) AddHealthSource(name string, src HealthSource) {
	s.sources[name] = src
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	sections := make(map[string]interface{}, len(s.sources))
	for name, src := range s.sources {
		ok, detail := src.HealthCheck(ctx)
		if !ok {
			healthy = false
		}
		sections[name] = map[string]interface{}{"healthy": ok, "detail": detail}
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy":    healthy,
		"checked_at": time.Now().UTC().Format(time.RFC3339),
		"components": sections,
	})
}
