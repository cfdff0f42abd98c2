// Package health exposes the minimal operational surface: a component
// health report and the Prometheus metrics endpoint.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Check reports one component's health. nil means healthy.
type Check func() error

// Server serves /health and /metrics.
type Server struct {
	addr           string
	cleanupEnabled bool
	log            zerolog.Logger

	mu         sync.RWMutex
	components map[string]Check
}

func NewServer(addr string, cleanupEnabled bool, log zerolog.Logger) *Server {
	return &Server{
		addr:           addr,
		cleanupEnabled: cleanupEnabled,
		log:            log.With().Str("component", "health").Logger(),
		components:     make(map[string]Check),
	}
}

// Register binds one named component check. Later registrations under the
// same name replace earlier ones.
func (s *Server) Register(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = check
}

type report struct {
	Status         string            `json:"status"`
	Components     map[string]string `json:"components"`
	CleanupEnabled bool              `json:"cleanup_enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	checks := make(map[string]Check, len(s.components))
	for name, c := range s.components {
		checks[name] = c
	}
	s.mu.RUnlock()

	rep := report{
		Status:         "healthy",
		Components:     make(map[string]string, len(checks)),
		CleanupEnabled: s.cleanupEnabled,
	}
	for name, check := range checks {
		if err := check(); err != nil {
			rep.Components[name] = err.Error()
			rep.Status = "unhealthy"
		} else {
			rep.Components[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(rep); err != nil {
		s.log.Warn().Err(err).Msg("Health response write failed")
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", s.addr).Msg("Health server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
