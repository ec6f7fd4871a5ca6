// Package api exposes the operational HTTP surface: health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mapforge/tilefetch/internal/telemetry"
)

// Config controls the ops server.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Server serves /healthz and /metrics while a fetch run is in progress.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer constructs the ops server with its routes.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	r := chi.NewRouter()
	r.Get("/healthz", healthz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start runs the server until the context finishes, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("ops server shutdown", zap.Error(err))
		}
	}()

	s.logger.Info("ops server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("ops server failed", zap.Error(err))
	}
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
