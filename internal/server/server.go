package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mehmetymw/fhirsink/internal/db"
	"github.com/mehmetymw/fhirsink/internal/metrics"
	"github.com/mehmetymw/fhirsink/internal/pipeline"
)

type StatusFunc func() pipeline.Status

type StatsFunc func() db.Stats

type healthz struct {
	Status    string          `json:"status"`
	Mode      string          `json:"mode"`
	Pipeline  pipeline.Status `json:"pipeline"`
	Pool      *db.Stats       `json:"pool,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Server exposes /healthz and /metrics for one consumer process.
type Server struct {
	mode   string
	status StatusFunc
	stats  StatsFunc
	logger *zap.Logger
	srv    *http.Server
}

// New builds the ops server. stats may be nil when the process has no
// database pool.
func New(addr, mode string, status StatusFunc, stats StatsFunc, logger *zap.Logger) *Server {
	s := &Server{mode: mode, status: status, stats: stats, logger: logger}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	resp := healthz{
		Status:    "running",
		Mode:      s.mode,
		Pipeline:  st,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !st.Running {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	if s.stats != nil {
		stats := s.stats()
		resp.Pool = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("Failed to write health response", zap.Error(err))
	}
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return s.srv.Shutdown(shutdownCtx)
}
