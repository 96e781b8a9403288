package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// RunReader serves persisted run metadata.
type RunReader interface {
	Status(ctx context.Context, runID string) (domain.Run, error)
	Runs(ctx context.Context, limit int) ([]domain.Run, error)
}

// Server exposes health, readiness, metrics, and run status HTTP endpoints.
type Server struct {
	httpServer *http.Server
	runs       RunReader
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, /runs,
// and /runs/{id} routes.
func NewServer(addr string, ready sharedobs.ReadinessChecker, runs RunReader, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		runs:   runs,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRunLimit {
			sharedobs.WriteJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be an integer between 1 and " + strconv.Itoa(maxRunLimit),
			})
			return
		}
		limit = n
	}

	runs, err := s.runs.Runs(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "list runs failed"})
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	sharedobs.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.runs.Status(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		sharedobs.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "run not found", "id": id})
	case err != nil:
		s.logger.Error("get run", "run_id", id, "error", err)
		sharedobs.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "get run failed"})
	default:
		sharedobs.WriteJSON(w, http.StatusOK, run)
	}
}
