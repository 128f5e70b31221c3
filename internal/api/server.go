package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"mood-ensemble/internal/ensemble"
	"mood-ensemble/internal/sequence"
	"mood-ensemble/internal/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 8 << 20

// HealthReporter is the slice of ensemble.Coordinator the server needs.
type HealthReporter interface {
	Health() ensemble.Health
}

// ActivityWriter persists activity records for later PredictForUser calls.
type ActivityWriter interface {
	StoreActivities(userID string, records []sequence.ActivityRecord) error
}

// Server is the operational HTTP surface of the ensemble daemon: health,
// Prometheus metrics and activity ingestion for PredictForUser.
type Server struct {
	health HealthReporter
	store  ActivityWriter
	server *http.Server
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the HTTP server. store may be nil, in which case the
// ingestion endpoint answers 503.
func NewServer(health HealthReporter, store ActivityWriter, port int) *Server {
	s := &Server{
		health: health,
		store:  store,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/users/{userID}/activities", s.handleActivities)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting ensemble ops server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "activity storage is disabled")
		return
	}

	userID := r.PathValue("userID")
	var records []sequence.ActivityRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&records); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	if err := s.store.StoreActivities(userID, records); err != nil {
		if errors.Is(err, storage.ErrInvalidRecord) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("user_id", userID).Msg("failed to store activities")
		writeError(w, http.StatusInternalServerError, "failed to store activities")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"stored": len(records)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.health.Health()

	status := http.StatusOK
	if health.Status == "unavailable" || health.Status == "closed" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
