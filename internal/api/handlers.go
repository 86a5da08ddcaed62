package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary := s.pipeline.Stats()

	count, err := s.pgStore.Count(r.Context())
	if err != nil {
		s.logger.Error("failed to count stored records", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not read store")
		return
	}

	s.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"run":     summary,
		"records": count,
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthStatus := make(map[string]string)
	healthy := true

	if err := s.pgStore.Ping(ctx); err != nil {
		healthStatus["postgres"] = "unhealthy"
		healthy = false
		s.logger.Error("health check failed for postgres", zap.Error(err))
	} else {
		healthStatus["postgres"] = "healthy"
	}

	if err := s.gate.Ping(ctx); err != nil {
		healthStatus["redis"] = "unhealthy"
		healthy = false
		s.logger.Error("health check failed for redis", zap.Error(err))
	} else {
		healthStatus["redis"] = "healthy"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.respondWithJSON(w, status, healthStatus)
}

func (s *Server) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, status int, message string) {
	s.respondWithJSON(w, status, map[string]string{"error": message})
}
