package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const healthcheckTimeout = 5 * time.Second

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Ephemeral API",
		"version": "1.0.0",
	})
}

type serviceHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthcheckTimeout)
	defer cancel()

	database := serviceHealth{Healthy: true, Message: "Database connection successful"}
	if err := s.store.Ping(ctx); err != nil {
		zerolog.Ctx(r.Context()).Error().
			Err(err).
			Str("event", "database_health_check").
			Msg("database health check failed")
		database = serviceHealth{Healthy: false, Message: "Database connection failed: " + err.Error()}
	}

	kafka := serviceHealth{Healthy: true, Message: "Kafka connection successful"}
	if err := s.broker.Healthy(ctx); err != nil {
		zerolog.Ctx(r.Context()).Error().
			Err(err).
			Str("event", "kafka_health_check").
			Msg("kafka health check failed")
		kafka = serviceHealth{Healthy: false, Message: "Kafka connection failed: " + err.Error()}
	}

	status := "healthy"
	code := http.StatusOK
	if !database.Healthy || !kafka.Healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"services": map[string]serviceHealth{
			"database": database,
			"kafka":    kafka,
		},
	})
}

type activeStreamBody struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	TopicName    string    `json:"topic_name"`
}

type userStreamsBody struct {
	UserID             uuid.UUID          `json:"user_id"`
	ActiveStreams      []activeStreamBody `json:"active_streams"`
	ActiveStreamsCount int                `json:"active_streams_count"`
}

func (s *Server) handleActiveStreams(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AdminAPIKey == "" {
		writeDetail(w, http.StatusInternalServerError, "Admin API key not configured")
		return
	}
	provided := r.Header.Get("X-Admin-API-Key")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminAPIKey)) != 1 {
		writeDetail(w, http.StatusUnauthorized, "Invalid admin API key")
		return
	}

	snapshot := s.registry.Snapshot()

	userIDs := make([]uuid.UUID, 0, len(snapshot))
	for userID := range snapshot {
		userIDs = append(userIDs, userID)
	}
	sort.Slice(userIDs, func(i, j int) bool {
		return userIDs[i].String() < userIDs[j].String()
	})

	users := make([]userStreamsBody, 0, len(userIDs))
	totalStreams := 0
	for _, userID := range userIDs {
		descriptors := snapshot[userID]
		streams := make([]activeStreamBody, 0, len(descriptors))
		for _, d := range descriptors {
			streams = append(streams, activeStreamBody{
				ConnectionID: d.ConnectionID,
				TopicName:    d.TopicName,
			})
		}
		users = append(users, userStreamsBody{
			UserID:             userID,
			ActiveStreams:      streams,
			ActiveStreamsCount: len(streams),
		})
		totalStreams += len(streams)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users":         users,
		"total_users":   len(users),
		"total_streams": totalStreams,
	})
}
