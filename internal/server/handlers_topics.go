package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/broker"
	"github.com/gmslzr/ephemeral-be/internal/metrics"
	"github.com/gmslzr/ephemeral-be/internal/quota"
	"github.com/gmslzr/ephemeral-be/internal/store"
	"github.com/gmslzr/ephemeral-be/internal/stream"
)

// maxPayloadSize caps a single message's JSON encoding.
const maxPayloadSize = 64 * 1024

type topicBody struct {
	ID             uuid.UUID `json:"id"`
	ProjectID      uuid.UUID `json:"project_id"`
	Name           string    `json:"name"`
	KafkaTopicName string    `json:"kafka_topic_name"`
	CreatedAt      time.Time `json:"created_at"`
}

func topicResponse(t store.Topic) topicBody {
	return topicBody{
		ID:             t.ID,
		ProjectID:      t.ProjectID,
		Name:           t.Name,
		KafkaTopicName: t.KafkaTopicName,
		CreatedAt:      t.CreatedAt,
	}
}

// scopeProject resolves the project a data-plane request operates on: the
// API key's project, or the tenant's default project under bearer auth. A
// false return means the 404 is already written.
func (s *Server) scopeProject(w http.ResponseWriter, r *http.Request, id *auth.Identity) (store.Project, bool) {
	ctx := r.Context()
	if id.ProjectID != nil {
		project, err := s.store.GetProject(ctx, *id.ProjectID, id.User.ID)
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Project not found")
			return store.Project{}, false
		}
		if err != nil {
			internalError(w)
			return store.Project{}, false
		}
		return project, true
	}

	project, err := s.store.GetDefaultProject(ctx, id.User.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Default project not found")
		return store.Project{}, false
	}
	if err != nil {
		internalError(w)
		return store.Project{}, false
	}
	return project, true
}

// resolveTopic finds the topic a path names within a project: display name
// first, broker topic name as a fallback.
func (s *Server) resolveTopic(w http.ResponseWriter, r *http.Request, projectID uuid.UUID, name string) (store.Topic, bool) {
	ctx := r.Context()

	topic, err := s.store.GetTopicByName(ctx, projectID, name)
	if errors.Is(err, store.ErrNotFound) {
		topic, err = s.store.GetTopicByBrokerName(ctx, projectID, name)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Topic not found")
		return store.Topic{}, false
	}
	if err != nil {
		internalError(w)
		return store.Topic{}, false
	}
	return topic, true
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)

	var (
		topics []store.Topic
		err    error
	)
	if id.ProjectID != nil {
		if _, ok := s.scopeProject(w, r, id); !ok {
			return
		}
		topics, err = s.store.ListTopicsByProject(ctx, *id.ProjectID)
	} else {
		topics, err = s.store.ListTopicsByUser(ctx, id.User.ID)
	}
	if err != nil {
		internalError(w)
		return
	}

	out := make([]topicBody, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": out})
}

type publishMessage struct {
	Value json.RawMessage `json:"value"`
}

type publishRequest struct {
	Messages []publishMessage `json:"messages"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	logger := zerolog.Ctx(ctx)

	project, ok := s.scopeProject(w, r, id)
	if !ok {
		return
	}
	topic, ok := s.resolveTopic(w, r, project.ID, chi.URLParam(r, "name"))
	if !ok {
		return
	}

	var body publishRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	// Compact each value so counted bytes equal produced bytes regardless of
	// how the client formatted the JSON.
	payloads := make([][]byte, 0, len(body.Messages))
	var totalBytes int64
	for i, msg := range body.Messages {
		if len(msg.Value) == 0 {
			writeDetail(w, http.StatusBadRequest, "Message at index %d has no value", i)
			return
		}
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, msg.Value); err != nil {
			writeDetail(w, http.StatusBadRequest, "Message at index %d is not valid JSON", i)
			return
		}
		payload := compacted.Bytes()
		if len(payload) > maxPayloadSize {
			writeDetail(w, http.StatusRequestEntityTooLarge,
				"Message at index %d exceeds maximum payload size of %dKB (size: %d bytes)",
				i, maxPayloadSize/1024, len(payload))
			return
		}
		payloads = append(payloads, payload)
		totalBytes += int64(len(payload))
	}
	messageCount := int64(len(payloads))

	result, err := s.quota.CheckAndIncrement(ctx, id.User.ID, project.ID, quota.DirectionIn, messageCount, totalBytes)
	if err != nil {
		internalError(w)
		return
	}
	switch result.Verdict {
	case quota.VerdictBreach:
		metrics.RecordQuotaBreach(string(result.Scope), string(result.Direction), string(result.Dimension))
		logger.Warn().
			Str("event", "quota_exceeded").
			Str("user_id", id.User.ID.String()).
			Str("topic", topic.Name).
			Str("scope", string(result.Scope)).
			Str("dimension", string(result.Dimension)).
			Int64("messages", messageCount).
			Int64("bytes", totalBytes).
			Msg("publish rejected by quota")
		writeDetail(w, http.StatusTooManyRequests, "%s", result.Reason)
		return
	case quota.VerdictTransient:
		writeDetail(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again later.")
		return
	}

	// Quota is already spent; a produce failure is surfaced without a refund.
	// The global brake counts attempted inbound work.
	if err := s.broker.Publish(ctx, topic.KafkaTopicName, payloads); err != nil {
		metrics.RecordProduceError()
		logger.Error().
			Err(err).
			Str("event", "publish").
			Str("user_id", id.User.ID.String()).
			Str("topic", topic.Name).
			Str("status", "kafka_error").
			Msg("broker produce failed")
		writeDetail(w, http.StatusInternalServerError, "Failed to publish messages")
		return
	}

	metrics.RecordPublish(messageCount, totalBytes)
	logger.Info().
		Str("event", "publish").
		Str("user_id", id.User.ID.String()).
		Str("topic", topic.Name).
		Str("status", "ok").
		Int64("messages", messageCount).
		Int64("bytes", totalBytes).
		Msg("messages published")
	writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"messages_published": messageCount,
		"bytes_published":    totalBytes,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	logger := zerolog.Ctx(ctx)

	project, ok := s.scopeProject(w, r, id)
	if !ok {
		return
	}
	topic, ok := s.resolveTopic(w, r, project.ID, chi.URLParam(r, "name"))
	if !ok {
		return
	}

	connID, admitted := s.registry.Admit(id.User.ID, topic.Name)
	if !admitted {
		writeDetail(w, http.StatusTooManyRequests, "stream_limit_exceeded")
		return
	}
	defer s.registry.Remove(id.User.ID, connID)

	consumer, err := s.broker.OpenConsumer(topic.KafkaTopicName, broker.StreamGroupID(id.User.ID, connID))
	if err != nil {
		logger.Error().
			Err(err).
			Str("user_id", id.User.ID.String()).
			Str("topic", topic.Name).
			Msg("failed to open stream consumer")
		writeDetail(w, http.StatusInternalServerError, "Failed to create stream")
		return
	}

	metrics.StreamStarted()
	logger.Info().
		Str("event", "stream_started").
		Str("user_id", id.User.ID.String()).
		Str("connection_id", connID.String()).
		Str("topic", topic.Name).
		Msg("stream started")

	st := &stream.Stream{
		Consumer: consumer,
		Quota: func(ctx context.Context, messages, bytes int64) (quota.Result, error) {
			return s.quota.CheckAndIncrement(ctx, id.User.ID, project.ID, quota.DirectionOut, messages, bytes)
		},
		Logger: logger.With().
			Str("connection_id", connID.String()).
			Str("topic", topic.Name).
			Logger(),
	}
	reason := st.Run(ctx, w)

	metrics.StreamEnded(string(reason))
	logger.Info().
		Str("event", "stream_ended").
		Str("user_id", id.User.ID.String()).
		Str("connection_id", connID.String()).
		Str("topic", topic.Name).
		Str("reason", string(reason)).
		Msg("stream ended")
}
