package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/broker"
	"github.com/gmslzr/ephemeral-be/internal/store"
)

type projectBody struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	IsDefault bool      `json:"is_default"`
}

func projectResponse(p store.Project) projectBody {
	return projectBody{
		ID:        p.ID,
		UserID:    p.UserID,
		Name:      p.Name,
		CreatedAt: p.CreatedAt,
		IsDefault: p.IsDefault,
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	// API-key callers see all of the tenant's projects here; the key's
	// project scope only narrows data-plane endpoints.
	projects, err := s.store.ListProjects(r.Context(), identity(r).User.ID)
	if err != nil {
		internalError(w)
		return
	}
	out := make([]projectBody, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)

	// Keys are scoped to a single project, so minting new projects under key
	// auth makes no sense.
	if id.Method != auth.MethodBearer {
		writeDetail(w, http.StatusForbidden, "Projects can only be created using JWT authentication")
		return
	}

	// The body is optional: an empty or absent body means an auto-generated
	// name, like the topic display names.
	var body struct {
		Name string `json:"name"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if !decodeJSON(w, r, &body) {
			return
		}
	}
	if body.Name == "" {
		name, err := randomName()
		if err != nil {
			internalError(w)
			return
		}
		body.Name = name
	}

	topicName, err := randomName()
	if err != nil {
		internalError(w)
		return
	}
	projectID := uuid.New()
	project, topic, err := s.store.CreateProjectWithTopic(ctx, store.NewProjectParams{
		ProjectID:      projectID,
		UserID:         id.User.ID,
		Name:           body.Name,
		TopicName:      topicName,
		KafkaTopicName: broker.ProjectTopicName(projectID),
	})
	if err != nil {
		internalError(w)
		return
	}

	if err := s.broker.EnsureTopic(ctx, topic.KafkaTopicName); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("event", "kafka_topic_create_failed").
			Str("kafka_topic", topic.KafkaTopicName).
			Msg("failed to provision project topic")
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "project_created").
		Str("project_id", project.ID.String()).
		Str("user_id", id.User.ID.String()).
		Msg("project created")
	writeJSON(w, http.StatusOK, projectResponse(project))
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	if !requireBearer(w, id) {
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Project not found")
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeDetail(w, http.StatusBadRequest, "Name is required")
		return
	}

	project, err := s.store.RenameProject(ctx, projectID, id.User.ID, body.Name)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, projectResponse(project))
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	if !requireBearer(w, id) {
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "Project not found")
		return
	}

	// Ownership first: broker topics must not be touched for a project the
	// caller does not own.
	project, err := s.store.GetProject(ctx, projectID, id.User.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		internalError(w)
		return
	}

	topics, err := s.store.ListTopicsByProject(ctx, project.ID)
	if err != nil {
		internalError(w)
		return
	}
	for _, t := range topics {
		if err := s.broker.DeleteTopic(ctx, t.KafkaTopicName); err != nil {
			zerolog.Ctx(ctx).Warn().
				Err(err).
				Str("event", "kafka_topic_delete_failed").
				Str("kafka_topic", t.KafkaTopicName).
				Msg("failed to delete broker topic during project deletion")
		}
	}

	// Row cascade removes the project's topics, API keys and usage counters.
	if err := s.store.DeleteProject(ctx, project.ID, id.User.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "Project not found")
			return
		}
		internalError(w)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "project_deleted").
		Str("project_id", project.ID.String()).
		Str("user_id", id.User.ID.String()).
		Msg("project deleted")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Project deleted successfully",
	})
}
