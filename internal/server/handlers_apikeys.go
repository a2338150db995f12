package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/store"
)

type apiKeyBody struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	ProjectID  uuid.UUID  `json:"project_id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

func apiKeyResponse(k store.APIKey) apiKeyBody {
	return apiKeyBody{
		ID:         k.ID,
		UserID:     k.UserID,
		ProjectID:  k.ProjectID,
		Name:       k.Name,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if !requireBearer(w, id) {
		return
	}

	keys, err := s.store.ListAPIKeys(r.Context(), id.User.ID)
	if err != nil {
		internalError(w)
		return
	}
	out := make([]apiKeyBody, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyResponse(k))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	if !requireBearer(w, id) {
		return
	}

	var body struct {
		Name      string    `json:"name"`
		ProjectID uuid.UUID `json:"project_id"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeDetail(w, http.StatusBadRequest, "Name is required")
		return
	}
	if body.ProjectID == uuid.Nil {
		writeDetail(w, http.StatusBadRequest, "Project ID is required")
		return
	}

	project, err := s.store.GetProject(ctx, body.ProjectID, id.User.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "Project not found")
		return
	}
	if err != nil {
		internalError(w)
		return
	}

	secret, err := auth.NewAPIKeySecret()
	if err != nil {
		internalError(w)
		return
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		internalError(w)
		return
	}

	key, err := s.store.CreateAPIKey(ctx, id.User.ID, project.ID, body.Name, hash, auth.LookupDigest(secret))
	if err != nil {
		internalError(w)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "api_key_created").
		Str("api_key_id", key.ID.String()).
		Str("user_id", id.User.ID.String()).
		Str("project_id", project.ID.String()).
		Msg("api key created")

	// The plaintext secret appears in this response and nowhere else; only
	// its hashes are stored.
	writeJSON(w, http.StatusOK, struct {
		ID        uuid.UUID `json:"id"`
		UserID    uuid.UUID `json:"user_id"`
		ProjectID uuid.UUID `json:"project_id"`
		Name      string    `json:"name"`
		Secret    string    `json:"secret"`
		CreatedAt time.Time `json:"created_at"`
	}{key.ID, key.UserID, key.ProjectID, key.Name, secret, key.CreatedAt})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)
	if !requireBearer(w, id) {
		return
	}

	keyID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, "API key not found")
		return
	}

	if err := s.store.DeleteAPIKey(ctx, keyID, id.User.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDetail(w, http.StatusNotFound, "API key not found")
			return
		}
		internalError(w)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "api_key_deleted").
		Str("api_key_id", keyID.String()).
		Str("user_id", id.User.ID.String()).
		Msg("api key deleted")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "API key deleted successfully",
	})
}
