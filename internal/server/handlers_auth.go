package server

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gmslzr/ephemeral-be/internal/auth"
	"github.com/gmslzr/ephemeral-be/internal/broker"
	"github.com/gmslzr/ephemeral-be/internal/store"
)

const minPasswordLength = 8

type credentialsBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userBody struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

func userResponse(u store.User) userBody {
	return userBody{
		ID:        u.ID,
		Email:     u.Email,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

type authResponse struct {
	Token string   `json:"token"`
	User  userBody `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body credentialsBody
	if !decodeJSON(w, r, &body) {
		return
	}
	email := normalizeEmail(body.Email)
	if !validEmail(email) {
		writeDetail(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if len(body.Password) < minPasswordLength {
		writeDetail(w, http.StatusBadRequest, "Password must be at least %d characters", minPasswordLength)
		return
	}

	// Friendlier duplicate detection up front; the unique index still guards
	// the race between this check and the insert.
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		internalError(w)
		return
	}

	hash, err := auth.HashSecret(body.Password)
	if err != nil {
		internalError(w)
		return
	}

	// Ids are generated here rather than by the database: the broker topic
	// name derives from the user id and must be known inside the same
	// transaction that persists it.
	userID := uuid.New()
	topicName, err := randomName()
	if err != nil {
		internalError(w)
		return
	}
	user, _, topic, err := s.store.CreateUserWithDefaults(ctx, store.SignupParams{
		UserID:         userID,
		Email:          email,
		PasswordHash:   hash,
		ProjectID:      uuid.New(),
		ProjectName:    "Default Project",
		TopicName:      topicName,
		KafkaTopicName: broker.UserTopicName(userID),
	})
	if errors.Is(err, store.ErrEmailTaken) {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	if err != nil {
		internalError(w)
		return
	}

	// The broker topic is provisioned outside the transaction; the name is
	// already persisted, so a failure here self-heals on first publish.
	if err := s.broker.EnsureTopic(ctx, topic.KafkaTopicName); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Str("event", "kafka_topic_create_failed").
			Str("kafka_topic", topic.KafkaTopicName).
			Msg("failed to provision signup topic")
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		internalError(w)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "signup").
		Str("user_id", user.ID.String()).
		Str("email", user.Email).
		Msg("user registered")
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: userResponse(user)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body credentialsBody
	if !decodeJSON(w, r, &body) {
		return
	}
	email := normalizeEmail(body.Email)

	// Missing account, deactivated account and wrong password all collapse
	// into the same response.
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil || !user.IsActive || !auth.VerifySecret(body.Password, user.PasswordHash) {
		writeDetail(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		internalError(w)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "login").
		Str("user_id", user.ID.String()).
		Msg("user logged in")
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: userResponse(user)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userResponse(identity(r).User))
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)

	var body struct {
		Email    *string `json:"email"`
		Password *string `json:"password"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Email == nil && body.Password == nil {
		writeDetail(w, http.StatusBadRequest, "At least one field (email or password) must be provided")
		return
	}

	var emailPtr, hashPtr *string
	if body.Email != nil {
		email := normalizeEmail(*body.Email)
		if !validEmail(email) {
			writeDetail(w, http.StatusBadRequest, "Invalid email address")
			return
		}
		taken, err := s.store.EmailInUseByOther(ctx, email, id.User.ID)
		if err != nil {
			internalError(w)
			return
		}
		if taken {
			writeDetail(w, http.StatusBadRequest, "Email already registered")
			return
		}
		emailPtr = &email
	}
	if body.Password != nil {
		if len(*body.Password) < minPasswordLength {
			writeDetail(w, http.StatusBadRequest, "Password must be at least %d characters", minPasswordLength)
			return
		}
		hash, err := auth.HashSecret(*body.Password)
		if err != nil {
			internalError(w)
			return
		}
		hashPtr = &hash
	}

	user, err := s.store.UpdateUser(ctx, id.User.ID, emailPtr, hashPtr)
	if errors.Is(err, store.ErrEmailTaken) {
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}
	if err != nil {
		internalError(w)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "user_updated").
		Str("user_id", user.ID.String()).
		Bool("email_changed", emailPtr != nil).
		Bool("password_changed", hashPtr != nil).
		Msg("user updated")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User updated successfully",
		"user":    userResponse(user),
	})
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identity(r)

	// Broker topics go first, each in isolation: a broker outage must not
	// leave the account half-deleted, and a leaked topic expires with its
	// retention window anyway.
	topics, err := s.store.ListTopicsByUser(ctx, id.User.ID)
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
				Msg("failed to delete broker topic during account deactivation")
		}
	}

	if err := s.store.DeactivateUser(ctx, id.User.ID); err != nil {
		internalError(w)
		return
	}

	zerolog.Ctx(ctx).Info().
		Str("event", "user_deactivated").
		Str("user_id", id.User.ID.String()).
		Msg("user account deactivated")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "User account deactivated successfully",
	})
}

// identity returns the tenant resolved by the authenticate middleware. Only
// valid on routes behind it.
func identity(r *http.Request) *auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// requireBearer rejects API-key callers on endpoints that manage long-lived
// credentials or cross-project state. A false return means the 403 is
// already written.
func requireBearer(w http.ResponseWriter, id *auth.Identity) bool {
	if id.Method != auth.MethodBearer {
		writeDetail(w, http.StatusForbidden, "This endpoint requires JWT authentication")
		return false
	}
	return true
}

func internalError(w http.ResponseWriter) {
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validEmail applies the same permissive shape check the auth service always
// had: something before an @, something after, no whitespace.
func validEmail(email string) bool {
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\n")
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomName generates the 10-character display name used for auto-created
// topics and unnamed projects.
func randomName() (string, error) {
	out := make([]byte, 10)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(nameAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = nameAlphabet[n.Int64()]
	}
	return string(out), nil
}
