package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gmslzr/ephemeral-be/internal/store"
)

// ErrUnauthenticated is returned when no credential in the request resolves
// to an active tenant.
var ErrUnauthenticated = errors.New("not authenticated")

// Store is the persistence surface the resolver needs.
type Store interface {
	GetActiveUserByID(ctx context.Context, id uuid.UUID) (store.User, error)
	GetAPIKeyByDigest(ctx context.Context, digest string) (store.APIKey, error)
	ListLegacyAPIKeys(ctx context.Context) ([]store.APIKey, error)
	SetAPIKeyLookupHash(ctx context.Context, id uuid.UUID, digest string) error
	TouchAPIKey(ctx context.Context, id uuid.UUID) error
}

// Resolver turns Authorization header values into a tenant identity. Bearer
// tokens and API keys are tried in parallel forms; bearer takes precedence
// when both are present.
type Resolver struct {
	tokens *TokenManager
	store  Store
	logger zerolog.Logger
}

func NewResolver(tokens *TokenManager, st Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		tokens: tokens,
		store:  st,
		logger: logger,
	}
}

// Resolve inspects every Authorization value on the request. A verifiable
// bearer token wins; otherwise the first API key credential is resolved. All
// misses collapse into ErrUnauthenticated so callers cannot distinguish a
// bad token from a missing tenant.
func (r *Resolver) Resolve(ctx context.Context, values []string) (*Identity, error) {
	var apiKeySecret string
	for _, value := range values {
		scheme, credential := splitAuthorization(value)
		if credential == "" {
			continue
		}
		switch scheme {
		case schemeBearer:
			identity, err := r.resolveBearer(ctx, credential)
			if err == nil {
				return identity, nil
			}
		case schemeAPIKey:
			if apiKeySecret == "" {
				apiKeySecret = credential
			}
		}
	}
	if apiKeySecret != "" {
		return r.resolveAPIKey(ctx, apiKeySecret)
	}
	return nil, ErrUnauthenticated
}

func (r *Resolver) resolveBearer(ctx context.Context, token string) (*Identity, error) {
	userID, err := r.tokens.Verify(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	user, err := r.store.GetActiveUserByID(ctx, userID)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return &Identity{User: user, Method: MethodBearer}, nil
}

// resolveAPIKey looks the secret up by its fast digest, then confirms with
// the slow verifier. The digest alone never authenticates: skipping the
// bcrypt comparison would turn the digest into a bearer token.
func (r *Resolver) resolveAPIKey(ctx context.Context, secret string) (*Identity, error) {
	digest := LookupDigest(secret)

	key, err := r.store.GetAPIKeyByDigest(ctx, digest)
	if err == nil && VerifySecret(secret, key.KeyHash) {
		return r.identityForKey(ctx, key)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthenticated
	}

	// Keys created before the lookup digest existed have a NULL digest and
	// can only be found by scanning. The digest is backfilled on first use
	// so each legacy key pays this cost once.
	legacy, err := r.store.ListLegacyAPIKeys(ctx)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	for _, candidate := range legacy {
		if !VerifySecret(secret, candidate.KeyHash) {
			continue
		}
		if err := r.store.SetAPIKeyLookupHash(ctx, candidate.ID, digest); err != nil {
			r.logger.Warn().
				Err(err).
				Str("event", "api_key_digest_backfill_failed").
				Str("api_key_id", candidate.ID.String()).
				Msg("failed to backfill api key lookup digest")
		}
		return r.identityForKey(ctx, candidate)
	}
	return nil, ErrUnauthenticated
}

func (r *Resolver) identityForKey(ctx context.Context, key store.APIKey) (*Identity, error) {
	user, err := r.store.GetActiveUserByID(ctx, key.UserID)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	if err := r.store.TouchAPIKey(ctx, key.ID); err != nil {
		r.logger.Warn().
			Err(err).
			Str("event", "api_key_touch_failed").
			Str("api_key_id", key.ID.String()).
			Msg("failed to update api key last use")
	}
	projectID := key.ProjectID
	return &Identity{User: user, ProjectID: &projectID, Method: MethodAPIKey}, nil
}
