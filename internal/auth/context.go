package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/gmslzr/ephemeral-be/internal/store"
)

// Method identifies how a request authenticated.
type Method string

const (
	MethodBearer Method = "bearer"
	MethodAPIKey Method = "api_key"
)

// Identity is the resolved caller: the tenant plus, for API keys, the
// project the key is scoped to. Bearer identities carry no project scope.
type Identity struct {
	User      store.User
	ProjectID *uuid.UUID
	Method    Method
}

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity attaches the resolved identity to the context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// FromContext retrieves the resolved identity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}
