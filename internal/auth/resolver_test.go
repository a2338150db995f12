package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmslzr/ephemeral-be/internal/store"
)

type fakeStore struct {
	users      map[uuid.UUID]store.User
	byDigest   map[string]store.APIKey
	legacy     []store.APIKey
	backfilled map[uuid.UUID]string
	touched    []uuid.UUID
}

func (f *fakeStore) GetActiveUserByID(_ context.Context, id uuid.UUID) (store.User, error) {
	user, ok := f.users[id]
	if !ok || !user.IsActive {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) GetAPIKeyByDigest(_ context.Context, digest string) (store.APIKey, error) {
	key, ok := f.byDigest[digest]
	if !ok {
		return store.APIKey{}, store.ErrNotFound
	}
	return key, nil
}

func (f *fakeStore) ListLegacyAPIKeys(_ context.Context) ([]store.APIKey, error) {
	return f.legacy, nil
}

func (f *fakeStore) SetAPIKeyLookupHash(_ context.Context, id uuid.UUID, digest string) error {
	if f.backfilled == nil {
		f.backfilled = map[uuid.UUID]string{}
	}
	f.backfilled[id] = digest
	return nil
}

func (f *fakeStore) TouchAPIKey(_ context.Context, id uuid.UUID) error {
	f.touched = append(f.touched, id)
	return nil
}

func newTestResolver(t *testing.T, fs *fakeStore) *Resolver {
	t.Helper()
	tm, err := NewTokenManager(testSecret)
	require.NoError(t, err)
	return NewResolver(tm, fs, zerolog.Nop())
}

func activeUser() store.User {
	return store.User{ID: uuid.New(), Email: "t@example.com", IsActive: true}
}

func TestResolveBearer(t *testing.T) {
	user := activeUser()
	fs := &fakeStore{users: map[uuid.UUID]store.User{user.ID: user}}
	r := newTestResolver(t, fs)

	token, err := r.tokens.Generate(user.ID)
	require.NoError(t, err)

	identity, err := r.Resolve(context.Background(), []string{"Bearer " + token})
	require.NoError(t, err)
	assert.Equal(t, MethodBearer, identity.Method)
	assert.Equal(t, user.ID, identity.User.ID)
	assert.Nil(t, identity.ProjectID)
}

func TestResolveBearerDeactivatedUser(t *testing.T) {
	user := activeUser()
	user.IsActive = false
	fs := &fakeStore{users: map[uuid.UUID]store.User{user.ID: user}}
	r := newTestResolver(t, fs)

	token, err := r.tokens.Generate(user.ID)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), []string{"Bearer " + token})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveAPIKeyDigestPath(t *testing.T) {
	user := activeUser()
	secret, err := NewAPIKeySecret()
	require.NoError(t, err)
	keyHash, err := HashSecret(secret)
	require.NoError(t, err)
	digest := LookupDigest(secret)

	key := store.APIKey{
		ID:         uuid.New(),
		UserID:     user.ID,
		ProjectID:  uuid.New(),
		KeyHash:    keyHash,
		LookupHash: &digest,
	}
	fs := &fakeStore{
		users:    map[uuid.UUID]store.User{user.ID: user},
		byDigest: map[string]store.APIKey{digest: key},
	}
	r := newTestResolver(t, fs)

	identity, err := r.Resolve(context.Background(), []string{"ApiKey " + secret})
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, identity.Method)
	assert.Equal(t, user.ID, identity.User.ID)
	require.NotNil(t, identity.ProjectID)
	assert.Equal(t, key.ProjectID, *identity.ProjectID)
	assert.Contains(t, fs.touched, key.ID)
}

func TestResolveAPIKeyLegacyBackfill(t *testing.T) {
	user := activeUser()
	secret, err := NewAPIKeySecret()
	require.NoError(t, err)
	keyHash, err := HashSecret(secret)
	require.NoError(t, err)

	key := store.APIKey{
		ID:        uuid.New(),
		UserID:    user.ID,
		ProjectID: uuid.New(),
		KeyHash:   keyHash,
	}
	fs := &fakeStore{
		users:  map[uuid.UUID]store.User{user.ID: user},
		legacy: []store.APIKey{key},
	}
	r := newTestResolver(t, fs)

	identity, err := r.Resolve(context.Background(), []string{"ApiKey " + secret})
	require.NoError(t, err)
	assert.Equal(t, MethodAPIKey, identity.Method)
	assert.Equal(t, LookupDigest(secret), fs.backfilled[key.ID])
}

func TestResolveAPIKeyDigestHitWrongSecret(t *testing.T) {
	user := activeUser()
	otherHash, err := HashSecret("a different secret entirely")
	require.NoError(t, err)

	secret, err := NewAPIKeySecret()
	require.NoError(t, err)
	digest := LookupDigest(secret)

	// A row carrying the right digest but the wrong slow hash must not
	// authenticate: the digest alone is never sufficient.
	key := store.APIKey{ID: uuid.New(), UserID: user.ID, KeyHash: otherHash, LookupHash: &digest}
	fs := &fakeStore{
		users:    map[uuid.UUID]store.User{user.ID: user},
		byDigest: map[string]store.APIKey{digest: key},
	}
	r := newTestResolver(t, fs)

	_, err = r.Resolve(context.Background(), []string{"ApiKey " + secret})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Empty(t, fs.touched)
}

func TestResolveBearerWinsOverAPIKey(t *testing.T) {
	user := activeUser()
	secret, err := NewAPIKeySecret()
	require.NoError(t, err)
	keyHash, err := HashSecret(secret)
	require.NoError(t, err)
	digest := LookupDigest(secret)

	key := store.APIKey{ID: uuid.New(), UserID: user.ID, ProjectID: uuid.New(), KeyHash: keyHash, LookupHash: &digest}
	fs := &fakeStore{
		users:    map[uuid.UUID]store.User{user.ID: user},
		byDigest: map[string]store.APIKey{digest: key},
	}
	r := newTestResolver(t, fs)

	token, err := r.tokens.Generate(user.ID)
	require.NoError(t, err)

	// API key listed first; bearer still wins.
	identity, err := r.Resolve(context.Background(), []string{"ApiKey " + secret, "Bearer " + token})
	require.NoError(t, err)
	assert.Equal(t, MethodBearer, identity.Method)
	assert.Nil(t, identity.ProjectID)
}

func TestResolveNoCredential(t *testing.T) {
	r := newTestResolver(t, &fakeStore{})

	_, err := r.Resolve(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = r.Resolve(context.Background(), []string{"Basic dXNlcjpwdw=="})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
