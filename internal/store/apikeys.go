package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) CreateAPIKey(ctx context.Context, userID, projectID uuid.UUID, name, keyHash, lookupHash string) (APIKey, error) {
	const q = `
		INSERT INTO api_keys (user_id, project_id, name, key_hash, lookup_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, user_id, project_id, name, key_hash, lookup_hash, created_at, last_used_at`

	var key APIKey
	if err := s.db.GetContext(ctx, &key, q, userID, projectID, name, keyHash, lookupHash); err != nil {
		return APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	const q = `
		SELECT id, user_id, project_id, name, key_hash, lookup_hash, created_at, last_used_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at`

	keys := []APIKey{}
	if err := s.db.SelectContext(ctx, &keys, q, userID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// GetAPIKeyByDigest is the resolver fast path: one indexed lookup, already
// filtered to active tenants.
func (s *Store) GetAPIKeyByDigest(ctx context.Context, digest string) (APIKey, error) {
	const q = `
		SELECT k.id, k.user_id, k.project_id, k.name, k.key_hash, k.lookup_hash, k.created_at, k.last_used_at
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.lookup_hash = $1 AND u.is_active`

	var key APIKey
	if err := s.db.GetContext(ctx, &key, q, digest); err != nil {
		return APIKey{}, notFound(err)
	}
	return key, nil
}

// ListLegacyAPIKeys returns keys that predate the lookup digest. The
// resolver scans these with the slow verifier and backfills the digest on a
// match, so this set only ever shrinks.
func (s *Store) ListLegacyAPIKeys(ctx context.Context) ([]APIKey, error) {
	const q = `
		SELECT k.id, k.user_id, k.project_id, k.name, k.key_hash, k.lookup_hash, k.created_at, k.last_used_at
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.lookup_hash IS NULL AND u.is_active`

	keys := []APIKey{}
	if err := s.db.SelectContext(ctx, &keys, q); err != nil {
		return nil, fmt.Errorf("list legacy api keys: %w", err)
	}
	return keys, nil
}

func (s *Store) SetAPIKeyLookupHash(ctx context.Context, id uuid.UUID, digest string) error {
	const q = `UPDATE api_keys SET lookup_hash = $2 WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, q, id, digest); err != nil {
		return fmt.Errorf("set api key lookup hash: %w", err)
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE api_keys SET last_used_at = now() WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id, userID uuid.UUID) error {
	const q = `DELETE FROM api_keys WHERE id = $1 AND user_id = $2`

	res, err := s.db.ExecContext(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
