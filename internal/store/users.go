package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SignupParams is everything signup persists in one transaction. IDs are
// generated by the caller because the broker topic names derive from them.
type SignupParams struct {
	UserID         uuid.UUID
	Email          string
	PasswordHash   string
	ProjectID      uuid.UUID
	ProjectName    string
	TopicName      string
	KafkaTopicName string
}

// CreateUserWithDefaults inserts the tenant, its default project and the
// default topic row atomically: signup either fully provisions an account or
// leaves nothing behind. The caller normalizes the email beforehand; a
// concurrent signup racing the pre-check surfaces as ErrEmailTaken via the
// unique constraint.
func (s *Store) CreateUserWithDefaults(ctx context.Context, p SignupParams) (User, Project, Topic, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return User{}, Project{}, Topic{}, fmt.Errorf("begin signup tx: %w", err)
	}
	defer tx.Rollback()

	const qUser = `
		INSERT INTO users (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, email, password_hash, is_active, created_at`
	var user User
	if err := tx.GetContext(ctx, &user, qUser, p.UserID, p.Email, p.PasswordHash); err != nil {
		if isUniqueViolation(err) {
			return User{}, Project{}, Topic{}, ErrEmailTaken
		}
		return User{}, Project{}, Topic{}, fmt.Errorf("create user: %w", err)
	}

	const qProject = `
		INSERT INTO projects (id, user_id, name, is_default)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, user_id, name, is_default, created_at`
	var project Project
	if err := tx.GetContext(ctx, &project, qProject, p.ProjectID, p.UserID, p.ProjectName); err != nil {
		return User{}, Project{}, Topic{}, fmt.Errorf("create default project: %w", err)
	}

	const qTopic = `
		INSERT INTO topics (project_id, name, kafka_topic_name)
		VALUES ($1, $2, $3)
		RETURNING id, project_id, name, kafka_topic_name, created_at`
	var topic Topic
	if err := tx.GetContext(ctx, &topic, qTopic, p.ProjectID, p.TopicName, p.KafkaTopicName); err != nil {
		return User{}, Project{}, Topic{}, fmt.Errorf("create default topic: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, Project{}, Topic{}, fmt.Errorf("commit signup tx: %w", err)
	}
	return user, project, topic, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const q = `
		SELECT id, email, password_hash, is_active, created_at
		FROM users
		WHERE email = $1`

	var user User
	if err := s.db.GetContext(ctx, &user, q, email); err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	const q = `
		SELECT id, email, password_hash, is_active, created_at
		FROM users
		WHERE id = $1`

	var user User
	if err := s.db.GetContext(ctx, &user, q, id); err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

// GetActiveUserByID is the auth path: deactivated tenants do not resolve.
func (s *Store) GetActiveUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	const q = `
		SELECT id, email, password_hash, is_active, created_at
		FROM users
		WHERE id = $1 AND is_active`

	var user User
	if err := s.db.GetContext(ctx, &user, q, id); err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

// EmailInUseByOther reports whether another account already owns the email.
// Used by profile updates where the tenant's own row must not count.
func (s *Store) EmailInUseByOther(ctx context.Context, email string, selfID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 AND id <> $2)`

	var taken bool
	if err := s.db.GetContext(ctx, &taken, q, email, selfID); err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return taken, nil
}

// UpdateUser patches email and/or password hash. Nil fields keep the
// current value.
func (s *Store) UpdateUser(ctx context.Context, id uuid.UUID, email, passwordHash *string) (User, error) {
	const q = `
		UPDATE users
		SET email = COALESCE($2, email),
		    password_hash = COALESCE($3, password_hash)
		WHERE id = $1
		RETURNING id, email, password_hash, is_active, created_at`

	var user User
	if err := s.db.GetContext(ctx, &user, q, id, email, passwordHash); err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, notFound(err)
	}
	return user, nil
}

// DeactivateUser soft-deletes the account. Rows owned by the tenant stay in
// place; credentials stop resolving because every auth query filters on
// is_active.
func (s *Store) DeactivateUser(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE users SET is_active = FALSE WHERE id = $1`

	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
