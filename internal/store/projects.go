package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// NewProjectParams carries a project insert plus its initial topic row. The
// caller generates ProjectID up front because KafkaTopicName derives from it.
type NewProjectParams struct {
	ProjectID      uuid.UUID
	UserID         uuid.UUID
	Name           string
	TopicName      string
	KafkaTopicName string
}

// CreateProjectWithTopic inserts a non-default project and its topic row in
// one transaction, mirroring the signup shape for explicitly created
// projects.
func (s *Store) CreateProjectWithTopic(ctx context.Context, p NewProjectParams) (Project, Topic, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Project{}, Topic{}, fmt.Errorf("begin project tx: %w", err)
	}
	defer tx.Rollback()

	const qProject = `
		INSERT INTO projects (id, user_id, name, is_default)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id, user_id, name, is_default, created_at`
	var project Project
	if err := tx.GetContext(ctx, &project, qProject, p.ProjectID, p.UserID, p.Name); err != nil {
		return Project{}, Topic{}, fmt.Errorf("create project: %w", err)
	}

	const qTopic = `
		INSERT INTO topics (project_id, name, kafka_topic_name)
		VALUES ($1, $2, $3)
		RETURNING id, project_id, name, kafka_topic_name, created_at`
	var topic Topic
	if err := tx.GetContext(ctx, &topic, qTopic, p.ProjectID, p.TopicName, p.KafkaTopicName); err != nil {
		return Project{}, Topic{}, fmt.Errorf("create project topic: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Project{}, Topic{}, fmt.Errorf("commit project tx: %w", err)
	}
	return project, topic, nil
}

// GetProject loads a project scoped to its owner. A project belonging to a
// different tenant is indistinguishable from an absent one.
func (s *Store) GetProject(ctx context.Context, id, userID uuid.UUID) (Project, error) {
	const q = `
		SELECT id, user_id, name, is_default, created_at
		FROM projects
		WHERE id = $1 AND user_id = $2`

	var project Project
	if err := s.db.GetContext(ctx, &project, q, id, userID); err != nil {
		return Project{}, notFound(err)
	}
	return project, nil
}

func (s *Store) ListProjects(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	const q = `
		SELECT id, user_id, name, is_default, created_at
		FROM projects
		WHERE user_id = $1
		ORDER BY created_at`

	projects := []Project{}
	if err := s.db.SelectContext(ctx, &projects, q, userID); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// CountProjects backs the usage summary's total_projects field.
func (s *Store) CountProjects(ctx context.Context, userID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM projects WHERE user_id = $1`

	var count int
	if err := s.db.GetContext(ctx, &count, q, userID); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return count, nil
}

func (s *Store) GetDefaultProject(ctx context.Context, userID uuid.UUID) (Project, error) {
	const q = `
		SELECT id, user_id, name, is_default, created_at
		FROM projects
		WHERE user_id = $1 AND is_default
		ORDER BY created_at
		LIMIT 1`

	var project Project
	if err := s.db.GetContext(ctx, &project, q, userID); err != nil {
		return Project{}, notFound(err)
	}
	return project, nil
}

func (s *Store) RenameProject(ctx context.Context, id, userID uuid.UUID, name string) (Project, error) {
	const q = `
		UPDATE projects
		SET name = $3
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, name, is_default, created_at`

	var project Project
	if err := s.db.GetContext(ctx, &project, q, id, userID, name); err != nil {
		return Project{}, notFound(err)
	}
	return project, nil
}

// DeleteProject removes the row; topics and API keys under it go with the
// foreign-key cascade. Broker topic cleanup happens before this call.
func (s *Store) DeleteProject(ctx context.Context, id, userID uuid.UUID) error {
	const q = `DELETE FROM projects WHERE id = $1 AND user_id = $2`

	res, err := s.db.ExecContext(ctx, q, id, userID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
