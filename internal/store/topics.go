package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetTopicByName resolves a short display name inside one project.
func (s *Store) GetTopicByName(ctx context.Context, projectID uuid.UUID, name string) (Topic, error) {
	const q = `
		SELECT id, project_id, name, kafka_topic_name, created_at
		FROM topics
		WHERE project_id = $1 AND name = $2`

	var topic Topic
	if err := s.db.GetContext(ctx, &topic, q, projectID, name); err != nil {
		return Topic{}, notFound(err)
	}
	return topic, nil
}

// GetTopicByBrokerName resolves a fully qualified broker topic name inside
// one project. Fallback when the display-name lookup misses.
func (s *Store) GetTopicByBrokerName(ctx context.Context, projectID uuid.UUID, kafkaTopicName string) (Topic, error) {
	const q = `
		SELECT id, project_id, name, kafka_topic_name, created_at
		FROM topics
		WHERE project_id = $1 AND kafka_topic_name = $2`

	var topic Topic
	if err := s.db.GetContext(ctx, &topic, q, projectID, kafkaTopicName); err != nil {
		return Topic{}, notFound(err)
	}
	return topic, nil
}

func (s *Store) ListTopicsByProject(ctx context.Context, projectID uuid.UUID) ([]Topic, error) {
	const q = `
		SELECT id, project_id, name, kafka_topic_name, created_at
		FROM topics
		WHERE project_id = $1
		ORDER BY created_at`

	topics := []Topic{}
	if err := s.db.SelectContext(ctx, &topics, q, projectID); err != nil {
		return nil, fmt.Errorf("list project topics: %w", err)
	}
	return topics, nil
}

func (s *Store) ListTopicsByUser(ctx context.Context, userID uuid.UUID) ([]Topic, error) {
	const q = `
		SELECT t.id, t.project_id, t.name, t.kafka_topic_name, t.created_at
		FROM topics t
		JOIN projects p ON p.id = t.project_id
		WHERE p.user_id = $1
		ORDER BY t.created_at`

	topics := []Topic{}
	if err := s.db.SelectContext(ctx, &topics, q, userID); err != nil {
		return nil, fmt.Errorf("list user topics: %w", err)
	}
	return topics, nil
}
