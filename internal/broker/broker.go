package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	// Every topic is single-partition, single-replica so a publish batch is
	// delivered in the order it was accepted.
	topicPartitions int32 = 1
	topicReplicas   int16 = 1

	// topicRetentionMs keeps events for one day, matching the daily quota
	// window.
	topicRetentionMs = "86400000"

	produceTimeout = 10 * time.Second
)

// UserTopicName is the broker topic backing a tenant's default project.
func UserTopicName(userID uuid.UUID) string {
	return fmt.Sprintf("user_%s_events", userID)
}

// ProjectTopicName is the broker topic backing an explicitly created project.
func ProjectTopicName(projectID uuid.UUID) string {
	return fmt.Sprintf("project_%s_events", projectID)
}

// StreamGroupID names the consumer group for one SSE connection. Every
// stream gets its own group so concurrent streams on a topic each see the
// full feed.
func StreamGroupID(userID, connID uuid.UUID) string {
	return fmt.Sprintf("user_%s_stream_%s", userID, connID)
}

// Broker wraps the shared produce client and the admin surface. The
// connection is lazy: a broker that is down surfaces at first use, not at
// construction.
type Broker struct {
	brokers []string
	client  *kgo.Client
	admin   *kadm.Client
	logger  zerolog.Logger
}

func New(brokers []string, logger zerolog.Logger) (*Broker, error) {
	if len(brokers) == 0 {
		return nil, errors.New("broker: at least one bootstrap server is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProduceRequestTimeout(produceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Broker{
		brokers: brokers,
		client:  client,
		admin:   kadm.NewClient(client),
		logger:  logger.With().Str("component", "broker").Logger(),
	}, nil
}

// Close releases the shared client. Per-stream consumers are closed by
// their owning streams.
func (b *Broker) Close() {
	b.client.Close()
}

// EnsureTopic creates name with the standard layout and one-day retention.
// A topic that already exists is success, so lifecycle endpoints stay
// idempotent.
func (b *Broker) EnsureTopic(ctx context.Context, name string) error {
	configs := map[string]*string{"retention.ms": kadm.StringPtr(topicRetentionMs)}
	resp, err := b.admin.CreateTopic(ctx, topicPartitions, topicReplicas, configs, name)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", name, err)
	}
	if resp.Err != nil {
		if errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create topic %s: %w", name, resp.Err)
	}
	b.logger.Info().
		Str("event", "kafka_topic_created").
		Str("topic", name).
		Msg("Created broker topic")
	return nil
}

// DeleteTopic removes name. Deleting a topic the broker does not know is
// success: teardown callers only care that the topic is gone.
func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	resp, err := b.admin.DeleteTopics(ctx, name)
	if err != nil {
		return fmt.Errorf("delete topic %s: %w", name, err)
	}
	if t, ok := resp[name]; ok && t.Err != nil && !errors.Is(t.Err, kerr.UnknownTopicOrPartition) {
		return fmt.Errorf("delete topic %s: %w", name, t.Err)
	}
	b.logger.Info().
		Str("event", "kafka_topic_deleted").
		Str("topic", name).
		Msg("Deleted broker topic")
	return nil
}

// Publish produces payloads to topic in submitted order and waits for every
// acknowledgement. Callers must have settled quota before calling: a failure
// here does not refund counters.
func (b *Broker) Publish(ctx context.Context, topic string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(payloads))
	for _, payload := range payloads {
		records = append(records, &kgo.Record{Topic: topic, Value: payload})
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()
	if err := b.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Healthy round-trips topic metadata to prove broker connectivity.
func (b *Broker) Healthy(ctx context.Context) error {
	if _, err := b.admin.ListTopics(ctx); err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	return nil
}
