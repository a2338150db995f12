package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	pollTimeout    = time.Second
	sessionTimeout = 30 * time.Second
	fetchMaxWait   = 500 * time.Millisecond
)

// Record is one consumed message.
type Record struct {
	Value     []byte
	Timestamp time.Time
}

// Consumer is a dedicated client for a single stream. Its owning goroutine
// is the only caller of Poll and Close.
type Consumer struct {
	client *kgo.Client
}

// OpenConsumer builds the consumer for one stream: its own group so offsets
// never interleave with other connections, starting at the end of the topic
// so only messages published after attach are delivered.
func (b *Broker) OpenConsumer(topic, group string) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.SessionTimeout(sessionTimeout),
		kgo.FetchMaxWait(fetchMaxWait),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", topic, err)
	}
	return &Consumer{client: client}, nil
}

// Poll waits up to one second for records. A quiet topic yields an empty
// batch rather than an error; only broker-side failures are returned.
func (c *Consumer) Poll(ctx context.Context) ([]Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	fetches := c.client.PollFetches(pollCtx)
	if fetches.IsClientClosed() {
		return nil, errors.New("consumer closed")
	}
	for _, fetchErr := range fetches.Errors() {
		// Deadline expiry is the normal end of a quiet poll window.
		if errors.Is(fetchErr.Err, context.DeadlineExceeded) || errors.Is(fetchErr.Err, context.Canceled) {
			continue
		}
		return nil, fmt.Errorf("fetch %s[%d]: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err)
	}

	var records []Record
	fetches.EachRecord(func(record *kgo.Record) {
		records = append(records, Record{Value: record.Value, Timestamp: record.Timestamp})
	})
	return records, nil
}

// Close tears the client down and leaves the group.
func (c *Consumer) Close() {
	c.client.Close()
}
