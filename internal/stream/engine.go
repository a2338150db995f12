package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gmslzr/ephemeral-be/internal/broker"
	"github.com/gmslzr/ephemeral-be/internal/metrics"
	"github.com/gmslzr/ephemeral-be/internal/quota"
)

// EndReason records why a stream terminated. Exactly one stream_ended log
// entry carries it.
type EndReason string

const (
	// EndClient: the client disconnected or stopped accepting writes.
	EndClient EndReason = "client"
	// EndQuota: the outbound free tier ran out mid-stream.
	EndQuota EndReason = "quota"
	// EndBroker: the consumer failed fatally.
	EndBroker EndReason = "broker"
	// EndInternal: quota accounting itself failed.
	EndInternal EndReason = "internal"
)

// Consumer is the per-stream broker handle the producer task owns. The
// concrete implementation is *broker.Consumer.
type Consumer interface {
	Poll(ctx context.Context) ([]broker.Record, error)
	Close()
}

// QuotaFunc accounts one delivery (message count, payload bytes) against the
// tenant's outbound counters.
type QuotaFunc func(ctx context.Context, messages, bytes int64) (quota.Result, error)

const (
	// DefaultChannelCapacity bounds the event channel between the producer
	// and writer tasks; a slow client backpressures the consumer through it.
	DefaultChannelCapacity = 64

	// DefaultHeartbeat is how often a comment frame proves liveness on a
	// quiet topic.
	DefaultHeartbeat = 20 * time.Second

	// defaultIdleWait is the writer's receive timeout between channel
	// checks; together with the heartbeat interval it bounds silence at
	// heartbeat + idleWait + write latency.
	defaultIdleWait = time.Second
)

type eventKind int

const (
	eventMessage eventKind = iota
	eventHeartbeat
	eventError
)

type event struct {
	kind   eventKind
	record broker.Record
	err    error
}

// streamMessage is the SSE data payload wrapping one record.
type streamMessage struct {
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

// Stream pumps one consumer into one SSE response: a producer goroutine
// polls the broker and feeds a bounded channel, and the caller's goroutine
// writes frames, accounts quota and emits heartbeats.
type Stream struct {
	Consumer Consumer
	Quota    QuotaFunc
	Logger   zerolog.Logger

	// Capacity, Heartbeat and IdleWait override the defaults when positive.
	Capacity  int
	Heartbeat time.Duration
	IdleWait  time.Duration
}

// Run drives the connection until the client leaves, quota runs out, or the
// consumer fails. It blocks for the lifetime of the stream, guarantees the
// consumer is closed before returning, and reports why the stream ended.
func (s *Stream) Run(ctx context.Context, w http.ResponseWriter) EndReason {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.Consumer.Close()
		s.Logger.Error().Msg("Response writer does not support flushing")
		return EndInternal
	}

	capacity := s.Capacity
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	idleWait := s.IdleWait
	if idleWait <= 0 {
		idleWait = defaultIdleWait
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := make(chan event, capacity)
	var stop atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.produce(ctx, events, &stop, heartbeat)
	}()

	reason := s.write(ctx, w, flusher, events, heartbeat, idleWait)

	// Unblock a producer stuck on a full channel, then wait for it to close
	// the consumer before reporting the stream gone.
	stop.Store(true)
	for range events {
	}
	<-done
	return reason
}

// produce polls the consumer and feeds the event channel. Records are
// enqueued blocking so a slow client backpressures consumption instead of
// dropping data; heartbeats are droppable. Exits when the stop flag is set,
// the request context ends, or the consumer fails, and owns closing both
// the consumer and the channel.
func (s *Stream) produce(ctx context.Context, events chan<- event, stop *atomic.Bool, heartbeat time.Duration) {
	defer close(events)
	defer s.Consumer.Close()

	lastHeartbeat := time.Now()
	for !stop.Load() && ctx.Err() == nil {
		records, err := s.Consumer.Poll(ctx)
		if err != nil {
			if stop.Load() || ctx.Err() != nil {
				return
			}
			select {
			case events <- event{kind: eventError, err: err}:
			case <-ctx.Done():
			}
			return
		}
		for _, record := range records {
			select {
			case events <- event{kind: eventMessage, record: record}:
			case <-ctx.Done():
				return
			}
		}
		if time.Since(lastHeartbeat) >= heartbeat {
			select {
			case events <- event{kind: eventHeartbeat}:
			default:
			}
			lastHeartbeat = time.Now()
		}
	}
}

func (s *Stream) write(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan event, heartbeat, idleWait time.Duration) EndReason {
	if err := writeComment(w, flusher, "connected"); err != nil {
		return EndClient
	}

	lastHeartbeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			return EndClient
		case ev, ok := <-events:
			if !ok {
				return EndClient
			}
			switch ev.kind {
			case eventMessage:
				if reason, ended := s.deliver(ctx, w, flusher, ev.record); ended {
					return reason
				}
			case eventHeartbeat:
				if err := writeComment(w, flusher, heartbeatText()); err != nil {
					return EndClient
				}
				lastHeartbeat = time.Now()
			case eventError:
				s.Logger.Warn().Err(ev.err).Msg("Consumer failed mid-stream")
				_ = writeData(w, flusher, []byte(`{"error":"Consumer error"}`))
				return EndBroker
			}
		case <-time.After(idleWait):
			// The producer only enqueues heartbeats when a poll completes;
			// this covers a stalled poll so silence stays bounded.
			if time.Since(lastHeartbeat) >= heartbeat {
				if err := writeComment(w, flusher, heartbeatText()); err != nil {
					return EndClient
				}
				lastHeartbeat = time.Now()
			}
		}
	}
}

// deliver accounts and emits one record. The second return reports that the
// stream must end with the given reason.
func (s *Stream) deliver(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, record broker.Record) (EndReason, bool) {
	if len(record.Value) == 0 || !json.Valid(record.Value) {
		s.Logger.Warn().
			Str("event", "message_deserialization_failed").
			Msg("Skipping record with malformed value")
		return "", false
	}

	payload, err := json.Marshal(streamMessage{
		Value:     json.RawMessage(record.Value),
		Timestamp: record.Timestamp.UnixMilli(),
	})
	if err != nil {
		s.Logger.Warn().
			Err(err).
			Str("event", "message_deserialization_failed").
			Msg("Skipping record that failed to encode")
		return "", false
	}

	result, err := s.Quota(ctx, 1, int64(len(payload)))
	if err != nil {
		s.Logger.Error().Err(err).Msg("Outbound quota accounting failed")
		_ = writeData(w, flusher, []byte(`{"error":"Internal error"}`))
		return EndInternal, true
	}
	switch result.Verdict {
	case quota.VerdictBreach:
		metrics.RecordQuotaBreach(string(result.Scope), string(result.Direction), string(result.Dimension))
		s.Logger.Warn().
			Str("event", "quota_exceeded").
			Str("reason", result.Reason).
			Msg("Outbound quota exhausted mid-stream")
		_ = writeData(w, flusher, []byte(`{"error":"Quota exceeded"}`))
		return EndQuota, true
	case quota.VerdictTransient:
		_ = writeData(w, flusher, []byte(`{"error":"Internal error"}`))
		return EndInternal, true
	}

	if err := writeData(w, flusher, payload); err != nil {
		return EndClient, true
	}
	metrics.RecordStreamedMessage()
	return "", false
}

func writeData(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeComment(w http.ResponseWriter, flusher http.Flusher, text string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func heartbeatText() string {
	return "heartbeat " + time.Now().UTC().Format(time.RFC3339)
}
