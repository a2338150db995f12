package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Usage is the raw counter state for one day, either a single (tenant,
// project) row or the tenant-wide sum.
type Usage struct {
	MessagesIn  int64 `db:"messages_in"`
	MessagesOut int64 `db:"messages_out"`
	BytesIn     int64 `db:"bytes_in"`
	BytesOut    int64 `db:"bytes_out"`
}

// ProjectUsage is one project's counters joined with its name for the
// per-project breakdown endpoint.
type ProjectUsage struct {
	ProjectID   uuid.UUID `db:"project_id"`
	ProjectName string    `db:"project_name"`
	Usage
}

// Usage reads the counters for day without locking. A nil projectID sums
// every project the tenant owns; a day with no traffic reads as zeros.
func (e *Engine) Usage(ctx context.Context, userID uuid.UUID, projectID *uuid.UUID, day time.Time) (Usage, error) {
	var usage Usage
	if projectID != nil {
		const q = `
			SELECT messages_in, messages_out, bytes_in, bytes_out
			FROM usage_counters
			WHERE user_id = $1 AND project_id = $2 AND day = $3`
		err := e.db.GetContext(ctx, &usage, q, userID, *projectID, dayKey(day))
		if errors.Is(err, sql.ErrNoRows) {
			return Usage{}, nil
		}
		if err != nil {
			return Usage{}, fmt.Errorf("read project usage: %w", err)
		}
		return usage, nil
	}

	const q = `
		SELECT
			COALESCE(SUM(messages_in), 0) AS messages_in,
			COALESCE(SUM(messages_out), 0) AS messages_out,
			COALESCE(SUM(bytes_in), 0) AS bytes_in,
			COALESCE(SUM(bytes_out), 0) AS bytes_out
		FROM usage_counters
		WHERE user_id = $1 AND day = $2`
	if err := e.db.GetContext(ctx, &usage, q, userID, dayKey(day)); err != nil {
		return Usage{}, fmt.Errorf("read aggregate usage: %w", err)
	}
	return usage, nil
}

// UsageByProject lists every project the tenant owns with its counters for
// day. Projects without traffic appear with zeros.
func (e *Engine) UsageByProject(ctx context.Context, userID uuid.UUID, day time.Time) ([]ProjectUsage, error) {
	const q = `
		SELECT
			p.id AS project_id,
			p.name AS project_name,
			COALESCE(u.messages_in, 0) AS messages_in,
			COALESCE(u.messages_out, 0) AS messages_out,
			COALESCE(u.bytes_in, 0) AS bytes_in,
			COALESCE(u.bytes_out, 0) AS bytes_out
		FROM projects p
		LEFT JOIN usage_counters u ON u.project_id = p.id AND u.day = $2
		WHERE p.user_id = $1
		ORDER BY p.created_at`

	usage := []ProjectUsage{}
	if err := e.db.SelectContext(ctx, &usage, q, userID, dayKey(day)); err != nil {
		return nil, fmt.Errorf("read usage by project: %w", err)
	}
	return usage, nil
}

// warningThreshold is the utilization percentage at which responses start
// flagging a dimension.
const warningThreshold = 80.0

// Metrics projects raw counters onto the free tier limits for responses.
type Metrics struct {
	MessagesUsed       int64   `json:"messages_used"`
	MessagesLimit      int64   `json:"messages_limit"`
	MessagesRemaining  int64   `json:"messages_remaining"`
	MessagesPercentage float64 `json:"messages_percentage"`
	BytesUsed          int64   `json:"bytes_used"`
	BytesLimit         int64   `json:"bytes_limit"`
	BytesRemaining     int64   `json:"bytes_remaining"`
	BytesPercentage    float64 `json:"bytes_percentage"`
	MessagesWarning    bool    `json:"messages_warning"`
	BytesWarning       bool    `json:"bytes_warning"`
}

// Snapshot computes the response view of one direction's counters.
func Snapshot(messagesUsed, bytesUsed int64) Metrics {
	messagesPct := percentage(messagesUsed, FreeTierMessagesLimit)
	bytesPct := percentage(bytesUsed, FreeTierBytesLimit)
	return Metrics{
		MessagesUsed:       messagesUsed,
		MessagesLimit:      FreeTierMessagesLimit,
		MessagesRemaining:  max(0, FreeTierMessagesLimit-messagesUsed),
		MessagesPercentage: messagesPct,
		BytesUsed:          bytesUsed,
		BytesLimit:         FreeTierBytesLimit,
		BytesRemaining:     max(0, FreeTierBytesLimit-bytesUsed),
		BytesPercentage:    bytesPct,
		MessagesWarning:    messagesPct >= warningThreshold,
		BytesWarning:       bytesPct >= warningThreshold,
	}
}

// percentage is utilization rounded to two decimals; it may exceed 100 when
// a final request pushed a counter past its limit.
func percentage(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(used)/float64(limit)*10000) / 100
}
