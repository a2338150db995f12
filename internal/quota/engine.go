package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Daily limits. The free tier caps each (tenant, project) pair per direction;
// the global limits are the cluster-wide inbound panic brake.
const (
	FreeTierMessagesLimit int64 = 10_000
	FreeTierBytesLimit    int64 = 100 * 1024 * 1024
	MaxMessagesIn         int64 = 200_000
	MaxBytesIn            int64 = 2_000_000_000
)

const (
	// retryBaseDelay doubles on every lock conflict: 10, 20, 40 ms.
	retryBaseDelay = 10 * time.Millisecond
	maxLockRetries = 3
)

// Direction labels which side of the gateway traffic is accounted on.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Scope identifies which limit tier rejected a request.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeGlobal Scope = "global"
)

// Dimension identifies which counter rejected a request.
type Dimension string

const (
	DimensionMessages Dimension = "messages"
	DimensionBytes    Dimension = "bytes"
)

// Verdict is the outcome class of a check-and-increment.
type Verdict int

const (
	// VerdictOK means the counters were incremented and committed.
	VerdictOK Verdict = iota
	// VerdictBreach means a limit would be exceeded; nothing was written.
	VerdictBreach
	// VerdictTransient means the row lock stayed unavailable through every
	// retry; nothing was written and the caller should answer 503.
	VerdictTransient
)

// Result is the quota verdict as data. Callers translate it to an HTTP
// status and log class instead of unwinding through error values.
type Result struct {
	Verdict   Verdict
	Scope     Scope
	Direction Direction
	Dimension Dimension
	Reason    string
}

// Breach reason strings, surfaced verbatim as the HTTP error detail.
const (
	reasonGlobalMessages = "Cluster-wide daily message limit exceeded. Please try again later."
	reasonGlobalBytes    = "Cluster-wide daily bytes limit exceeded. Please try again later."
	reasonUserMessages   = "Free tier limit exceeded: daily message limit reached"
	reasonUserBytes      = "Free tier limit exceeded: daily bytes limit reached"
)

// Engine owns the usage counter tables. The hot path is CheckAndIncrement:
// one transaction that locks the rows it reads, compares against the limits
// and writes the new totals, so concurrent publishers can never agree to
// overshoot a limit together.
type Engine struct {
	db     *sqlx.DB
	logger zerolog.Logger

	// sleep is the retry backoff; tests swap it to observe the sequence.
	sleep func(time.Duration)
}

func NewEngine(db *sqlx.DB, logger zerolog.Logger) *Engine {
	return &Engine{
		db:     db,
		logger: logger.With().Str("component", "quota").Logger(),
		sleep:  time.Sleep,
	}
}

// Today returns the current UTC calendar day, the key all counters roll over
// on.
func Today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func dayKey(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}

// CheckAndIncrement atomically accounts messages and bytes for one request.
// Inbound traffic is checked against the global panic brake first, then the
// (tenant, project) free tier; outbound skips the global tier. On a lock
// conflict the whole transaction is rolled back and retried with doubling
// backoff; exhausted retries surface as VerdictTransient, never as a breach.
func (e *Engine) CheckAndIncrement(ctx context.Context, userID, projectID uuid.UUID, dir Direction, messages, bytes int64) (Result, error) {
	for attempt := 0; ; attempt++ {
		result, err := e.tryCheckAndIncrement(ctx, userID, projectID, dir, messages, bytes)
		if err == nil {
			return result, nil
		}
		if !isLockUnavailable(err) {
			return Result{}, err
		}
		if attempt >= maxLockRetries {
			e.logger.Warn().
				Str("user_id", userID.String()).
				Str("direction", string(dir)).
				Int("attempts", attempt+1).
				Msg("Quota row lock unavailable, retries exhausted")
			return Result{Verdict: VerdictTransient, Direction: dir}, nil
		}
		e.sleep(retryBaseDelay << attempt)
	}
}

func (e *Engine) tryCheckAndIncrement(ctx context.Context, userID, projectID uuid.UUID, dir Direction, messages, bytes int64) (Result, error) {
	day := dayKey(Today())

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("begin quota tx: %w", err)
	}
	// Rollback is a no-op after a successful commit; on a breach it is the
	// mechanism that leaves every counter untouched.
	defer tx.Rollback()

	if dir == DirectionIn {
		global, err := lockGlobalRow(ctx, tx, day)
		if err != nil {
			return Result{}, err
		}
		if global.MessagesIn+messages > MaxMessagesIn {
			return breach(ScopeGlobal, dir, DimensionMessages, reasonGlobalMessages), nil
		}
		if global.BytesIn+bytes > MaxBytesIn {
			return breach(ScopeGlobal, dir, DimensionBytes, reasonGlobalBytes), nil
		}
		const q = `UPDATE global_usage_counters SET messages_in = messages_in + $2, bytes_in = bytes_in + $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, q, global.ID, messages, bytes); err != nil {
			return Result{}, fmt.Errorf("increment global counters: %w", err)
		}
	}

	row, err := lockUserRow(ctx, tx, userID, projectID, day)
	if err != nil {
		return Result{}, err
	}

	usedMessages, usedBytes := row.MessagesIn, row.BytesIn
	if dir == DirectionOut {
		usedMessages, usedBytes = row.MessagesOut, row.BytesOut
	}
	if usedMessages+messages > FreeTierMessagesLimit {
		return breach(ScopeUser, dir, DimensionMessages, reasonUserMessages), nil
	}
	if usedBytes+bytes > FreeTierBytesLimit {
		return breach(ScopeUser, dir, DimensionBytes, reasonUserBytes), nil
	}

	increment := `UPDATE usage_counters SET messages_in = messages_in + $2, bytes_in = bytes_in + $3 WHERE id = $1`
	if dir == DirectionOut {
		increment = `UPDATE usage_counters SET messages_out = messages_out + $2, bytes_out = bytes_out + $3 WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, increment, row.ID, messages, bytes); err != nil {
		return Result{}, fmt.Errorf("increment usage counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("commit quota tx: %w", err)
	}
	return Result{Verdict: VerdictOK, Direction: dir}, nil
}

func breach(scope Scope, dir Direction, dim Dimension, reason string) Result {
	return Result{
		Verdict:   VerdictBreach,
		Scope:     scope,
		Direction: dir,
		Dimension: dim,
		Reason:    reason,
	}
}

type globalRow struct {
	ID         uuid.UUID `db:"id"`
	MessagesIn int64     `db:"messages_in"`
	BytesIn    int64     `db:"bytes_in"`
}

type userRow struct {
	ID          uuid.UUID `db:"id"`
	MessagesIn  int64     `db:"messages_in"`
	MessagesOut int64     `db:"messages_out"`
	BytesIn     int64     `db:"bytes_in"`
	BytesOut    int64     `db:"bytes_out"`
}

// lockGlobalRow locks today's global row, inserting it first when absent.
// The insert tolerates a concurrent creator via the day uniqueness
// constraint; the re-select then either locks the winner's row or reports
// the lock conflict for the retry loop.
func lockGlobalRow(ctx context.Context, tx *sqlx.Tx, day string) (globalRow, error) {
	const q = `SELECT id, messages_in, bytes_in FROM global_usage_counters WHERE day = $1 FOR UPDATE NOWAIT`

	var row globalRow
	err := tx.GetContext(ctx, &row, q, day)
	if errors.Is(err, sql.ErrNoRows) {
		const insert = `INSERT INTO global_usage_counters (day) VALUES ($1) ON CONFLICT (day) DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, day); err != nil {
			return globalRow{}, fmt.Errorf("create global counter row: %w", err)
		}
		err = tx.GetContext(ctx, &row, q, day)
	}
	if err != nil {
		if isLockUnavailable(err) {
			return globalRow{}, err
		}
		return globalRow{}, fmt.Errorf("lock global counter row: %w", err)
	}
	return row, nil
}

func lockUserRow(ctx context.Context, tx *sqlx.Tx, userID, projectID uuid.UUID, day string) (userRow, error) {
	const q = `
		SELECT id, messages_in, messages_out, bytes_in, bytes_out
		FROM usage_counters
		WHERE user_id = $1 AND project_id = $2 AND day = $3
		FOR UPDATE NOWAIT`

	var row userRow
	err := tx.GetContext(ctx, &row, q, userID, projectID, day)
	if errors.Is(err, sql.ErrNoRows) {
		const insert = `
			INSERT INTO usage_counters (user_id, project_id, day)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, project_id, day) DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, userID, projectID, day); err != nil {
			return userRow{}, fmt.Errorf("create usage counter row: %w", err)
		}
		err = tx.GetContext(ctx, &row, q, userID, projectID, day)
	}
	if err != nil {
		if isLockUnavailable(err) {
			return userRow{}, err
		}
		return userRow{}, fmt.Errorf("lock usage counter row: %w", err)
	}
	return row, nil
}

// isLockUnavailable reports whether err is Postgres lock_not_available
// (SQLSTATE 55P03), raised by FOR UPDATE NOWAIT on a held row.
func isLockUnavailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}
