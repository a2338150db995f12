package quota

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *[]time.Duration) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	engine := NewEngine(sqlx.NewDb(mockDB, "sqlmock"), zerolog.Nop())
	sleeps := &[]time.Duration{}
	engine.sleep = func(d time.Duration) { *sleeps = append(*sleeps, d) }
	return engine, mock, sleeps
}

var errLockHeld = &pgconn.PgError{Code: "55P03", Message: "could not obtain lock on row"}

func TestCheckAndIncrementInbound(t *testing.T) {
	engine, mock, _ := newMockEngine(t)

	userID := uuid.New()
	projectID := uuid.New()
	globalID := uuid.New()
	rowID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, messages_in, bytes_in FROM global_usage_counters").
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "messages_in", "bytes_in"}).
			AddRow(globalID.String(), int64(100), int64(5_000)))
	mock.ExpectExec("UPDATE global_usage_counters SET messages_in").
		WithArgs(globalID, int64(2), int64(22)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
		WithArgs(userID, projectID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "messages_in", "messages_out", "bytes_in", "bytes_out"}).
			AddRow(rowID.String(), int64(10), int64(0), int64(500), int64(0)))
	mock.ExpectExec("UPDATE usage_counters SET messages_in").
		WithArgs(rowID, int64(2), int64(22)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := engine.CheckAndIncrement(context.Background(), userID, projectID, DirectionIn, 2, 22)
	require.NoError(t, err)
	assert.Equal(t, VerdictOK, result.Verdict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAndIncrementCreatesMissingRows(t *testing.T) {
	engine, mock, _ := newMockEngine(t)

	userID := uuid.New()
	projectID := uuid.New()
	globalID := uuid.New()
	rowID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, messages_in, bytes_in FROM global_usage_counters").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO global_usage_counters").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, messages_in, bytes_in FROM global_usage_counters").
		WillReturnRows(sqlmock.NewRows([]string{"id", "messages_in", "bytes_in"}).
			AddRow(globalID.String(), int64(0), int64(0)))
	mock.ExpectExec("UPDATE global_usage_counters SET messages_in").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO usage_counters").
		WithArgs(userID, projectID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
		WillReturnRows(sqlmock.NewRows([]string{"id", "messages_in", "messages_out", "bytes_in", "bytes_out"}).
			AddRow(rowID.String(), int64(0), int64(0), int64(0), int64(0)))
	mock.ExpectExec("UPDATE usage_counters SET messages_in").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := engine.CheckAndIncrement(context.Background(), userID, projectID, DirectionIn, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, VerdictOK, result.Verdict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGlobalMessageLimitBreachRollsBack(t *testing.T) {
	engine, mock, _ := newMockEngine(t)

	globalID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, messages_in, bytes_in FROM global_usage_counters").
		WillReturnRows(sqlmock.NewRows([]string{"id", "messages_in", "bytes_in"}).
			AddRow(globalID.String(), MaxMessagesIn, int64(0)))
	mock.ExpectRollback()

	result, err := engine.CheckAndIncrement(context.Background(), uuid.New(), uuid.New(), DirectionIn, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictBreach, result.Verdict)
	assert.Equal(t, ScopeGlobal, result.Scope)
	assert.Equal(t, DimensionMessages, result.Dimension)
	assert.Equal(t, "Cluster-wide daily message limit exceeded. Please try again later.", result.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboundByteLimitBreachSkipsGlobalTier(t *testing.T) {
	engine, mock, _ := newMockEngine(t)

	userID := uuid.New()
	projectID := uuid.New()
	rowID := uuid.New()

	// No global expectations: outbound traffic only hits the free tier.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
		WithArgs(userID, projectID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "messages_in", "messages_out", "bytes_in", "bytes_out"}).
			AddRow(rowID.String(), int64(0), int64(50), int64(0), FreeTierBytesLimit-10))
	mock.ExpectRollback()

	result, err := engine.CheckAndIncrement(context.Background(), userID, projectID, DirectionOut, 1, 11)
	require.NoError(t, err)
	assert.Equal(t, VerdictBreach, result.Verdict)
	assert.Equal(t, ScopeUser, result.Scope)
	assert.Equal(t, DirectionOut, result.Direction)
	assert.Equal(t, DimensionBytes, result.Dimension)
	assert.Equal(t, "Free tier limit exceeded: daily bytes limit reached", result.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockConflictRetriesWithBackoff(t *testing.T) {
	engine, mock, sleeps := newMockEngine(t)

	userID := uuid.New()
	projectID := uuid.New()
	rowID := uuid.New()

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
			WillReturnError(errLockHeld)
		mock.ExpectRollback()
	}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
		WillReturnRows(sqlmock.NewRows([]string{"id", "messages_in", "messages_out", "bytes_in", "bytes_out"}).
			AddRow(rowID.String(), int64(0), int64(0), int64(0), int64(0)))
	mock.ExpectExec("UPDATE usage_counters SET messages_out").
		WithArgs(rowID, int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := engine.CheckAndIncrement(context.Background(), userID, projectID, DirectionOut, 1, 9)
	require.NoError(t, err)
	assert.Equal(t, VerdictOK, result.Verdict)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *sleeps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockConflictExhaustsRetries(t *testing.T) {
	engine, mock, sleeps := newMockEngine(t)

	for i := 0; i < 4; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
			WillReturnError(errLockHeld)
		mock.ExpectRollback()
	}

	result, err := engine.CheckAndIncrement(context.Background(), uuid.New(), uuid.New(), DirectionOut, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, VerdictTransient, result.Verdict)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, *sleeps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAndIncrementSurfacesOtherErrors(t *testing.T) {
	engine, mock, sleeps := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, messages_in, messages_out, bytes_in, bytes_out").
		WillReturnError(&pgconn.PgError{Code: "57P01", Message: "terminating connection"})
	mock.ExpectRollback()

	_, err := engine.CheckAndIncrement(context.Background(), uuid.New(), uuid.New(), DirectionOut, 1, 1)
	require.Error(t, err)
	assert.Empty(t, *sleeps)
}
