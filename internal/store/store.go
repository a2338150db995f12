package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound is returned when a row does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned when a user insert or update collides with
	// the unique email constraint.
	ErrEmailTaken = errors.New("email already registered")
)

// User is a tenant account. Deactivation is a soft delete: the row stays,
// is_active flips to false, and every credential stops resolving.
type User struct {
	ID           uuid.UUID `db:"id"`
	Email        string    `db:"email"`
	PasswordHash string    `db:"password_hash"`
	IsActive     bool      `db:"is_active"`
	CreatedAt    time.Time `db:"created_at"`
}

// Project groups topics and API keys under a tenant. Ownership is flat:
// the row stores the owner id and nothing loads back up the chain.
type Project struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	Name      string    `db:"name"`
	IsDefault bool      `db:"is_default"`
	CreatedAt time.Time `db:"created_at"`
}

// Topic maps a short display name to a globally unique broker topic name.
type Topic struct {
	ID             uuid.UUID `db:"id"`
	ProjectID      uuid.UUID `db:"project_id"`
	Name           string    `db:"name"`
	KafkaTopicName string    `db:"kafka_topic_name"`
	CreatedAt      time.Time `db:"created_at"`
}

// APIKey stores the slow verifier hash of a secret plus a fast lookup
// digest. LookupHash is nil on keys created before the digest column
// existed; the resolver backfills it on first use.
type APIKey struct {
	ID         uuid.UUID  `db:"id"`
	UserID     uuid.UUID  `db:"user_id"`
	ProjectID  uuid.UUID  `db:"project_id"`
	Name       string     `db:"name"`
	KeyHash    string     `db:"key_hash"`
	LookupHash *string    `db:"lookup_hash"`
	CreatedAt  time.Time  `db:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
}

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store wraps the relational database. All repository methods hang off it.
type Store struct {
	db *sqlx.DB
}

// Open connects via the pgx stdlib driver and applies pool tuning. The
// connection is lazy; the first query or Ping surfaces failures.
func Open(databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	return &Store{db: sqlx.NewDb(db, "pgx")}, nil
}

// NewWithDB wraps an existing connection. Tests use this with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that manage their own
// transactions, like the quota engine.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// notFound maps the driver's empty-result error onto the package sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
