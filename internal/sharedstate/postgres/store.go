package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"telemetry-control/internal/sharedstate"
)

const defaultCountersTable = "shared_counters"

// Store is a Postgres-backed shared counter/signal store. All expiry decisions
// use the database clock so concurrent engine instances agree on windows.
type Store struct {
	db    *sql.DB
	table string
}

var _ sharedstate.Store = (*Store)(nil)

// NewStore constructs a store.
func NewStore(db *sql.DB, opts ...Option) *Store {
	store := &Store{db: db, table: defaultCountersTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Option configures the store.
type Option func(*Store)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(store *Store) {
		if table != "" {
			store.table = table
		}
	}
}

// IncrementWithExpiry atomically increments key in a single upsert.
func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("shared store: nil db")
	}
	if key == "" {
		return 0, sharedstate.ErrEmptyKey
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (key, value, expires_at)
VALUES ($1, '1', CASE WHEN $2::bigint > 0 THEN NOW() + ($2::bigint * INTERVAL '1 millisecond') END)
ON CONFLICT (key)
DO UPDATE SET
	value = CASE
		WHEN %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= NOW() THEN '1'
		ELSE (%[1]s.value::bigint + 1)::text
	END,
	expires_at = CASE
		WHEN %[1]s.expires_at IS NOT NULL AND %[1]s.expires_at <= NOW() THEN EXCLUDED.expires_at
		ELSE %[1]s.expires_at
	END
RETURNING value::bigint`, s.table)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, key, ttl.Milliseconds()).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Get returns a live value for key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("shared store: nil db")
	}
	if key == "" {
		return "", false, sharedstate.ErrEmptyKey
	}
	query := fmt.Sprintf(`
SELECT value
FROM %s
WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())`, s.table)

	var value string
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Set upserts value; ttl <= 0 stores it without expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return errors.New("shared store: nil db")
	}
	if key == "" {
		return sharedstate.ErrEmptyKey
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, expires_at)
VALUES ($1, $2, CASE WHEN $3::bigint > 0 THEN NOW() + ($3::bigint * INTERVAL '1 millisecond') END)
ON CONFLICT (key)
DO UPDATE SET
	value = EXCLUDED.value,
	expires_at = EXCLUDED.expires_at`, s.table)
	_, err := s.db.ExecContext(ctx, query, key, value, ttl.Milliseconds())
	return err
}

// DeleteExpired removes expired rows and returns how many were deleted.
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("shared store: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()`, s.table)
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	count, _ := result.RowsAffected()
	return int(count), nil
}
