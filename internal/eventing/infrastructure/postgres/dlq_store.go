package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telemetry-control/internal/eventing"
)

const defaultDLQTable = "dead_letter_events"

// DLQStore is a Postgres implementation for dead letter events.
type DLQStore struct {
	db    *sql.DB
	table string
}

var _ eventing.DLQStore = (*DLQStore)(nil)

// NewDLQStore constructs a DLQ store.
func NewDLQStore(db *sql.DB, opts ...DLQOption) *DLQStore {
	store := &DLQStore{db: db, table: defaultDLQTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// DLQOption configures the DLQ store.
type DLQOption func(*DLQStore)

// WithDLQTable overrides the table name.
func WithDLQTable(table string) DLQOption {
	return func(store *DLQStore) {
		if table != "" {
			store.table = table
		}
	}
}

// RecordFailure inserts or refreshes the dead letter for env.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	event_id,
	event_type,
	topic,
	partition_key,
	payload,
	error,
	first_seen_at,
	last_seen_at,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $7, 1
)
ON CONFLICT (event_id)
DO UPDATE SET
	payload = EXCLUDED.payload,
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = %s.attempts + 1`, s.table, s.table)

	_, err = s.db.ExecContext(ctx, query,
		env.EventID,
		env.EventType,
		env.Topic,
		env.PartitionKey,
		payload,
		message,
		time.Now().UTC(),
	)
	return err
}

// DeadLetter is a stored delivery failure.
type DeadLetter struct {
	EventID      string
	Topic        string
	PartitionKey string
	Error        string
	Attempts     int
	LastSeenAt   time.Time
}

// ListByTopic returns the newest dead letters of a topic.
func (s *DLQStore) ListByTopic(ctx context.Context, topic string, limit int) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dlq store: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT event_id, topic, partition_key, error, attempts, last_seen_at
FROM %s
WHERE topic = $1
ORDER BY last_seen_at DESC
LIMIT $2`, s.table)
	rows, err := s.db.QueryContext(ctx, query, topic, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []DeadLetter
	for rows.Next() {
		var item DeadLetter
		if err := rows.Scan(&item.EventID, &item.Topic, &item.PartitionKey, &item.Error, &item.Attempts, &item.LastSeenAt); err != nil {
			return nil, err
		}
		item.LastSeenAt = item.LastSeenAt.UTC()
		result = append(result, item)
	}
	return result, rows.Err()
}
