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

const (
	defaultOutboxTable = "event_outbox"
	defaultClaimLease  = 30 * time.Second
)

// OutboxStore is a Postgres implementation for outbox records.
type OutboxStore struct {
	db    *sql.DB
	table string
	lease time.Duration
}

var (
	_ eventing.OutboxWriter = (*OutboxStore)(nil)
	_ eventing.OutboxStore  = (*OutboxStore)(nil)
)

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{db: db, table: defaultOutboxTable, lease: defaultClaimLease}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithClaimLease sets how long ListPending hides claimed rows from other relays.
func WithClaimLease(lease time.Duration) OutboxOption {
	return func(store *OutboxStore) {
		if lease > 0 {
			store.lease = lease
		}
	}
}

// Insert writes an envelope to outbox. A second insert of the same event id
// returns the row written first.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return eventing.OutboxRecord{}, errors.New("outbox store: nil db")
	}
	if env.EventID == "" {
		return eventing.OutboxRecord{}, errors.New("outbox store: empty event id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return eventing.OutboxRecord{}, err
	}
	query := fmt.Sprintf(`
WITH inserted AS (
	INSERT INTO %s (
		id,
		event_id,
		event_type,
		topic,
		partition_key,
		partition,
		payload,
		status,
		attempts
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, 'pending', 0
	)
	ON CONFLICT (event_id)
	DO NOTHING
	RETURNING id, seq, attempts, payload
)
SELECT id, seq, attempts, payload FROM inserted
UNION ALL
SELECT id, seq, attempts, payload FROM %s WHERE event_id = $2
LIMIT 1`, s.table, s.table)

	var record eventing.OutboxRecord
	var stored []byte
	err = s.db.QueryRowContext(ctx, query,
		eventing.NewEventID(),
		env.EventID,
		env.EventType,
		env.Topic,
		env.PartitionKey,
		env.Partition,
		payload,
	).Scan(&record.ID, &record.Sequence, &record.Attempts, &stored)
	if err != nil {
		return eventing.OutboxRecord{}, err
	}
	if err := json.Unmarshal(stored, &record.Envelope); err != nil {
		return eventing.OutboxRecord{}, err
	}
	return record, nil
}

// ListPending claims up to limit undelivered records in sequence order.
// Claimed rows stay invisible to other callers until the lease lapses or the
// row is marked, so concurrent relays never publish the same batch.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
WITH claimed AS (
	UPDATE %s
	SET claimed_until = $2
	WHERE id IN (
		SELECT id
		FROM %s
		WHERE status IN ('pending', 'failed')
			AND (claimed_until IS NULL OR claimed_until < $3)
		ORDER BY seq ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING id, seq, attempts, payload
)
SELECT id, seq, attempts, payload FROM claimed
ORDER BY seq ASC`, s.table, s.table)

	rows, err := s.db.QueryContext(ctx, query, limit, now.Add(s.lease), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []eventing.OutboxRecord
	for rows.Next() {
		var record eventing.OutboxRecord
		var payload []byte
		if err := rows.Scan(&record.ID, &record.Sequence, &record.Attempts, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &record.Envelope); err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// MarkSent marks outbox record as sent.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'sent', sent_at = $1, claimed_until = NULL
WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}

// MarkFailed marks outbox record as failed and increments attempts.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.markAttempt(ctx, id, eventing.OutboxStatusFailed)
}

// MarkDead parks the record after it was dead-lettered.
func (s *OutboxStore) MarkDead(ctx context.Context, id string) error {
	return s.markAttempt(ctx, id, eventing.OutboxStatusDead)
}

func (s *OutboxStore) markAttempt(ctx context.Context, id, status string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, attempts = attempts + 1, claimed_until = NULL
WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, status, id)
	return err
}
