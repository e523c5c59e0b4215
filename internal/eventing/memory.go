package eventing

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

// Outbox record statuses.
const (
	OutboxStatusPending = "pending"
	OutboxStatusFailed  = "failed"
	OutboxStatusSent    = "sent"
	OutboxStatusDead    = "dead"
)

type memoryOutboxRow struct {
	record OutboxRecord
	status string
}

// MemoryOutbox is a process-local outbox for tests and single-process runs.
type MemoryOutbox struct {
	mu      sync.Mutex
	seq     int64
	rows    map[string]*memoryOutboxRow
	byEvent map[string]string
	failErr error
}

// NewMemoryOutbox constructs an empty outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		rows:    make(map[string]*memoryOutboxRow),
		byEvent: make(map[string]string),
	}
}

// FailInserts makes every subsequent Insert return err; nil restores normal behaviour.
func (o *MemoryOutbox) FailInserts(err error) {
	o.mu.Lock()
	o.failErr = err
	o.mu.Unlock()
}

// Insert stores env once per event id.
func (o *MemoryOutbox) Insert(ctx context.Context, env Envelope) (OutboxRecord, error) {
	if err := ctx.Err(); err != nil {
		return OutboxRecord{}, err
	}
	if env.EventID == "" {
		return OutboxRecord{}, errors.New("memory outbox: empty event id")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failErr != nil {
		return OutboxRecord{}, o.failErr
	}
	if id, ok := o.byEvent[env.EventID]; ok {
		return o.rows[id].record, nil
	}
	o.seq++
	id := "outbox-" + strconv.FormatInt(o.seq, 10)
	record := OutboxRecord{ID: id, Sequence: o.seq, Envelope: env}
	o.rows[id] = &memoryOutboxRow{record: record, status: OutboxStatusPending}
	o.byEvent[env.EventID] = id
	return record, nil
}

// ListPending returns undelivered records by sequence.
func (o *MemoryOutbox) ListPending(ctx context.Context, limit int) ([]OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	var result []OutboxRecord
	for _, row := range o.rows {
		if row.status == OutboxStatusPending || row.status == OutboxStatusFailed {
			result = append(result, row.record)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkSent marks a record delivered.
func (o *MemoryOutbox) MarkSent(ctx context.Context, id string) error {
	return o.mark(id, OutboxStatusSent, false)
}

// MarkFailed records a failed attempt.
func (o *MemoryOutbox) MarkFailed(ctx context.Context, id string) error {
	return o.mark(id, OutboxStatusFailed, true)
}

// MarkDead stops further delivery attempts.
func (o *MemoryOutbox) MarkDead(ctx context.Context, id string) error {
	return o.mark(id, OutboxStatusDead, true)
}

func (o *MemoryOutbox) mark(id, status string, attempt bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return errors.New("memory outbox: unknown record")
	}
	row.status = status
	if attempt {
		row.record.Attempts++
	}
	return nil
}

// Status returns the status of the record holding eventID.
func (o *MemoryOutbox) Status(eventID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.byEvent[eventID]
	if !ok {
		return "", false
	}
	return o.rows[id].status, true
}

// Envelopes returns every stored envelope by sequence.
func (o *MemoryOutbox) Envelopes() []Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	records := make([]OutboxRecord, 0, len(o.rows))
	for _, row := range o.rows {
		records = append(records, row.record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	envs := make([]Envelope, 0, len(records))
	for _, record := range records {
		envs = append(envs, record.Envelope)
	}
	return envs
}

// MemoryProcessedStore tracks processed events in memory.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryProcessedStore constructs an empty store.
func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]struct{})}
}

// HasProcessed checks if event was already processed by consumerName.
func (s *MemoryProcessedStore) HasProcessed(ctx context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[consumerName+"|"+eventID]
	return ok, nil
}

// MarkProcessed records an event as processed.
func (s *MemoryProcessedStore) MarkProcessed(ctx context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[consumerName+"|"+eventID] = struct{}{}
	return nil
}

// MemoryDLQ keeps dead-lettered envelopes in memory.
type MemoryDLQ struct {
	mu      sync.Mutex
	entries []Envelope
	errs    []string
}

// RecordFailure stores env with its error.
func (q *MemoryDLQ) RecordFailure(ctx context.Context, env Envelope, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, env)
	message := ""
	if err != nil {
		message = err.Error()
	}
	q.errs = append(q.errs, message)
	return nil
}

// Len returns the number of dead letters.
func (q *MemoryDLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
