package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	commands "telemetry-control/internal/commands/domain"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	clock   Clock
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store; a nil clock uses UTC wall time.
func NewMemoryStore(clock Clock) *MemoryStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryStore{clock: clock, records: make(map[string]*Record)}
}

// Create stores record as PENDING.
func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	if record == nil || record.CommandID == "" {
		return fmt.Errorf("audit: invalid record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.CommandID]; ok {
		return fmt.Errorf("%w: %s", commands.ErrDuplicateCommand, record.CommandID)
	}
	now := s.clock.Now().UTC()
	record.Status = commands.StatusPending
	record.DispatchedAt = nil
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.PayloadDigest == "" {
		record.PayloadDigest = DigestParameters(record.Parameters)
	}
	s.records[record.CommandID] = record.Clone()
	return nil
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(ctx context.Context, commandID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[commandID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", commands.ErrNotFound, commandID)
	}
	return record.Clone(), nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(ctx context.Context, commandID string, expected []commands.Status, next commands.Status, reason string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[commandID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", commands.ErrNotFound, commandID)
	}
	if !containsStatus(expected, record.Status) || !commands.CanTransition(record.Status, next) {
		return record.Clone(), fmt.Errorf("%w: %s %s -> %s", commands.ErrInvalidTransition, commandID, record.Status, next)
	}
	record.Status = next
	record.StatusReason = reason
	if next == commands.StatusRolledBack {
		record.RollbackCommandID = commands.RollbackCommandID(commandID)
	}
	record.UpdatedAt = s.clock.Now().UTC()
	return record.Clone(), nil
}

// MarkDispatched implements Store.
func (s *MemoryStore) MarkDispatched(ctx context.Context, commandID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[commandID]
	if !ok {
		return fmt.Errorf("%w: %s", commands.ErrNotFound, commandID)
	}
	if record.DispatchedAt == nil {
		value := at.UTC()
		record.DispatchedAt = &value
	}
	return nil
}

// ListOutstandingRollbacks implements Store.
func (s *MemoryStore) ListOutstandingRollbacks(ctx context.Context) ([]Record, error) {
	return s.filter(0, func(r *Record) bool {
		return r.Status.IsOutstanding() && r.RollbackEnabled() && !r.DryRun && r.DispatchedAt != nil
	}), nil
}

// ListByStatus implements Store.
func (s *MemoryStore) ListByStatus(ctx context.Context, status commands.Status, limit int) ([]Record, error) {
	return s.filter(limit, func(r *Record) bool { return r.Status == status }), nil
}

// ListStale implements Store.
func (s *MemoryStore) ListStale(ctx context.Context, status commands.Status, before time.Time, limit int) ([]Record, error) {
	return s.filter(limit, func(r *Record) bool {
		return r.Status == status && r.CreatedAt.Before(before)
	}), nil
}

func (s *MemoryStore) filter(limit int, keep func(*Record) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []Record
	for _, record := range s.records {
		if keep(record) {
			result = append(result, *record.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CommandID < result[j].CommandID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
