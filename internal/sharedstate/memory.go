package sharedstate

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// Memory is a process-local Store. It does not share state across instances.
type Memory struct {
	mu      sync.Mutex
	clock   Clock
	entries map[string]memoryEntry
}

// NewMemory constructs a Memory store; a nil clock uses SystemClock.
func NewMemory(clock Clock) *Memory {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Memory{clock: clock, entries: make(map[string]memoryEntry)}
}

// IncrementWithExpiry increments key, starting a new window when absent or expired.
func (m *Memory) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	entry, ok := m.live(key, now)
	var count int64 = 1
	if ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, err
		}
		count = parsed + 1
	} else {
		entry = memoryEntry{}
		if ttl > 0 {
			entry.expiresAt = now.Add(ttl)
		}
	}
	entry.value = strconv.FormatInt(count, 10)
	m.entries[key] = entry
	return count, nil
}

// Get returns the value for key when present and not expired.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key, m.clock.Now())
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value; ttl <= 0 keeps it until overwritten.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *Memory) live(key string, now time.Time) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}
