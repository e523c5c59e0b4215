// Package badger provides an embedded sharedstate.Store for single-node
// deployments. Counters live in one process; run the Postgres store when several
// engine instances must share rate-limit windows.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"telemetry-control/internal/sharedstate"
)

const maxConflictRetries = 16

// Config holds badger options.
type Config struct {
	// Path is the data directory; ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *log.Logger
}

// Store implements sharedstate.Store on badger TTL entries. Expiry has
// one-second granularity.
type Store struct {
	db *badger.DB
}

var _ sharedstate.Store = (*Store)(nil)

type badgerLogger struct {
	logger *log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Printf("badger error: "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Printf("badger warn: "+format, args...)
}

func (l *badgerLogger) Infof(string, ...interface{}) {}

func (l *badgerLogger) Debugf(string, ...interface{}) {}

// Open opens the badger database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store: path required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("badger store: create dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IncrementWithExpiry increments key in a transaction, retrying on conflict.
func (s *Store) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("badger store: nil db")
	}
	if key == "" {
		return 0, sharedstate.ErrEmptyKey
	}
	var count int64
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			count = 1
			var expiresAt uint64
			item, err := txn.Get([]byte(key))
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				current, err := strconv.ParseInt(string(raw), 10, 64)
				if err != nil {
					return fmt.Errorf("badger store: counter %s: %w", key, err)
				}
				count = current + 1
				expiresAt = item.ExpiresAt()
			case errors.Is(err, badger.ErrKeyNotFound):
				if ttl > 0 {
					expiresAt = uint64(time.Now().Add(ttl).Unix())
				}
			default:
				return err
			}
			entry := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(count, 10)))
			entry.ExpiresAt = expiresAt
			return txn.SetEntry(entry)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return count, nil
	}
	return 0, fmt.Errorf("badger store: increment %s: %w", key, badger.ErrConflict)
}

// Get returns a live value for key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("badger store: nil db")
	}
	if key == "" {
		return "", false, sharedstate.ErrEmptyKey
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

// Set stores value; ttl <= 0 keeps it until overwritten.
func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.db == nil {
		return errors.New("badger store: nil db")
	}
	if key == "" {
		return sharedstate.ErrEmptyKey
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte(value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// RunGC runs value log garbage collection every interval until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	if s == nil || s.db == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
