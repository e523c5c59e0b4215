package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"telemetry-control/internal/sharedstate/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestStore_IncrementWithExpiry(t *testing.T) {
	db := openDB(t)
	defer db.Close()
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS shared_counters (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at TIMESTAMPTZ
)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	_, _ = db.ExecContext(ctx, "DELETE FROM shared_counters")

	store := postgres.NewStore(db)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementWithExpiry(ctx, "rate_limit:commands:dev1", time.Minute); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()
	value, ok, err := store.Get(ctx, "rate_limit:commands:dev1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if value != "20" {
		t.Fatalf("expected 20, got %s", value)
	}

	if _, err := store.IncrementWithExpiry(ctx, "short", 50*time.Millisecond); err != nil {
		t.Fatalf("increment: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	count, err := store.IncrementWithExpiry(ctx, "short", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected window reset, got %d", count)
	}

	if err := store.Set(ctx, "circuit_breaker:control_api", "0.2", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if value, ok, _ := store.Get(ctx, "circuit_breaker:control_api"); !ok || value != "0.2" {
		t.Fatalf("unexpected breaker value %q", value)
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db
}
