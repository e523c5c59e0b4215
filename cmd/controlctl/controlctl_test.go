package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"telemetry-control/internal/audit"
	commands "telemetry-control/internal/commands/domain"
	eventpg "telemetry-control/internal/eventing/infrastructure/postgres"
	"telemetry-control/internal/safeguard"
)

func TestParseErrorRate(t *testing.T) {
	cases := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "0.25", want: 0.25},
		{in: "1", want: 1},
		{in: "1.5", wantErr: true},
		{in: "-0.1", wantErr: true},
		{in: "high", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseErrorRate(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseErrorRate(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("parseErrorRate(%q) = %v, %v", tc.in, got, err)
		}
	}
}

func TestPrintBreakerState(t *testing.T) {
	cfg := safeguard.DefaultConfig().CircuitBreaker
	cases := []struct {
		value   string
		present bool
		want    string
	}{
		{present: false, want: "state=closed"},
		{value: "0.05", present: true, want: "state=closed"},
		{value: "0.1", present: true, want: "state=closed"},
		{value: "0.11", present: true, want: "state=open"},
		{value: "garbage", present: true, want: "state=closed"},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		if err := printBreaker(&out, cfg, tc.value, tc.present); err != nil {
			t.Fatalf("printBreaker: %v", err)
		}
		if !strings.Contains(out.String(), tc.want) {
			t.Fatalf("value %q: got %q, want %s", tc.value, out.String(), tc.want)
		}
	}
}

func TestExportFileName(t *testing.T) {
	if got := exportFileName(commands.StatusRolledBack, "pdf", ""); got != "commands_rolled_back.pdf" {
		t.Fatalf("unexpected default name %q", got)
	}
	if got := exportFileName(commands.StatusFailed, "xlsx", "out.xlsx"); got != "out.xlsx" {
		t.Fatalf("unexpected explicit name %q", got)
	}
}

func TestListMigrationsSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.txt", "010_c.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "999_dir.sql"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	files, err := listMigrations(dir)
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	var names []string
	for _, file := range files {
		names = append(names, filepath.Base(file))
	}
	if strings.Join(names, ",") != "001_a.sql,002_b.sql,010_c.sql" {
		t.Fatalf("unexpected order %v", names)
	}

	if _, err := listMigrations(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty dir")
	}
}

func stuckFixture(now time.Time) []audit.Record {
	return []audit.Record{
		{
			CommandID:      "cmd-1",
			TargetID:       "server-1",
			CommandType:    commands.TypeThrottle,
			Status:         commands.StatusPending,
			RequestedBy:    "alice",
			CreatedAt:      now.Add(-20 * time.Minute),
			RollbackConfig: &commands.RollbackConfig{Enabled: true, TimeoutSeconds: 300},
		},
		{
			CommandID:   "cmd-2",
			TargetID:    "server-2",
			CommandType: commands.TypeRestart,
			Status:      commands.StatusPending,
			CreatedAt:   now.Add(-15 * time.Minute),
		},
	}
}

func TestWriteStuckCSV(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	if err := writeStuckCSV(&out, stuckFixture(now), now); err != nil {
		t.Fatalf("writeStuckCSV: %v", err)
	}
	rows, err := csv.NewReader(&out).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[1][0] != "cmd-1" || rows[1][4] != "20m0s" || rows[1][5] != "true" || rows[1][6] != "15m0s" {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if rows[2][5] != "false" || rows[2][6] != "" {
		t.Fatalf("unexpected second row %v", rows[2])
	}
}

func TestWriteStuckTableEmpty(t *testing.T) {
	var out bytes.Buffer
	if err := writeStuckTable(&out, nil, time.Now()); err != nil {
		t.Fatalf("writeStuckTable: %v", err)
	}
	if strings.TrimSpace(out.String()) != "no stuck commands" {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	now := time.Now().UTC()
	if err := writeStuckTable(&out, stuckFixture(now), now); err != nil {
		t.Fatalf("writeStuckTable: %v", err)
	}
	if !strings.Contains(out.String(), "COMMAND_ID") || !strings.Contains(out.String(), "2 stuck commands") {
		t.Fatalf("unexpected table %q", out.String())
	}
}

func TestWriteDeadLetters(t *testing.T) {
	var out bytes.Buffer
	letters := []eventpg.DeadLetter{{
		EventID:      "cmd-9",
		Topic:        "control-commands",
		PartitionKey: "server-9",
		Error:        "agent unreachable",
		Attempts:     5,
		LastSeenAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	if err := writeDeadLetters(&out, letters); err != nil {
		t.Fatalf("writeDeadLetters: %v", err)
	}
	for _, want := range []string{"cmd-9", "server-9", "agent unreachable", "2026-03-01T12:00:00Z"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q: %s", want, out.String())
		}
	}
}
