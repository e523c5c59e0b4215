package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	commands "telemetry-control/internal/commands/domain"
)

const defaultAuditTable = "command_audit"

const recordColumns = `command_id, target_id, command_type, parameters, priority, expiry,
	rollback_enabled, rollback_timeout_seconds, previous_state, dry_run, status, status_reason,
	rollback_command_id, requested_by, source_ip, payload_digest, dispatched_at, created_at, updated_at`

// Repository is the Postgres Store backed by the command_audit table.
type Repository struct {
	db    *sql.DB
	table string
}

var _ Store = (*Repository)(nil)

// RepositoryOption configures the repository.
type RepositoryOption func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB, opts ...RepositoryOption) *Repository {
	repo := &Repository{db: db, table: defaultAuditTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Create inserts record as PENDING.
func (r *Repository) Create(ctx context.Context, record *Record) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if record == nil || record.CommandID == "" {
		return errors.New("audit repo: invalid record")
	}
	params, err := json.Marshal(nonNil(record.Parameters))
	if err != nil {
		return err
	}
	var (
		rollbackEnabled bool
		timeoutSeconds  int
		previousState   = map[string]string{}
	)
	if record.RollbackConfig != nil {
		rollbackEnabled = record.RollbackConfig.Enabled
		timeoutSeconds = record.RollbackConfig.TimeoutSeconds
		previousState = nonNil(record.RollbackConfig.PreviousState)
	}
	previous, err := json.Marshal(previousState)
	if err != nil {
		return err
	}
	if record.PayloadDigest == "" {
		record.PayloadDigest = DigestParameters(record.Parameters)
	}
	var expiry sql.NullTime
	if record.Expiry != nil {
		expiry = sql.NullTime{Time: record.Expiry.UTC(), Valid: true}
	}
	now := time.Now().UTC()

	query := fmt.Sprintf(`
INSERT INTO %s (
	command_id, target_id, command_type, parameters, priority, expiry,
	rollback_enabled, rollback_timeout_seconds, previous_state, dry_run, status, status_reason,
	rollback_command_id, requested_by, source_ip, payload_digest, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, '', '', $12, $13, $14, $15, $15
)
ON CONFLICT (command_id) DO NOTHING`, r.table)

	result, err := r.db.ExecContext(ctx, query,
		record.CommandID,
		record.TargetID,
		string(record.CommandType),
		params,
		string(record.Priority),
		expiry,
		rollbackEnabled,
		timeoutSeconds,
		previous,
		record.DryRun,
		string(commands.StatusPending),
		record.RequestedBy,
		record.SourceIP,
		record.PayloadDigest,
		now,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", commands.ErrDuplicateCommand, record.CommandID)
	}
	record.Status = commands.StatusPending
	record.StatusReason = ""
	record.RollbackCommandID = ""
	record.CreatedAt = now
	record.UpdatedAt = now
	return nil
}

// Get loads a record by command id.
func (r *Repository) Get(ctx context.Context, commandID string) (*Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE command_id = $1`, recordColumns, r.table)
	record, err := scanRecord(r.db.QueryRowContext(ctx, query, commandID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", commands.ErrNotFound, commandID)
		}
		return nil, err
	}
	return record, nil
}

// UpdateStatus locks the row, checks the stored status and applies next.
func (r *Repository) UpdateStatus(ctx context.Context, commandID string, expected []commands.Status, next commands.Status, reason string) (*Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE command_id = $1 FOR UPDATE`, recordColumns, r.table)
	current, err := scanRecord(tx.QueryRowContext(ctx, query, commandID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", commands.ErrNotFound, commandID)
		}
		return nil, err
	}
	if !containsStatus(expected, current.Status) || !commands.CanTransition(current.Status, next) {
		return current, fmt.Errorf("%w: %s %s -> %s", commands.ErrInvalidTransition, commandID, current.Status, next)
	}

	rollbackID := current.RollbackCommandID
	if next == commands.StatusRolledBack {
		rollbackID = commands.RollbackCommandID(commandID)
	}
	now := time.Now().UTC()
	update := fmt.Sprintf(`
UPDATE %s
SET status = $1, status_reason = $2, rollback_command_id = $3, updated_at = $4
WHERE command_id = $5`, r.table)
	if _, err := tx.ExecContext(ctx, update, string(next), reason, rollbackID, now, commandID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	current.Status = next
	current.StatusReason = reason
	current.RollbackCommandID = rollbackID
	current.UpdatedAt = now
	return current, nil
}

// MarkDispatched stamps the first successful delivery of commandID.
func (r *Repository) MarkDispatched(ctx context.Context, commandID string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET dispatched_at = COALESCE(dispatched_at, $1)
WHERE command_id = $2`, r.table)
	result, err := r.db.ExecContext(ctx, query, at.UTC(), commandID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", commands.ErrNotFound, commandID)
	}
	return nil
}

// ListOutstandingRollbacks returns delivered PENDING/EXECUTING records with rollback armed.
func (r *Repository) ListOutstandingRollbacks(ctx context.Context) ([]Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status IN ('PENDING', 'EXECUTING') AND rollback_enabled AND NOT dry_run
	AND dispatched_at IS NOT NULL
ORDER BY created_at ASC`, recordColumns, r.table)
	return r.list(ctx, query)
}

// ListByStatus returns records in status, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status commands.Status, limit int) ([]Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = $1
ORDER BY created_at ASC
LIMIT $2`, recordColumns, r.table)
	return r.list(ctx, query, string(status), limit)
}

// ListStale returns records still in status that were created before before.
func (r *Repository) ListStale(ctx context.Context, status commands.Status, before time.Time, limit int) ([]Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("audit repo: nil db")
	}
	if limit <= 0 {
		limit = 1000
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = $1 AND created_at < $2
ORDER BY created_at ASC
LIMIT $3`, recordColumns, r.table)
	return r.list(ctx, query, string(status), before.UTC(), limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record          Record
		commandType     string
		priority        string
		status          string
		params          []byte
		previous        []byte
		expiry          sql.NullTime
		dispatchedAt    sql.NullTime
		rollbackEnabled bool
		timeoutSeconds  int
	)
	if err := row.Scan(
		&record.CommandID,
		&record.TargetID,
		&commandType,
		&params,
		&priority,
		&expiry,
		&rollbackEnabled,
		&timeoutSeconds,
		&previous,
		&record.DryRun,
		&status,
		&record.StatusReason,
		&record.RollbackCommandID,
		&record.RequestedBy,
		&record.SourceIP,
		&record.PayloadDigest,
		&dispatchedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.CommandType = commands.CommandType(commandType)
	record.Priority = commands.Priority(priority)
	parsed, ok := commands.ParseStatus(strings.TrimSpace(status))
	if !ok {
		return nil, fmt.Errorf("audit repo: unknown status %q", status)
	}
	record.Status = parsed
	if err := decodeMap(params, &record.Parameters); err != nil {
		return nil, err
	}
	if expiry.Valid {
		value := expiry.Time.UTC()
		record.Expiry = &value
	}
	if dispatchedAt.Valid {
		value := dispatchedAt.Time.UTC()
		record.DispatchedAt = &value
	}
	var previousState map[string]string
	if err := decodeMap(previous, &previousState); err != nil {
		return nil, err
	}
	// previous_state alone still feeds a manual rollback's inverse
	if rollbackEnabled || timeoutSeconds > 0 || len(previousState) > 0 {
		record.RollbackConfig = &commands.RollbackConfig{
			Enabled:        rollbackEnabled,
			TimeoutSeconds: timeoutSeconds,
			PreviousState:  previousState,
		}
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}

func decodeMap(data []byte, out *map[string]string) error {
	*out = map[string]string{}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
