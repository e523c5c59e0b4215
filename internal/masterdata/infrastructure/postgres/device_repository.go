package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	masterdata "telemetry-control/internal/masterdata/domain"
)

const defaultDevicesTable = "devices"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    DBTX
	table string
}

var _ masterdata.DeviceRepository = (*DeviceRepository)(nil)

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*masterdata.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT id, COALESCE(group_id, ''), device_type, name, created_at, updated_at
FROM %s
WHERE id = $1
LIMIT 1`, r.table)

	var device masterdata.Device
	if err := r.db.QueryRowContext(ctx, query, id).Scan(
		&device.ID,
		&device.GroupID,
		&device.DeviceType,
		&device.Name,
		&device.CreatedAt,
		&device.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return &device, nil
}

// CountByGroup counts members of a target group.
func (r *DeviceRepository) CountByGroup(ctx context.Context, groupID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("device repo: nil db")
	}
	if groupID == "" {
		return 0, errors.New("device repo: empty group id")
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE group_id = $1`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query, groupID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountFleet counts every registered device.
func (r *DeviceRepository) CountFleet(ctx context.Context) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, r.table)
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Save upserts a device.
func (r *DeviceRepository) Save(ctx context.Context, device *masterdata.Device) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if device == nil {
		return errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	group_id,
	device_type,
	name
) VALUES (
	$1, NULLIF($2, ''), $3, $4
)
ON CONFLICT (id)
DO UPDATE SET
	group_id = EXCLUDED.group_id,
	device_type = EXCLUDED.device_type,
	name = EXCLUDED.name,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		device.ID,
		device.GroupID,
		device.DeviceType,
		device.Name,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	return nil
}
