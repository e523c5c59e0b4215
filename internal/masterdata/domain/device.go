package masterdata

import (
	"context"
	"errors"
	"time"
)

// Device is a fleet member that commands can target.
type Device struct {
	ID         string
	GroupID    string
	DeviceType string
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	return nil
}

// DeviceRepository manages device persistence.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (*Device, error)
	Save(ctx context.Context, device *Device) error
	CountByGroup(ctx context.Context, groupID string) (int, error)
	CountFleet(ctx context.Context) (int, error)
}
