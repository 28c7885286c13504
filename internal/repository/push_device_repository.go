package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stepauth/stepauth/internal/database"
	"github.com/stepauth/stepauth/internal/model"
)

// PushDeviceRepository handles push device persistence
type PushDeviceRepository struct {
	db *database.Postgres
}

// NewPushDeviceRepository creates a new PushDeviceRepository
func NewPushDeviceRepository(db *database.Postgres) *PushDeviceRepository {
	return &PushDeviceRepository{db: db}
}

const pushDeviceColumns = `id, user_id, method_id, device_id, name, platform, push_token, public_key, trust_score, active, registered_at, last_used_at`

// Create inserts a new device
func (r *PushDeviceRepository) Create(ctx context.Context, d *model.PushDevice) error {
	query := `
		INSERT INTO push_devices (id, user_id, method_id, device_id, name, platform, push_token, public_key, trust_score, active, registered_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.UserID,
		d.MethodID,
		d.DeviceID,
		d.Name,
		d.Platform,
		d.PushToken,
		d.PublicKeyPEM,
		d.TrustScore,
		d.Active,
		d.RegisteredAt,
		d.LastUsedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create push device: %w", err)
	}
	return nil
}

// GetByID retrieves a device by internal ID
func (r *PushDeviceRepository) GetByID(ctx context.Context, id string) (*model.PushDevice, error) {
	query := `SELECT ` + pushDeviceColumns + ` FROM push_devices WHERE id = $1`
	return r.scanDevice(r.db.QueryRowContext(ctx, query, id))
}

// GetByUserAndDeviceID retrieves a device by its stable client identifier
func (r *PushDeviceRepository) GetByUserAndDeviceID(ctx context.Context, userID, deviceID string) (*model.PushDevice, error) {
	query := `SELECT ` + pushDeviceColumns + ` FROM push_devices WHERE user_id = $1 AND device_id = $2`
	return r.scanDevice(r.db.QueryRowContext(ctx, query, userID, deviceID))
}

// GetByUser returns all devices for a user
func (r *PushDeviceRepository) GetByUser(ctx context.Context, userID string) ([]*model.PushDevice, error) {
	query := `SELECT ` + pushDeviceColumns + ` FROM push_devices WHERE user_id = $1 ORDER BY registered_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push devices: %w", err)
	}
	defer rows.Close()

	var devices []*model.PushDevice
	for rows.Next() {
		var d model.PushDevice
		if err := rows.Scan(
			&d.ID,
			&d.UserID,
			&d.MethodID,
			&d.DeviceID,
			&d.Name,
			&d.Platform,
			&d.PushToken,
			&d.PublicKeyPEM,
			&d.TrustScore,
			&d.Active,
			&d.RegisteredAt,
			&d.LastUsedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan push device row: %w", err)
		}
		devices = append(devices, &d)
	}
	return devices, rows.Err()
}

// Update persists the mutable device fields
func (r *PushDeviceRepository) Update(ctx context.Context, d *model.PushDevice) error {
	query := `
		UPDATE push_devices
		SET name = $1, push_token = $2, public_key = $3, trust_score = $4, active = $5, last_used_at = $6
		WHERE id = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		d.Name,
		d.PushToken,
		d.PublicKeyPEM,
		d.TrustScore,
		d.Active,
		d.LastUsedAt,
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update push device: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a device record
func (r *PushDeviceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM push_devices WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete push device: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PushDeviceRepository) scanDevice(row *sql.Row) (*model.PushDevice, error) {
	var d model.PushDevice
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.MethodID,
		&d.DeviceID,
		&d.Name,
		&d.Platform,
		&d.PushToken,
		&d.PublicKeyPEM,
		&d.TrustScore,
		&d.Active,
		&d.RegisteredAt,
		&d.LastUsedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan push device: %w", err)
	}
	return &d, nil
}
