package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/device-gateway/internal/db"
)

// Repository handles PostgreSQL operations for devices, readings and commands
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const deviceColumns = `id, device_api_key, name, location, device_type, owner_id, is_registered, is_online, last_seen, created_at`

func scanDevice(row pgx.Row) (*db.Device, error) {
	var d db.Device
	var deviceType string
	err := row.Scan(
		&d.ID,
		&d.APIKey,
		&d.Name,
		&d.Location,
		&deviceType,
		&d.OwnerID,
		&d.IsRegistered,
		&d.IsOnline,
		&d.LastSeen,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.DeviceType = db.DeviceType(deviceType)
	return &d, nil
}

// upsertCheckInSQL creates the device on first contact or stamps liveness on an existing one.
// A single INSERT .. ON CONFLICT statement keeps concurrent first check-ins from creating duplicates.
const upsertCheckInSQL = `
		INSERT INTO devices (device_api_key, name, device_type, is_online, last_seen, created_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (device_api_key) DO UPDATE SET
			is_online = TRUE,
			last_seen = EXCLUDED.last_seen,
			device_type = CASE
				WHEN devices.device_type = 'unset' AND EXCLUDED.device_type <> 'unset' THEN EXCLUDED.device_type
				ELSE devices.device_type
			END,
			name = CASE
				WHEN devices.device_type = 'unset' AND EXCLUDED.device_type <> 'unset' THEN EXCLUDED.name
				ELSE devices.name
			END
		RETURNING ` + deviceColumns

// UpsertCheckIn creates or touches the device holding apiKey.
// The declared type and name are applied only while the stored type is unset.
func (r *Repository) UpsertCheckIn(ctx context.Context, apiKey string, declared db.DeviceType, name string, seenAt time.Time) (*db.Device, error) {
	device, err := scanDevice(r.pool.QueryRow(ctx, upsertCheckInSQL, apiKey, name, string(declared), seenAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}
	return device, nil
}

// BeginTx starts a new transaction
func (r *Repository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// UpsertCheckInWithReading applies the check-in and appends reading in one transaction,
// so a failed insert leaves the device untouched. The reading's device id and id are filled in.
func (r *Repository) UpsertCheckInWithReading(ctx context.Context, apiKey string, declared db.DeviceType, name string, reading *db.SensorReading) (*db.Device, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	device, err := scanDevice(tx.QueryRow(ctx, upsertCheckInSQL, apiKey, name, string(declared), reading.RecordedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert device: %w", err)
	}

	reading.DeviceID = device.ID
	err = tx.QueryRow(ctx, insertReadingSQL,
		reading.DeviceID,
		reading.RecordedAt,
		[]byte(reading.Payload),
	).Scan(&reading.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return device, nil
}

// GetDeviceByAPIKey returns nil when no device holds the credential
func (r *Repository) GetDeviceByAPIKey(ctx context.Context, apiKey string) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_api_key = $1`
	device, err := scanDevice(r.pool.QueryRow(ctx, query, apiKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by key: %w", err)
	}
	return device, nil
}

// GetDeviceByID returns nil when the id is unknown
func (r *Repository) GetDeviceByID(ctx context.Context, id int64) (*db.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	device, err := scanDevice(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device by id: %w", err)
	}
	return device, nil
}

// ClaimDevice assigns an owner to an unregistered device.
// It returns claimed=false with the current row when the device is already registered,
// and a nil device when the id is unknown.
func (r *Repository) ClaimDevice(ctx context.Context, id int64, ownerID string) (*db.Device, bool, error) {
	query := `
		UPDATE devices
		SET owner_id = $2, is_registered = TRUE
		WHERE id = $1 AND is_registered = FALSE
		RETURNING ` + deviceColumns

	device, err := scanDevice(r.pool.QueryRow(ctx, query, id, ownerID))
	if err == nil {
		return device, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to claim device: %w", err)
	}

	existing, err := r.GetDeviceByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ListDevicesByOwner returns the owner's registered devices, most recently seen first
func (r *Repository) ListDevicesByOwner(ctx context.Context, ownerID string) ([]db.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE owner_id = $1 AND is_registered = TRUE
		ORDER BY last_seen DESC NULLS LAST, id
	`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query owner devices: %w", err)
	}
	defer rows.Close()

	devices := []db.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return devices, nil
}
