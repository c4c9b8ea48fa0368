package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DevicesTableSQL creates the device registry
	DevicesTableSQL = `
		CREATE TABLE IF NOT EXISTS devices (
			id            BIGSERIAL PRIMARY KEY,
			device_api_key TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL DEFAULT 'Unnamed Device',
			location      TEXT,
			device_type   TEXT NOT NULL DEFAULT 'unset',
			owner_id      TEXT,
			is_registered BOOLEAN NOT NULL DEFAULT FALSE,
			is_online     BOOLEAN NOT NULL DEFAULT FALSE,
			last_seen     TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			CONSTRAINT registered_has_owner CHECK (NOT is_registered OR owner_id IS NOT NULL)
		)
	`

	// SensorReadingsTableSQL creates the append-only telemetry log
	SensorReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id          BIGSERIAL PRIMARY KEY,
			device_id   BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			recorded_at TIMESTAMPTZ NOT NULL,
			payload     JSONB NOT NULL
		)
	`

	SensorReadingsIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_time
		ON sensor_readings (device_id, recorded_at)
	`

	// DeviceCommandsTableSQL creates the per-device command queue
	DeviceCommandsTableSQL = `
		CREATE TABLE IF NOT EXISTS device_commands (
			id           BIGSERIAL PRIMARY KEY,
			device_id    BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			command_type TEXT NOT NULL,
			parameters   JSONB NOT NULL DEFAULT '{}'::jsonb,
			is_pending   BOOLEAN NOT NULL DEFAULT TRUE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			claimed_at   TIMESTAMPTZ
		)
	`

	DeviceCommandsPendingIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_device_commands_pending
		ON device_commands (device_id, created_at, id)
		WHERE is_pending
	`
)

// AllStatements returns the schema statements in dependency order
func AllStatements() []string {
	return []string{
		DevicesTableSQL,
		SensorReadingsTableSQL,
		SensorReadingsIndexSQL,
		DeviceCommandsTableSQL,
		DeviceCommandsPendingIndexSQL,
	}
}

// Migrate applies the schema; every statement is idempotent
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range AllStatements() {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
