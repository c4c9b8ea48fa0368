package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/device-gateway/internal/db"
)

const insertReadingSQL = `
		INSERT INTO sensor_readings (device_id, recorded_at, payload)
		VALUES ($1, $2, $3)
		RETURNING id
	`

// InsertReading appends a reading; the generated id is written back
func (r *Repository) InsertReading(ctx context.Context, reading *db.SensorReading) error {
	err := r.pool.QueryRow(ctx, insertReadingSQL,
		reading.DeviceID,
		reading.RecordedAt,
		[]byte(reading.Payload),
	).Scan(&reading.ID)
	if err != nil {
		return fmt.Errorf("failed to insert sensor reading: %w", err)
	}
	return nil
}

// ReadingsInRange returns readings with start <= recorded_at <= end in ascending time order
func (r *Repository) ReadingsInRange(ctx context.Context, deviceID int64, start, end time.Time) ([]db.SensorReading, error) {
	query := `
		SELECT id, device_id, recorded_at, payload
		FROM sensor_readings
		WHERE device_id = $1 AND recorded_at >= $2 AND recorded_at <= $3
		ORDER BY recorded_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, deviceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []db.SensorReading{}
	for rows.Next() {
		var reading db.SensorReading
		var payload []byte
		if err := rows.Scan(&reading.ID, &reading.DeviceID, &reading.RecordedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		reading.Payload = payload
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return readings, nil
}

// LatestReading returns the most recent reading by timestamp, or nil
func (r *Repository) LatestReading(ctx context.Context, deviceID int64) (*db.SensorReading, error) {
	query := `
		SELECT id, device_id, recorded_at, payload
		FROM sensor_readings
		WHERE device_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`

	var reading db.SensorReading
	var payload []byte
	err := r.pool.QueryRow(ctx, query, deviceID).Scan(&reading.ID, &reading.DeviceID, &reading.RecordedAt, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}
	reading.Payload = payload
	return &reading, nil
}
