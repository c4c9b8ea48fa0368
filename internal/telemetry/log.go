// Package telemetry is the append-only per-device reading log.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/db"
)

// Store is the persistence the log needs. Implemented by the PostgreSQL repository,
// the in-memory store and the ClickHouse store.
type Store interface {
	InsertReading(ctx context.Context, reading *db.SensorReading) error
	ReadingsInRange(ctx context.Context, deviceID int64, start, end time.Time) ([]db.SensorReading, error)
	LatestReading(ctx context.Context, deviceID int64) (*db.SensorReading, error)
}

// Log appends and reads device readings
type Log struct {
	store Store
	now   func() time.Time
}

// NewLog creates a reading log over store
func NewLog(store Store) *Log {
	return &Log{store: store, now: time.Now}
}

// WithClock replaces the time source, used by tests
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append stores payload verbatim with a server timestamp.
// Any JSON value except null is accepted; unknown keys are kept.
func (l *Log) Append(ctx context.Context, deviceID int64, payload json.RawMessage) (*db.SensorReading, error) {
	reading, err := l.NewReading(payload)
	if err != nil {
		return nil, err
	}
	if err := l.Insert(ctx, deviceID, reading); err != nil {
		return nil, err
	}
	return reading, nil
}

// NewReading validates payload and stamps it with the server time without storing it.
// The device id is left for the caller or the store to fill in.
func (l *Log) NewReading(payload json.RawMessage) (*db.SensorReading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, apperr.Validation("sensor_data is required")
	}
	if !json.Valid(trimmed) {
		return nil, apperr.Validation("sensor_data must be valid JSON")
	}
	return &db.SensorReading{
		RecordedAt: l.now().UTC(),
		Payload:    append(json.RawMessage(nil), trimmed...),
	}, nil
}

// Insert stores a reading built by NewReading for deviceID
func (l *Log) Insert(ctx context.Context, deviceID int64, reading *db.SensorReading) error {
	reading.DeviceID = deviceID
	if err := l.store.InsertReading(ctx, reading); err != nil {
		return fmt.Errorf("failed to append reading: %w", err)
	}
	return nil
}

// Range returns readings with start <= recorded_at <= end, oldest first.
// An empty window is not an error.
func (l *Log) Range(ctx context.Context, deviceID int64, start, end time.Time) ([]db.SensorReading, error) {
	if end.Before(start) {
		return nil, apperr.Validation("start must not be after end")
	}
	readings, err := l.store.ReadingsInRange(ctx, deviceID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to read range: %w", err)
	}
	return readings, nil
}

// Latest returns the most recent reading by timestamp, or nil when the device has none
func (l *Log) Latest(ctx context.Context, deviceID int64) (*db.SensorReading, error) {
	reading, err := l.store.LatestReading(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest: %w", err)
	}
	return reading, nil
}
