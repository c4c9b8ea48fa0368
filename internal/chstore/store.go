// Package chstore keeps the telemetry log in ClickHouse.
package chstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/septivank/device-gateway/internal/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config holds ClickHouse connection settings
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Store implements the telemetry store on ClickHouse
type Store struct {
	conn   driver.Conn
	ids    *idGenerator
	logger *zap.Logger
}

// NewStore opens the connection, creates the schema on start and closes on stop
func NewStore(lc fx.Lifecycle, logger *zap.Logger, cfg Config) (*Store, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	s := &Store{conn: conn, ids: newIDGenerator(), logger: logger}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := conn.Ping(ctx); err != nil {
				return fmt.Errorf("failed to ping ClickHouse: %w", err)
			}
			if err := s.InitSchema(ctx); err != nil {
				return err
			}
			logger.Info("connected to ClickHouse", zap.String("addr", cfg.Addr), zap.String("database", cfg.Database))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing ClickHouse connection")
			return conn.Close()
		},
	})

	return s, nil
}

// InitSchema creates the tables if they don't exist
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range AllTables() {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// InsertReading appends a reading; the generated id is written back
func (s *Store) InsertReading(ctx context.Context, reading *db.SensorReading) error {
	id := s.ids.Next(reading.RecordedAt)

	query := `
		INSERT INTO sensor_readings (id, device_id, recorded_at, payload)
		VALUES (?, ?, ?, ?)
	`
	err := s.conn.Exec(ctx, query,
		id,
		reading.DeviceID,
		reading.RecordedAt.UTC(),
		string(reading.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	reading.ID = id
	return nil
}

// ReadingsInRange returns readings with start <= recorded_at <= end in ascending time order
func (s *Store) ReadingsInRange(ctx context.Context, deviceID int64, start, end time.Time) ([]db.SensorReading, error) {
	query := `
		SELECT id, device_id, recorded_at, payload
		FROM sensor_readings
		WHERE device_id = ? AND recorded_at >= ? AND recorded_at <= ?
		ORDER BY recorded_at ASC, id ASC
	`

	rows, err := s.conn.Query(ctx, query, deviceID, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	readings := []db.SensorReading{}
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return readings, nil
}

// LatestReading returns the most recent reading by timestamp, or nil
func (s *Store) LatestReading(ctx context.Context, deviceID int64) (*db.SensorReading, error) {
	query := `
		SELECT id, device_id, recorded_at, payload
		FROM sensor_readings
		WHERE device_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`

	rows, err := s.conn.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest reading: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("rows iteration error: %w", err)
		}
		return nil, nil
	}
	return scanReading(rows)
}

func scanReading(rows driver.Rows) (*db.SensorReading, error) {
	var (
		reading db.SensorReading
		payload string
	)
	if err := rows.Scan(&reading.ID, &reading.DeviceID, &reading.RecordedAt, &payload); err != nil {
		return nil, fmt.Errorf("failed to scan reading: %w", err)
	}
	reading.RecordedAt = reading.RecordedAt.UTC()
	reading.Payload = []byte(payload)
	return &reading, nil
}

// idGenerator hands out strictly increasing ids seeded from the reading time in
// microseconds. ClickHouse has no sequences.
type idGenerator struct {
	last atomic.Int64
}

func newIDGenerator() *idGenerator {
	return &idGenerator{}
}

// Next returns an id greater than every id returned before
func (g *idGenerator) Next(at time.Time) int64 {
	candidate := at.UnixMicro()
	for {
		last := g.last.Load()
		next := candidate
		if next <= last {
			next = last + 1
		}
		if g.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
