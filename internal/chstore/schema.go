package chstore

const (
	// SensorReadingsTableSQL creates the append-only telemetry log
	SensorReadingsTableSQL = `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id          Int64,
			device_id   Int64,
			recorded_at DateTime64(6, 'UTC'),
			payload     String
		) ENGINE = MergeTree()
		ORDER BY (device_id, recorded_at, id)
		PARTITION BY toYYYYMM(recorded_at)
	`
)

// AllTables returns all table creation statements
func AllTables() []string {
	return []string{
		SensorReadingsTableSQL,
	}
}
