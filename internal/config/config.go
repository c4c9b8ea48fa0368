package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Telemetry backends
const (
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
	BackendMemory     = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	ServicePort int
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Telemetry   TelemetryConfig
	RabbitMQ    RabbitMQConfig
	MQTT        MQTTConfig
	Liveness    LivenessConfig
	Validation  ValidationConfig
	Analytics   AnalyticsConfig
}

// HTTPConfig holds HTTP server timeouts
type HTTPConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database connection settings; an empty URL selects the in-memory store
type DatabaseConfig struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnIdleTime time.Duration
}

// TelemetryConfig selects where readings are stored
type TelemetryConfig struct {
	Backend            string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string
}

// RabbitMQConfig holds RabbitMQ connection and queue settings; an empty URL disables the broker
type RabbitMQConfig struct {
	URL              string
	EventsExchange   string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	DLQQueue         string
	PrefetchCount    int
}

// MQTTConfig holds MQTT ingestion settings; an empty broker disables MQTT
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// LivenessConfig holds the staleness cutoffs
type LivenessConfig struct {
	OnlineThreshold     time.Duration
	OnboardingThreshold time.Duration
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	MaxSensorDataBytes int
}

// AnalyticsConfig holds anomaly detection and forecasting settings
type AnalyticsConfig struct {
	Contamination     float64
	Trees             int
	Seed              int64
	MinAnomalyPoints  int
	MinForecastPoints int
	ForecastHorizon   int
	MaxPoints         int
	StageTimeout      time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "device-gateway"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ServicePort: getEnvAsInt("SERVICE_PORT", 8080),
		HTTP: HTTPConfig{
			ReadTimeout:  getEnvAsSeconds("HTTP_READ_TIMEOUT_SECONDS", 15),
			WriteTimeout: getEnvAsSeconds("HTTP_WRITE_TIMEOUT_SECONDS", 30),
			IdleTimeout:  getEnvAsSeconds("HTTP_IDLE_TIMEOUT_SECONDS", 60),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DATABASE_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DATABASE_MIN_CONNS", 0),
			MaxConnIdleTime: getEnvAsSeconds("DATABASE_MAX_CONN_IDLE_SECONDS", 300),
		},
		Telemetry: TelemetryConfig{
			Backend:            strings.ToLower(getEnv("TELEMETRY_BACKEND", "")),
			ClickHouseAddr:     getEnv("CLICKHOUSE_ADDR", ""),
			ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "default"),
			ClickHouseUser:     getEnv("CLICKHOUSE_USER", "default"),
			ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              getEnv("RABBITMQ_URL", ""),
			EventsExchange:   getEnv("RABBITMQ_EVENTS_EXCHANGE", "device-gateway.events.exchange"),
			IngestExchange:   getEnv("RABBITMQ_INGEST_EXCHANGE", "device-gateway.ingest.exchange"),
			IngestQueue:      getEnv("RABBITMQ_INGEST_QUEUE", "device-gateway.ingest.queue"),
			IngestRoutingKey: getEnv("RABBITMQ_INGEST_ROUTING_KEY", "device.reading.raw"),
			DLQQueue:         getEnv("RABBITMQ_DLQ_QUEUE", "device-gateway.ingest.dlq"),
			PrefetchCount:    getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		MQTT: MQTTConfig{
			Broker:   getEnv("MQTT_BROKER", ""),
			ClientID: getEnv("MQTT_CLIENT_ID", "device-gateway"),
			Username: getEnv("MQTT_USERNAME", ""),
			Password: getEnv("MQTT_PASSWORD", ""),
			Topic:    getEnv("MQTT_TELEMETRY_TOPIC", "devices/+/data"),
		},
		Liveness: LivenessConfig{
			OnlineThreshold:     getEnvAsSeconds("ONLINE_THRESHOLD_SECONDS", 300),
			OnboardingThreshold: getEnvAsSeconds("ONBOARDING_THRESHOLD_SECONDS", 30),
		},
		Validation: ValidationConfig{
			MaxSensorDataBytes: getEnvAsInt("VALIDATION_MAX_SENSOR_DATA_BYTES", 64*1024),
		},
		Analytics: AnalyticsConfig{
			Contamination:     getEnvAsFloat("ANALYTICS_CONTAMINATION", 0.05),
			Trees:             getEnvAsInt("ANALYTICS_TREES", 100),
			Seed:              int64(getEnvAsInt("ANALYTICS_SEED", 42)),
			MinAnomalyPoints:  getEnvAsInt("ANALYTICS_MIN_ANOMALY_POINTS", 10),
			MinForecastPoints: getEnvAsInt("ANALYTICS_MIN_FORECAST_POINTS", 20),
			ForecastHorizon:   getEnvAsInt("ANALYTICS_FORECAST_HORIZON", 24),
			MaxPoints:         getEnvAsInt("ANALYTICS_MAX_POINTS", 5000),
			StageTimeout:      getEnvAsSeconds("ANALYTICS_STAGE_TIMEOUT_SECONDS", 5),
		},
	}

	if cfg.Telemetry.Backend == "" {
		cfg.Telemetry.Backend = BackendPostgres
		if cfg.Database.URL == "" {
			cfg.Telemetry.Backend = BackendMemory
		}
	}

	// Validate combinations
	switch cfg.Telemetry.Backend {
	case BackendPostgres:
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("TELEMETRY_BACKEND=postgres requires DATABASE_URL to be set")
		}
	case BackendClickHouse:
		if cfg.Telemetry.ClickHouseAddr == "" {
			return nil, fmt.Errorf("TELEMETRY_BACKEND=clickhouse requires CLICKHOUSE_ADDR to be set")
		}
		// in-memory device ids restart at 1 and would be attached to persisted readings
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("TELEMETRY_BACKEND=clickhouse requires DATABASE_URL for the device registry")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown TELEMETRY_BACKEND %q (expected postgres, clickhouse or memory)", cfg.Telemetry.Backend)
	}
	if cfg.Analytics.Contamination <= 0 || cfg.Analytics.Contamination >= 0.5 {
		return nil, fmt.Errorf("ANALYTICS_CONTAMINATION must be in (0, 0.5), got %v", cfg.Analytics.Contamination)
	}
	if cfg.Liveness.OnboardingThreshold <= 0 || cfg.Liveness.OnlineThreshold <= 0 {
		return nil, fmt.Errorf("liveness thresholds must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
