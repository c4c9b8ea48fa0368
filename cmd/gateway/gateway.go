package main

import (
	"context"
	"net/http"

	"github.com/septivank/device-gateway/internal/analytics"
	"github.com/septivank/device-gateway/internal/anomaly"
	"github.com/septivank/device-gateway/internal/api"
	"github.com/septivank/device-gateway/internal/chstore"
	"github.com/septivank/device-gateway/internal/commands"
	"github.com/septivank/device-gateway/internal/config"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/forecast"
	"github.com/septivank/device-gateway/internal/mq"
	"github.com/septivank/device-gateway/internal/mqttingest"
	"github.com/septivank/device-gateway/internal/registry"
	"github.com/septivank/device-gateway/internal/repository"
	"github.com/septivank/device-gateway/internal/service"
	"github.com/septivank/device-gateway/internal/telemetry"
	"github.com/septivank/device-gateway/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Stores are the persistence backends selected by configuration
type Stores struct {
	fx.Out

	Devices  registry.Store
	Readings telemetry.Store
	Commands commands.Store
	// Recorder is nil when readings live apart from devices
	Recorder service.CheckInRecorder
}

// ProvideStores picks PostgreSQL when DATABASE_URL is set and the in-memory store otherwise.
// Readings go to ClickHouse when TELEMETRY_BACKEND=clickhouse.
func ProvideStores(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (Stores, error) {
	var out Stores
	var mem *repository.Memory

	if cfg.Database.URL != "" {
		pool, err := db.NewPool(lc, logger, db.PoolConfig{
			URL:             cfg.Database.URL,
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		})
		if err != nil {
			return Stores{}, err
		}
		repo := repository.NewRepository(pool)
		out.Devices, out.Readings, out.Commands = repo, repo, repo
		out.Recorder = repo
	} else {
		logger.Warn("DATABASE_URL not set, devices and commands are kept in memory")
		mem = repository.NewMemory()
		out.Devices, out.Readings, out.Commands = mem, mem, mem
		out.Recorder = mem
	}

	switch cfg.Telemetry.Backend {
	case config.BackendClickHouse:
		store, err := chstore.NewStore(lc, logger, chstore.Config{
			Addr:     cfg.Telemetry.ClickHouseAddr,
			Database: cfg.Telemetry.ClickHouseDatabase,
			Username: cfg.Telemetry.ClickHouseUser,
			Password: cfg.Telemetry.ClickHousePassword,
		})
		if err != nil {
			return Stores{}, err
		}
		out.Readings = store
		out.Recorder = nil
	case config.BackendMemory:
		if mem == nil {
			mem = repository.NewMemory()
			out.Recorder = nil
		}
		out.Readings = mem
	}

	logger.Info("stores selected",
		zap.Bool("postgres", cfg.Database.URL != ""),
		zap.String("telemetry_backend", cfg.Telemetry.Backend),
	)
	return out, nil
}

// ProvideRegistry creates the device registry
func ProvideRegistry(store registry.Store, cfg *config.Config) *registry.Registry {
	return registry.NewRegistry(store, cfg.Liveness.OnboardingThreshold)
}

// ProvideTelemetryLog creates the reading log
func ProvideTelemetryLog(store telemetry.Store) *telemetry.Log {
	return telemetry.NewLog(store)
}

// ProvideCommandQueue creates the command queue
func ProvideCommandQueue(store commands.Store) *commands.Queue {
	return commands.NewQueue(store)
}

// ProvideAnalyticsEngine creates the analytics engine with its models
func ProvideAnalyticsEngine(cfg *config.Config, logger *zap.Logger) *analytics.Engine {
	a := cfg.Analytics
	return analytics.NewEngine(
		anomaly.NewDetector(a.Trees, a.Contamination, a.Seed),
		forecast.NewForecaster(a.ForecastHorizon),
		analytics.Config{
			MinAnomalyPoints:  a.MinAnomalyPoints,
			MinForecastPoints: a.MinForecastPoints,
			MaxPoints:         a.MaxPoints,
			StageTimeout:      a.StageTimeout,
		},
		logger,
	)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.MaxSensorDataBytes)
}

// ProvideMQConnection dials RabbitMQ; it returns nil when RABBITMQ_URL is empty
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	if cfg.RabbitMQ.URL == "" {
		logger.Info("RABBITMQ_URL not set, events are not published and the ingest queue is not consumed")
		return nil, nil
	}
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideEventPublisher publishes to the events exchange, or discards events without a broker
func ProvideEventPublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (mq.EventPublisher, error) {
	if conn == nil {
		return mq.NopPublisher{}, nil
	}
	publisher, err := mq.NewPublisher(conn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideGatewayService creates the gateway service
func ProvideGatewayService(
	reg *registry.Registry,
	log *telemetry.Log,
	queue *commands.Queue,
	engine *analytics.Engine,
	v *validator.Validator,
	publisher mq.EventPublisher,
	recorder service.CheckInRecorder,
	cfg *config.Config,
	logger *zap.Logger,
) *service.GatewayService {
	return service.NewGatewayService(reg, log, queue, engine, v, publisher,
		service.Options{
			OnlineThreshold: cfg.Liveness.OnlineThreshold,
			Recorder:        recorder,
		}, logger)
}

// ProvideHandler creates the HTTP handlers
func ProvideHandler(svc *service.GatewayService, cfg *config.Config, logger *zap.Logger) *api.Handler {
	return api.NewHandler(svc, cfg.Liveness.OnlineThreshold, logger)
}

// ProvideHTTPServer creates the HTTP server bound to the lifecycle
func ProvideHTTPServer(lc fx.Lifecycle, cfg *config.Config, handler *api.Handler, logger *zap.Logger) *http.Server {
	return api.NewServer(lc, api.ServerConfig{
		Port:         cfg.ServicePort,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, handler, logger)
}

func startHTTP(*http.Server) {}

// startIngestConsumer consumes readings relayed through RabbitMQ when a broker is configured
func startIngestConsumer(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	svc *service.GatewayService,
) error {
	if conn == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Logger:        logger,
		Handler:       svc.ProcessMessage,
	})
	if err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting ingest consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("ingest consumer stopped")
			return nil
		},
	})
	return nil
}

// startMQTT subscribes to device telemetry over MQTT when a broker is configured
func startMQTT(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, svc *service.GatewayService) {
	if cfg.MQTT.Broker == "" {
		return
	}
	mqttingest.NewSubscriber(lc, mqttingest.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		Topic:    cfg.MQTT.Topic,
	}, svc, logger.Named("mqtt"))
}
