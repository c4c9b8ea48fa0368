package service

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/device-gateway/internal/analytics"
	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/commands"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/logging"
	"github.com/septivank/device-gateway/internal/mq"
	"github.com/septivank/device-gateway/internal/registry"
	"github.com/septivank/device-gateway/internal/status"
	"github.com/septivank/device-gateway/internal/telemetry"
	"github.com/septivank/device-gateway/internal/validator"
	"go.uber.org/zap"
)

// CheckInRecorder applies a device check-in and appends its reading atomically.
// It is set only when devices and readings live in the same store.
type CheckInRecorder interface {
	UpsertCheckInWithReading(ctx context.Context, apiKey string, declared db.DeviceType, name string, reading *db.SensorReading) (*db.Device, error)
}

// Options are the tunables of the gateway service
type Options struct {
	OnlineThreshold time.Duration
	// Recorder, when set, makes ingestion a single transaction
	Recorder CheckInRecorder
}

// GatewayService binds the registry, telemetry log, command queue and analytics engine
type GatewayService struct {
	registry  *registry.Registry
	telemetry *telemetry.Log
	queue     *commands.Queue
	engine    *analytics.Engine
	validator *validator.Validator
	publisher mq.EventPublisher
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewGatewayService creates a new gateway service
func NewGatewayService(
	reg *registry.Registry,
	log *telemetry.Log,
	queue *commands.Queue,
	engine *analytics.Engine,
	validator *validator.Validator,
	publisher mq.EventPublisher,
	opts Options,
	logger *zap.Logger,
) *GatewayService {
	if publisher == nil {
		publisher = mq.NopPublisher{}
	}
	if opts.OnlineThreshold <= 0 {
		opts.OnlineThreshold = status.DashboardThreshold
	}
	return &GatewayService{
		registry:  reg,
		telemetry: log,
		queue:     queue,
		engine:    engine,
		validator: validator,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source used for windows and liveness, for tests
func (s *GatewayService) WithClock(now func() time.Time) *GatewayService {
	s.now = now
	return s
}

// DeviceSummary is one row of an owner's device list
type DeviceSummary struct {
	Device     db.Device
	LatestData *db.SensorReading
	IsOnline   bool
}

// Poll is a device check-in that hands out at most one pending command.
// A nil command means nothing is queued.
func (s *GatewayService) Poll(ctx context.Context, requestID, apiKey string) (*db.Command, error) {
	if apiKey == "" {
		return nil, apperr.Validation("Missing device_api_key query parameter.")
	}
	logger := logging.WithRequestID(s.logger, requestID)

	device, err := s.registry.ResolveOrCreate(ctx, apiKey, db.DeviceTypeUnset)
	if err != nil {
		return nil, err
	}

	cmd, err := s.queue.ClaimNext(ctx, device.ID)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, nil
	}

	logger.Info("command delivered",
		zap.Int64("device_id", device.ID),
		zap.Int64("command_id", cmd.ID),
		zap.String("command", cmd.CommandType),
	)
	s.publish(ctx, logger, requestID, device, mq.EventCommandClaimed, map[string]any{
		"command_id": cmd.ID,
		"command":    cmd.CommandType,
	})
	return cmd, nil
}

// OnboardCheck reports whether an unclaimed device is responsive enough to be registered.
// It does not count as a check-in.
func (s *GatewayService) OnboardCheck(ctx context.Context, apiKey string) (*db.Device, error) {
	if apiKey == "" {
		return nil, apperr.Validation("device_api_key is required.")
	}

	device, err := s.registry.Lookup(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if device.IsRegistered {
		return nil, apperr.Conflict("This device is already registered to a user. Please login to manage it.")
	}
	if live := s.registry.LivenessCheck(device); !live.Online {
		return nil, apperr.PreconditionFailed("Device not recently online. Please ensure it is powered on and connected to your network first.")
	}
	return device, nil
}

// ClaimDevice registers the device holding apiKey to ownerID
func (s *GatewayService) ClaimDevice(ctx context.Context, requestID, apiKey, ownerID string) (*db.Device, error) {
	if apiKey == "" {
		return nil, apperr.Validation("device_api_key is required.")
	}
	logger := logging.WithRequestID(s.logger, requestID)

	device, err := s.registry.Lookup(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if device.IsRegistered {
		return nil, apperr.Conflict("This device is already registered.")
	}
	if !status.IsOnline(device.LastSeen, s.now(), s.opts.OnlineThreshold) {
		return nil, apperr.PreconditionFailed("Device is not online. Please ensure it is powered on and connected.")
	}

	claimed, err := s.registry.Claim(ctx, device.ID, ownerID)
	if err != nil {
		return nil, err
	}

	logger.Info("device claimed", zap.Int64("device_id", claimed.ID), zap.String("owner_id", ownerID))
	s.publish(ctx, logger, requestID, claimed, mq.EventDeviceClaimed, map[string]any{"owner_id": ownerID})
	return claimed, nil
}

// Device returns a device by id. When ownerID is set, devices owned by someone else are not found.
func (s *GatewayService) Device(ctx context.Context, id int64, ownerID string) (*db.Device, error) {
	device, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && (device.OwnerID == nil || *device.OwnerID != ownerID) {
		return nil, apperr.NotFound("Device not found.")
	}
	return device, nil
}

// Latest returns the device with its most recent reading, which may be nil
func (s *GatewayService) Latest(ctx context.Context, id int64, ownerID string) (*db.Device, *db.SensorReading, error) {
	device, err := s.Device(ctx, id, ownerID)
	if err != nil {
		return nil, nil, err
	}
	reading, err := s.telemetry.Latest(ctx, device.ID)
	if err != nil {
		return nil, nil, err
	}
	return device, reading, nil
}

// Readings returns the device readings between the optional start and end bounds
func (s *GatewayService) Readings(ctx context.Context, id int64, ownerID, start, end string) ([]db.SensorReading, error) {
	from, to, err := validator.ParseRange(start, end, s.now().UTC())
	if err != nil {
		return nil, err
	}
	device, err := s.Device(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.telemetry.Range(ctx, device.ID, from, to)
}

// Analyze runs the analytics engine over the trailing window named by duration
func (s *GatewayService) Analyze(ctx context.Context, requestID string, id int64, ownerID, duration string) (*analytics.Report, error) {
	window, err := validator.ParseWindow(duration)
	if err != nil {
		return nil, err
	}
	device, err := s.Device(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	end := s.now().UTC()
	readings, err := s.telemetry.Range(ctx, device.ID, end.Add(-window), end)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	report := s.engine.Analyze(ctx, device.DeviceType, readings)
	logging.WithRequestID(s.logger, requestID).Info("analysis complete",
		zap.Int64("device_id", device.ID),
		zap.String("duration", window.String()),
		zap.Int("readings", len(readings)),
		zap.Int("anomalies", len(report.Anomalies)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return report, nil
}

// Control validates and queues a command for the device; it returns the normalized relay state
func (s *GatewayService) Control(ctx context.Context, requestID string, id int64, ownerID, command string, params map[string]any) (*db.Command, string, error) {
	device, err := s.Device(ctx, id, ownerID)
	if err != nil {
		return nil, "", err
	}
	if params == nil {
		params = map[string]any{}
	}

	state, err := s.validator.ValidateControl(device.DeviceType, command, params)
	if err != nil {
		return nil, "", err
	}

	cmd, err := s.queue.Enqueue(ctx, device.ID, command, params)
	if err != nil {
		return nil, "", err
	}

	logger := logging.WithRequestID(s.logger, requestID)
	logger.Info("command queued",
		zap.Int64("device_id", device.ID),
		zap.Int64("command_id", cmd.ID),
		zap.String("command", command),
		zap.String("state", state),
	)
	s.publish(ctx, logger, requestID, device, mq.EventCommandQueued, map[string]any{
		"command_id": cmd.ID,
		"command":    command,
		"parameters": params,
	})
	return cmd, state, nil
}

// ListOwnerDevices returns the owner's devices with their latest reading.
// Online is derived from the latest reading time, not from polls.
func (s *GatewayService) ListOwnerDevices(ctx context.Context, ownerID string) ([]DeviceSummary, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner is required")
	}

	devices, err := s.registry.OwnedBy(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	summaries := make([]DeviceSummary, 0, len(devices))
	for _, d := range devices {
		latest, err := s.telemetry.Latest(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load latest reading for device %d: %w", d.ID, err)
		}
		summary := DeviceSummary{Device: d, LatestData: latest}
		if latest != nil {
			summary.IsOnline = status.IsOnline(&latest.RecordedAt, now, s.opts.OnlineThreshold)
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// publish emits an event; failures are logged and never fail the caller
func (s *GatewayService) publish(ctx context.Context, logger *zap.Logger, requestID string, device *db.Device, eventType string, data map[string]any) {
	event := mq.NewEvent(eventType, device.ID, data)
	event.RequestID = requestID
	event.DeviceType = string(device.DeviceType)
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Error("failed to publish event",
			zap.Error(err),
			zap.String("event_type", eventType),
			zap.Int64("device_id", device.ID),
		)
	}
}
