package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/logging"
	"github.com/septivank/device-gateway/internal/mq"
	"github.com/septivank/device-gateway/internal/registry"
	"github.com/septivank/device-gateway/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage is a device reading as posted to /data, published on the ingest queue,
// or assembled from an MQTT topic
type IngestMessage struct {
	DeviceAPIKey string          `json:"device_api_key"`
	DeviceType   string          `json:"device_type"`
	SensorData   json.RawMessage `json:"sensor_data"`
}

// Ingest is a device check-in that appends one reading. The device is created on first
// contact and adopts the declared type while its stored type is unset.
func (s *GatewayService) Ingest(ctx context.Context, requestID string, msg IngestMessage) (*db.SensorReading, error) {
	err := s.validator.ValidateIngest(validator.IngestFields{
		DeviceAPIKey: msg.DeviceAPIKey,
		DeviceType:   msg.DeviceType,
		SensorData:   msg.SensorData,
	})
	if err != nil {
		return nil, err
	}

	reading, err := s.telemetry.NewReading(msg.SensorData)
	if err != nil {
		return nil, err
	}

	reqLogger := logging.WithRequestID(s.logger, requestID)

	device, err := s.checkIn(ctx, msg.DeviceAPIKey, db.ParseDeviceType(msg.DeviceType), reading)
	if err != nil {
		reqLogger.Error("failed to record reading", zap.Error(err), zap.String("key_prefix", registry.KeyPrefix(msg.DeviceAPIKey)))
		return nil, err
	}

	logging.WithDevice(reqLogger, device.ID, string(device.DeviceType)).Debug("reading accepted",
		zap.Int64("reading_id", reading.ID),
	)
	s.publish(ctx, reqLogger, requestID, device, mq.EventReadingAccepted, map[string]any{
		"reading_id":  reading.ID,
		"recorded_at": reading.RecordedAt,
	})
	return reading, nil
}

// checkIn stamps the device and stores its reading. Without a Recorder the two writes
// are sequential and a failed insert still leaves the device touched.
func (s *GatewayService) checkIn(ctx context.Context, apiKey string, declared db.DeviceType, reading *db.SensorReading) (*db.Device, error) {
	if s.opts.Recorder != nil {
		device, err := s.opts.Recorder.UpsertCheckInWithReading(ctx, apiKey, declared, registry.AutoName(declared, apiKey), reading)
		if err != nil {
			return nil, fmt.Errorf("failed to record check-in: %w", err)
		}
		return device, nil
	}

	device, err := s.registry.ResolveOrCreate(ctx, apiKey, declared)
	if err != nil {
		return nil, err
	}
	if err := s.telemetry.Insert(ctx, device.ID, reading); err != nil {
		return nil, err
	}
	return device, nil
}

// ProcessMessage ingests a broker delivery; it matches mq.MessageHandler
func (s *GatewayService) ProcessMessage(ctx context.Context, requestID string, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if _, err := s.Ingest(ctx, requestID, msg); err != nil {
		return fmt.Errorf("failed to ingest message: %w", err)
	}
	return nil
}
