// Package mqttingest feeds device readings published over MQTT into the gateway.
package mqttingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/logging"
	"github.com/septivank/device-gateway/internal/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	qos            = 1
	ingestTimeout  = 10 * time.Second
	disconnectWait = 250
)

// Config holds MQTT client settings
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is a filter such as "devices/+/data"; the device key is the second level
	Topic string
}

// Ingester accepts one reading
type Ingester interface {
	Ingest(ctx context.Context, requestID string, msg service.IngestMessage) (*db.SensorReading, error)
}

// Subscriber consumes the telemetry topic
type Subscriber struct {
	client   mqtt.Client
	topic    string
	ingester Ingester
	logger   *zap.Logger
}

// NewSubscriber creates the client; it connects and subscribes on start and disconnects on stop
func NewSubscriber(lc fx.Lifecycle, cfg Config, ingester Ingester, logger *zap.Logger) *Subscriber {
	s := &Subscriber{
		topic:    cfg.Topic,
		ingester: ingester,
		logger:   logger,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	// resubscribe after every reconnect
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		if token := c.Subscribe(s.topic, qos, s.handleMessage); token.Wait() && token.Error() != nil {
			logger.Error("failed to subscribe", zap.String("topic", s.topic), zap.Error(token.Error()))
			return
		}
		logger.Info("subscribed to telemetry topic", zap.String("topic", s.topic))
	})
	s.client = mqtt.NewClient(opts)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if token := s.client.Connect(); token.Wait() && token.Error() != nil {
				return fmt.Errorf("[MQTT] failed to connect to broker: %w", token.Error())
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.client.Disconnect(disconnectWait)
			logger.Info("mqtt disconnected")
			return nil
		},
	})

	return s
}

func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	requestID := uuid.NewString()
	reqLogger := logging.WithRequestID(s.logger, requestID)

	ingest, err := BuildMessage(msg.Topic(), msg.Payload())
	if err != nil {
		reqLogger.Warn("dropping mqtt message", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	if _, err := s.ingester.Ingest(ctx, requestID, ingest); err != nil {
		reqLogger.Error("failed to ingest mqtt message", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

// KeyFromTopic extracts the device key from "devices/{key}/data"
func KeyFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

// BuildMessage turns a topic and a {"device_type", "sensor_data"} payload into an ingest message
func BuildMessage(topic string, payload []byte) (service.IngestMessage, error) {
	key := KeyFromTopic(topic)
	if key == "" {
		return service.IngestMessage{}, fmt.Errorf("no device key in topic %q", topic)
	}

	var envelope struct {
		DeviceType string          `json:"device_type"`
		SensorData json.RawMessage `json:"sensor_data"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(payload), &envelope); err != nil {
		return service.IngestMessage{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if len(envelope.SensorData) == 0 {
		return service.IngestMessage{}, fmt.Errorf("payload has no sensor_data")
	}

	return service.IngestMessage{
		DeviceAPIKey: key,
		DeviceType:   envelope.DeviceType,
		SensorData:   envelope.SensorData,
	}, nil
}
