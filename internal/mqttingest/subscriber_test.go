package mqttingest

import (
	"context"
	"errors"
	"testing"

	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/service"
	"go.uber.org/zap"
)

func TestKeyFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"devices/abcd1234/data", "abcd1234"},
		{"devices//data", ""},
		{"devices/abcd1234", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := KeyFromTopic(tt.topic); got != tt.want {
			t.Errorf("KeyFromTopic(%q): expected '%s', got '%s'", tt.topic, tt.want, got)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	msg, err := BuildMessage("devices/key-1/data", []byte(`{"device_type":"water_level","sensor_data":{"water_level":42}}`))
	if err != nil {
		t.Fatalf("BuildMessage failed: %v", err)
	}
	if msg.DeviceAPIKey != "key-1" || msg.DeviceType != "water_level" {
		t.Errorf("Unexpected envelope fields: %+v", msg)
	}
	if string(msg.SensorData) != `{"water_level":42}` {
		t.Errorf("Unexpected sensor data: %s", msg.SensorData)
	}

	if _, err := BuildMessage("devices/key-2/data", []byte(`{"power": 12.5}`)); err == nil {
		t.Error("Expected error for payload without sensor_data")
	}

	if _, err := BuildMessage("devices/key-3/data", []byte(`{oops`)); err == nil {
		t.Error("Expected error for invalid JSON")
	}
	if _, err := BuildMessage("telemetry", []byte(`{}`)); err == nil {
		t.Error("Expected error for topic without key")
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return qos }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingIngester struct {
	got []service.IngestMessage
	err error
}

func (r *recordingIngester) Ingest(_ context.Context, requestID string, msg service.IngestMessage) (*db.SensorReading, error) {
	if requestID == "" {
		return nil, errors.New("missing request id")
	}
	r.got = append(r.got, msg)
	return &db.SensorReading{}, r.err
}

func TestHandleMessage(t *testing.T) {
	ingester := &recordingIngester{}
	s := &Subscriber{ingester: ingester, logger: zap.NewNop()}

	s.handleMessage(nil, fakeMessage{topic: "devices/k1/data", payload: []byte(`{"device_type":"power_monitor","sensor_data":{"power": 1}}`)})
	s.handleMessage(nil, fakeMessage{topic: "devices/k1/data", payload: []byte(`not json`)})
	ingester.err = errors.New("store down")
	s.handleMessage(nil, fakeMessage{topic: "devices/k2/data", payload: []byte(`{"device_type":"power_monitor","sensor_data":{"power": 2}}`)})

	if len(ingester.got) != 2 {
		t.Fatalf("Expected 2 ingested messages, got %d", len(ingester.got))
	}
	if ingester.got[0].DeviceAPIKey != "k1" || ingester.got[1].DeviceAPIKey != "k2" {
		t.Errorf("Unexpected keys: %+v", ingester.got)
	}
}
