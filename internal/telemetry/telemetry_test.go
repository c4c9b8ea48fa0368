package telemetry_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/repository"
	"github.com/septivank/device-gateway/internal/telemetry"
)

// steppedClock returns the given instants in order, repeating the last one
func steppedClock(instants ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := instants[i]
		if i < len(instants)-1 {
			i++
		}
		return t
	}
}

func TestLatest_OutOfOrderArrival(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

	// second append carries an earlier server timestamp than the first
	log := telemetry.NewLog(repository.NewMemory()).
		WithClock(steppedClock(base.Add(2*time.Minute), base, base.Add(time.Minute)))

	for _, body := range []string{`{"power": 3}`, `{"power": 1}`, `{"power": 2}`} {
		if _, err := log.Append(ctx, 1, json.RawMessage(body)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	latest, err := log.Latest(ctx, 1)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest == nil {
		t.Fatal("Expected a latest reading")
	}
	if string(latest.Payload) != `{"power": 3}` {
		t.Errorf("Expected newest-by-timestamp payload, got %s", latest.Payload)
	}

	readings, err := log.Range(ctx, 1, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(readings))
	}
	for i := 1; i < len(readings); i++ {
		if readings[i].RecordedAt.Before(readings[i-1].RecordedAt) {
			t.Errorf("Readings not sorted at index %d", i)
		}
	}
}

func TestRange_InclusiveBounds(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)
	log := telemetry.NewLog(repository.NewMemory()).
		WithClock(steppedClock(base, base.Add(time.Hour), base.Add(2*time.Hour)))

	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, 7, json.RawMessage(`{"water_level": 50}`)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	readings, err := log.Range(ctx, 7, base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(readings) != 2 {
		t.Errorf("Expected both boundary readings, got %d", len(readings))
	}
}

func TestRange_Empty(t *testing.T) {
	log := telemetry.NewLog(repository.NewMemory())

	readings, err := log.Range(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("Expected no error for empty window, got %v", err)
	}
	if len(readings) != 0 {
		t.Errorf("Expected no readings, got %d", len(readings))
	}
}

func TestRange_InvertedWindow(t *testing.T) {
	log := telemetry.NewLog(repository.NewMemory())
	now := time.Now()

	_, err := log.Range(context.Background(), 1, now, now.Add(-time.Hour))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestAppend_RejectsNull(t *testing.T) {
	log := telemetry.NewLog(repository.NewMemory())

	for _, body := range []string{"null", "", "{not json"} {
		_, err := log.Append(context.Background(), 1, json.RawMessage(body))
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Expected validation error for %q, got %v", body, err)
		}
	}
}

func TestAppend_KeepsUnknownKeys(t *testing.T) {
	ctx := context.Background()
	log := telemetry.NewLog(repository.NewMemory())

	body := `{"power": 12.5, "firmware": "1.2.0"}`
	if _, err := log.Append(ctx, 1, json.RawMessage(body)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	latest, err := log.Latest(ctx, 1)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if string(latest.Payload) != body {
		t.Errorf("Expected payload stored verbatim, got %s", latest.Payload)
	}
}

func TestDecode_Power(t *testing.T) {
	reading := telemetry.Decode(db.DeviceTypePowerMonitor,
		json.RawMessage(`{"voltage": 230.1, "power": "512.5", "current": "n/a"}`))

	if reading.Kind() != db.DeviceTypePowerMonitor {
		t.Errorf("Expected power_monitor kind, got %s", reading.Kind())
	}
	if v, ok := reading.Metric(telemetry.MetricPower); !ok || v != 512.5 {
		t.Errorf("Expected power 512.5 from numeric string, got %v (%v)", v, ok)
	}
	if v, ok := reading.Metric(telemetry.MetricVoltage); !ok || v != 230.1 {
		t.Errorf("Expected voltage 230.1, got %v (%v)", v, ok)
	}
	if _, ok := reading.Metric(telemetry.MetricCurrent); ok {
		t.Error("Expected non-numeric current to be absent")
	}
	if _, ok := reading.Metric(telemetry.MetricWaterLevel); ok {
		t.Error("Expected water_level to be absent on a power reading")
	}
}

func TestDecode_WaterLevel(t *testing.T) {
	reading := telemetry.Decode(db.DeviceTypeWaterLevel, json.RawMessage(`{"water_level": 42}`))

	if _, ok := reading.(telemetry.WaterLevelReading); !ok {
		t.Fatalf("Expected WaterLevelReading, got %T", reading)
	}
	if v, ok := reading.Metric(telemetry.MetricWaterLevel); !ok || v != 42 {
		t.Errorf("Expected water_level 42, got %v (%v)", v, ok)
	}
}

func TestDecode_RawFallback(t *testing.T) {
	reading := telemetry.Decode(db.DeviceType("soil_moisture"), json.RawMessage(`{"moisture": 0.3, "label": "x"}`))

	raw, ok := reading.(telemetry.RawReading)
	if !ok {
		t.Fatalf("Expected RawReading, got %T", reading)
	}
	if len(raw.Fields) != 1 {
		t.Errorf("Expected one numeric field, got %v", raw.Fields)
	}

	notObject := telemetry.Decode(db.DeviceTypePowerMonitor, json.RawMessage(`[1,2,3]`))
	if _, ok := notObject.Metric(telemetry.MetricPower); ok {
		t.Error("Expected no metrics from a non-object payload")
	}
}
