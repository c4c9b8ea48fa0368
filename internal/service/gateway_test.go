package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/septivank/device-gateway/internal/analytics"
	"github.com/septivank/device-gateway/internal/anomaly"
	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/commands"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/forecast"
	"github.com/septivank/device-gateway/internal/mq"
	"github.com/septivank/device-gateway/internal/mq/mqtest"
	"github.com/septivank/device-gateway/internal/registry"
	"github.com/septivank/device-gateway/internal/repository"
	"github.com/septivank/device-gateway/internal/service"
	"github.com/septivank/device-gateway/internal/telemetry"
	"github.com/septivank/device-gateway/internal/validator"
	"go.uber.org/zap"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	svc    *service.GatewayService
	clock  *testClock
	events *mqtest.RecordingPublisher
}

func newFixture() *fixture {
	return newFixtureWithRecorder(true)
}

// newFixtureWithRecorder toggles the transactional check-in path
func newFixtureWithRecorder(atomic bool) *fixture {
	clock := &testClock{now: time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)}
	store := repository.NewMemory()
	events := &mqtest.RecordingPublisher{}
	opts := service.Options{OnlineThreshold: 300 * time.Second}
	if atomic {
		opts.Recorder = store
	}

	svc := service.NewGatewayService(
		registry.NewRegistry(store, 30*time.Second).WithClock(clock.Now),
		telemetry.NewLog(store).WithClock(clock.Now),
		commands.NewQueue(store).WithClock(clock.Now),
		analytics.NewEngine(anomaly.NewDetector(100, 0.05, 1), forecast.NewForecaster(24), analytics.DefaultConfig(), zap.NewNop()),
		validator.NewValidator(0),
		events,
		opts,
		zap.NewNop(),
	).WithClock(clock.Now)

	return &fixture{svc: svc, clock: clock, events: events}
}

func (f *fixture) ingest(t *testing.T, key, deviceType, data string) *db.SensorReading {
	t.Helper()
	reading, err := f.svc.Ingest(context.Background(), "req", service.IngestMessage{
		DeviceAPIKey: key,
		DeviceType:   deviceType,
		SensorData:   json.RawMessage(data),
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	return reading
}

func TestIngest_TypeAdoptedOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.Poll(ctx, "req", "abcd9999"); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	reading := f.ingest(t, "abcd9999", "power_monitor", `{"power": 10}`)

	device, err := f.svc.Device(ctx, reading.DeviceID, "")
	if err != nil {
		t.Fatalf("Device failed: %v", err)
	}
	if device.DeviceType != db.DeviceTypePowerMonitor {
		t.Errorf("Expected power_monitor, got %s", device.DeviceType)
	}
	if device.Name != "Power Monitor Device (abcd)" {
		t.Errorf("Expected auto name, got '%s'", device.Name)
	}

	f.ingest(t, "abcd9999", "water_level", `{"water_level": 10}`)
	device, _ = f.svc.Device(ctx, reading.DeviceID, "")
	if device.DeviceType != db.DeviceTypePowerMonitor {
		t.Errorf("Expected type to remain power_monitor, got %s", device.DeviceType)
	}
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Ingest(context.Background(), "req", service.IngestMessage{DeviceAPIKey: "k"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestIngest_RejectedPayloadCreatesNoDevice(t *testing.T) {
	for _, atomic := range []bool{true, false} {
		f := newFixtureWithRecorder(atomic)
		ctx := context.Background()

		_, err := f.svc.Ingest(ctx, "req", service.IngestMessage{
			DeviceAPIKey: "bad-json-key",
			DeviceType:   "power_monitor",
			SensorData:   json.RawMessage("not-json"),
		})
		if !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Expected validation error (atomic=%v), got %v", atomic, err)
		}
		if _, err := f.svc.OnboardCheck(ctx, "bad-json-key"); !errors.Is(err, apperr.ErrNotFound) {
			t.Errorf("Expected no device after rejected ingest (atomic=%v), got %v", atomic, err)
		}
		if types := f.events.Types(); len(types) != 0 {
			t.Errorf("Expected no events (atomic=%v), got %v", atomic, types)
		}

		// a later valid reading still declares the type
		reading := f.ingest(t, "bad-json-key", "water_level", `{"water_level": 3}`)
		device, _ := f.svc.Device(ctx, reading.DeviceID, "")
		if device.DeviceType != db.DeviceTypeWaterLevel {
			t.Errorf("Expected water_level (atomic=%v), got %s", atomic, device.DeviceType)
		}
	}
}

func TestIngest_PublishesEvent(t *testing.T) {
	f := newFixture()
	f.ingest(t, "key-1", "power_monitor", `{"power": 1}`)

	types := f.events.Types()
	if len(types) != 1 || types[0] != mq.EventReadingAccepted {
		t.Errorf("Expected reading accepted event, got %v", types)
	}
}

func TestProcessMessage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	body := []byte(`{"device_api_key": "mq-1", "device_type": "water_level", "sensor_data": {"water_level": 55}}`)
	if err := f.svc.ProcessMessage(ctx, "req", body); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	if err := f.svc.ProcessMessage(ctx, "req", []byte("{broken")); err == nil {
		t.Error("Expected error for malformed message")
	}
	if err := f.svc.ProcessMessage(ctx, "req", []byte(`{"device_api_key": "mq-1"}`)); err == nil {
		t.Error("Expected error for incomplete message")
	}
}

func TestPoll_DeliversControlCommandOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	reading := f.ingest(t, "relay-1", "power_monitor", `{"power": 1}`)

	_, state, err := f.svc.Control(ctx, "req", reading.DeviceID, "", commands.SetRelayState, map[string]any{"state": "off"})
	if err != nil {
		t.Fatalf("Control failed: %v", err)
	}
	if state != "OFF" {
		t.Errorf("Expected normalized OFF, got %s", state)
	}

	cmd, err := f.svc.Poll(ctx, "req", "relay-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if cmd == nil || cmd.CommandType != commands.SetRelayState || cmd.Parameters["state"] != "OFF" {
		t.Fatalf("Expected queued relay command, got %+v", cmd)
	}

	cmd, err = f.svc.Poll(ctx, "req", "relay-1")
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if cmd != nil {
		t.Errorf("Expected no second delivery, got %+v", cmd)
	}

	types := f.events.Types()
	want := []string{mq.EventReadingAccepted, mq.EventCommandQueued, mq.EventCommandClaimed}
	if len(types) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestPoll_MissingKey(t *testing.T) {
	f := newFixture()

	if _, err := f.svc.Poll(context.Background(), "req", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestControl_RejectsWaterLevel(t *testing.T) {
	f := newFixture()
	reading := f.ingest(t, "tank-1", "water_level", `{"water_level": 50}`)

	_, _, err := f.svc.Control(context.Background(), "req", reading.DeviceID, "", commands.SetRelayState, map[string]any{"state": "ON"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestOnboardCheck(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.svc.OnboardCheck(ctx, "unknown"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}

	f.ingest(t, "onboard-1", "power_monitor", `{"power": 1}`)
	f.clock.Advance(10 * time.Second)
	device, err := f.svc.OnboardCheck(ctx, "onboard-1")
	if err != nil {
		t.Fatalf("Expected responsive device, got %v", err)
	}
	if device.DeviceType != db.DeviceTypePowerMonitor {
		t.Errorf("Expected power_monitor, got %s", device.DeviceType)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.svc.OnboardCheck(ctx, "onboard-1"); !errors.Is(err, apperr.ErrPreconditionFailed) {
		t.Errorf("Expected precondition failed for stale device, got %v", err)
	}
}

func TestClaimDevice_Flow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.ingest(t, "claim-1", "power_monitor", `{"power": 1}`)

	device, err := f.svc.ClaimDevice(ctx, "req", "claim-1", "alice")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !device.IsRegistered {
		t.Error("Expected device to be registered")
	}

	if _, err := f.svc.ClaimDevice(ctx, "req", "claim-1", "bob"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("Expected conflict on second claim, got %v", err)
	}
	if _, err := f.svc.OnboardCheck(ctx, "claim-1"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("Expected onboarding to report already registered, got %v", err)
	}

	if _, err := f.svc.Device(ctx, device.ID, "bob"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected other owner to get not found, got %v", err)
	}
	if _, err := f.svc.Device(ctx, device.ID, "alice"); err != nil {
		t.Errorf("Expected owner to see device, got %v", err)
	}
}

func TestClaimDevice_Offline(t *testing.T) {
	f := newFixture()
	f.ingest(t, "sleepy", "power_monitor", `{"power": 1}`)
	f.clock.Advance(10 * time.Minute)

	if _, err := f.svc.ClaimDevice(context.Background(), "req", "sleepy", "alice"); !errors.Is(err, apperr.ErrPreconditionFailed) {
		t.Errorf("Expected precondition failed, got %v", err)
	}
}

func TestListOwnerDevices(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.ingest(t, "dev-a", "power_monitor", `{"power": 1}`)
	f.ingest(t, "dev-b", "water_level", `{"water_level": 40}`)
	if _, err := f.svc.ClaimDevice(ctx, "req", "dev-a", "alice"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := f.svc.ClaimDevice(ctx, "req", "dev-b", "alice"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	f.clock.Advance(4 * time.Minute)
	f.ingest(t, "dev-b", "water_level", `{"water_level": 41}`)
	f.clock.Advance(2 * time.Minute)

	summaries, err := f.svc.ListOwnerDevices(ctx, "alice")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(summaries))
	}
	if summaries[0].Device.APIKey != "dev-b" {
		t.Errorf("Expected most recently seen first, got %s", summaries[0].Device.APIKey)
	}
	if !summaries[0].IsOnline {
		t.Error("Expected dev-b online (reading 2 minutes old)")
	}
	if summaries[1].IsOnline {
		t.Error("Expected dev-a offline (reading 6 minutes old)")
	}

	if _, err := f.svc.ListOwnerDevices(ctx, ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error without owner, got %v", err)
	}
}

func TestAnalyze_WindowAndEmpty(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	reading := f.ingest(t, "an-1", "power_monitor", `{"power": 1}`)

	f.clock.Advance(48 * time.Hour)
	report, err := f.svc.Analyze(ctx, "req", reading.DeviceID, "", "24h")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(report.DataPoints) != 0 || len(report.Suggestions) != 1 {
		t.Errorf("Expected empty 24h window, got %+v", report)
	}

	report, err = f.svc.Analyze(ctx, "req", reading.DeviceID, "", "7d")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if len(report.DataPoints) != 1 {
		t.Errorf("Expected reading inside the 7d window, got %d", len(report.DataPoints))
	}

	if _, err := f.svc.Analyze(ctx, "req", reading.DeviceID, "", "1y"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error for bad duration, got %v", err)
	}
	if _, err := f.svc.Analyze(ctx, "req", 999, "", "24h"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestReadings_Range(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first := f.ingest(t, "rng-1", "water_level", `{"water_level": 30}`)
	f.clock.Advance(time.Hour)
	f.ingest(t, "rng-1", "water_level", `{"water_level": 31}`)

	readings, err := f.svc.Readings(ctx, first.DeviceID, "", "2025-12-29 10:30:00", "")
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}
	if len(readings) != 1 {
		t.Errorf("Expected 1 reading after 10:30, got %d", len(readings))
	}

	all, err := f.svc.Readings(ctx, first.DeviceID, "", "", "")
	if err != nil {
		t.Fatalf("Readings failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 readings in default window, got %d", len(all))
	}
}
