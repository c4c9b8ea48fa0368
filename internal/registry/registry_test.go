package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/registry"
	"github.com/septivank/device-gateway/internal/repository"
)

func newTestRegistry(now time.Time) (*registry.Registry, *repository.Memory) {
	store := repository.NewMemory()
	reg := registry.NewRegistry(store, 30*time.Second).WithClock(func() time.Time { return now })
	return reg, store
}

func TestAutoName(t *testing.T) {
	if got := registry.AutoName(db.DeviceTypePowerMonitor, "abcdef123"); got != "Power Monitor Device (abcd)" {
		t.Errorf("Expected 'Power Monitor Device (abcd)', got '%s'", got)
	}
	if got := registry.AutoName(db.DeviceTypeWaterLevel, "ab"); got != "Water Level Device (ab)" {
		t.Errorf("Expected 'Water Level Device (ab)', got '%s'", got)
	}
	if got := registry.AutoName(db.DeviceTypeUnset, "abcdef"); got != registry.DefaultDeviceName {
		t.Errorf("Expected default name, got '%s'", got)
	}
}

func TestKeyPrefix_MultiByte(t *testing.T) {
	got := registry.AutoName(db.DeviceTypePowerMonitor, "ключ-001")
	if got != "Power Monitor Device (ключ)" {
		t.Errorf("Expected 'Power Monitor Device (ключ)', got '%s'", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("Expected valid UTF-8 name, got %q", got)
	}

	if p := registry.KeyPrefix("日本語キー"); p != "日本語キ" {
		t.Errorf("Expected first four characters, got %q", p)
	}
	if p := registry.KeyPrefix("éé"); p != "éé" {
		t.Errorf("Expected short key unchanged, got %q", p)
	}
}

func TestResolveOrCreate_AdoptsTypeOnce(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(time.Now())

	first, err := reg.ResolveOrCreate(ctx, "key-1234", db.DeviceTypeUnset)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	if first.DeviceType != db.DeviceTypeUnset {
		t.Errorf("Expected unset type, got %s", first.DeviceType)
	}
	if first.Name != registry.DefaultDeviceName {
		t.Errorf("Expected default name, got '%s'", first.Name)
	}

	typed, err := reg.ResolveOrCreate(ctx, "key-1234", db.DeviceTypePowerMonitor)
	if err != nil {
		t.Fatalf("Failed to update device: %v", err)
	}
	if typed.ID != first.ID {
		t.Errorf("Expected same device id %d, got %d", first.ID, typed.ID)
	}
	if typed.DeviceType != db.DeviceTypePowerMonitor {
		t.Errorf("Expected power_monitor, got %s", typed.DeviceType)
	}
	if typed.Name != "Power Monitor Device (key-)" {
		t.Errorf("Expected auto name, got '%s'", typed.Name)
	}

	again, err := reg.ResolveOrCreate(ctx, "key-1234", db.DeviceTypeWaterLevel)
	if err != nil {
		t.Fatalf("Failed to check in device: %v", err)
	}
	if again.DeviceType != db.DeviceTypePowerMonitor {
		t.Errorf("Expected type to stay power_monitor, got %s", again.DeviceType)
	}
	if again.Name != typed.Name {
		t.Errorf("Expected name to stay '%s', got '%s'", typed.Name, again.Name)
	}
}

func TestResolveOrCreate_StampsLiveness(t *testing.T) {
	now := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	reg, _ := newTestRegistry(now)

	device, err := reg.ResolveOrCreate(context.Background(), "key-1", db.DeviceTypeWaterLevel)
	if err != nil {
		t.Fatalf("Failed to check in: %v", err)
	}
	if !device.IsOnline {
		t.Error("Expected device to be marked online")
	}
	if device.LastSeen == nil || !device.LastSeen.Equal(now) {
		t.Errorf("Expected last_seen %v, got %v", now, device.LastSeen)
	}
}

func TestResolveOrCreate_ConcurrentFirstContact(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry(time.Now())

	const callers = 20
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := reg.ResolveOrCreate(ctx, "fresh-key", db.DeviceTypePowerMonitor)
			if err != nil {
				t.Errorf("check-in %d failed: %v", i, err)
				return
			}
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		if id != ids[0] {
			t.Fatalf("Expected every caller to resolve device %d, caller %d got %d", ids[0], i, id)
		}
	}

	other, err := store.GetDeviceByID(ctx, ids[0]+1)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if other != nil {
		t.Error("Expected no duplicate device row")
	}
}

func TestResolveOrCreate_MissingKey(t *testing.T) {
	reg, _ := newTestRegistry(time.Now())

	_, err := reg.ResolveOrCreate(context.Background(), "", db.DeviceTypePowerMonitor)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestClaim_ConflictDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(time.Now())

	device, err := reg.ResolveOrCreate(ctx, "claim-me", db.DeviceTypePowerMonitor)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	claimed, err := reg.Claim(ctx, device.ID, "alice")
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if !claimed.IsRegistered || claimed.OwnerID == nil || *claimed.OwnerID != "alice" {
		t.Fatalf("Expected device registered to alice, got %+v", claimed)
	}

	for _, owner := range []string{"bob", "alice"} {
		_, err = reg.Claim(ctx, device.ID, owner)
		if !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("Expected conflict claiming as %s, got %v", owner, err)
		}
	}

	current, err := reg.Get(ctx, device.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if current.OwnerID == nil || *current.OwnerID != "alice" {
		t.Errorf("Expected owner to remain alice, got %v", current.OwnerID)
	}
}

func TestClaim_Concurrent(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(time.Now())

	device, err := reg.ResolveOrCreate(ctx, "race", db.DeviceTypeWaterLevel)
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}

	const owners = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Claim(ctx, device.ID, fmt.Sprintf("owner-%d", i))
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one successful claim, got %d", winners)
	}
}

func TestClaim_UnknownDevice(t *testing.T) {
	reg, _ := newTestRegistry(time.Now())

	_, err := reg.Claim(context.Background(), 42, "alice")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestLivenessCheck(t *testing.T) {
	now := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	reg, _ := newTestRegistry(now)

	recent := now.Add(-10 * time.Second)
	if live := reg.LivenessCheck(&db.Device{LastSeen: &recent}); !live.Online {
		t.Errorf("Expected online, got reason '%s'", live.Reason)
	}

	stale := now.Add(-31 * time.Second)
	if live := reg.LivenessCheck(&db.Device{LastSeen: &stale}); live.Online {
		t.Error("Expected 31s-old check-in to be offline for onboarding")
	}

	if live := reg.LivenessCheck(&db.Device{}); live.Online || live.Reason == "" {
		t.Error("Expected never-seen device to be offline with a reason")
	}
}

func TestLookup_Unknown(t *testing.T) {
	reg, _ := newTestRegistry(time.Now())

	_, err := reg.Lookup(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}
