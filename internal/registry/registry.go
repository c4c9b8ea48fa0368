// Package registry keeps the authoritative record of known devices.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/status"
)

// DefaultDeviceName is used until a device declares its type
const DefaultDeviceName = "Unnamed Device"

// Store is the persistence the registry needs
type Store interface {
	UpsertCheckIn(ctx context.Context, apiKey string, declared db.DeviceType, name string, seenAt time.Time) (*db.Device, error)
	GetDeviceByAPIKey(ctx context.Context, apiKey string) (*db.Device, error)
	GetDeviceByID(ctx context.Context, id int64) (*db.Device, error)
	ClaimDevice(ctx context.Context, id int64, ownerID string) (*db.Device, bool, error)
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]db.Device, error)
}

// Liveness is the outcome of an onboarding responsiveness check
type Liveness struct {
	Online bool
	Reason string
}

// Registry resolves, creates and claims devices
type Registry struct {
	store               Store
	onboardingThreshold time.Duration
	now                 func() time.Time
}

// NewRegistry creates a registry; onboardingThreshold bounds how fresh a check-in must be to onboard
func NewRegistry(store Store, onboardingThreshold time.Duration) *Registry {
	return &Registry{
		store:               store,
		onboardingThreshold: onboardingThreshold,
		now:                 time.Now,
	}
}

// WithClock replaces the time source, used by tests
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// AutoName renders the display name a device gets once its type is known,
// e.g. "Power Monitor Device (abcd)".
func AutoName(deviceType db.DeviceType, apiKey string) string {
	if deviceType.IsUnset() {
		return DefaultDeviceName
	}
	return fmt.Sprintf("%s Device (%s)", deviceType.DisplayName(), KeyPrefix(apiKey))
}

// KeyPrefix returns the first four characters of a credential, for names and logs
func KeyPrefix(apiKey string) string {
	runes := []rune(apiKey)
	if len(runes) > 4 {
		return string(runes[:4])
	}
	return apiKey
}

// ResolveOrCreate is the check-in path: it creates the device on first contact,
// adopts the declared type while the stored one is unset, and stamps last_seen.
func (r *Registry) ResolveOrCreate(ctx context.Context, apiKey string, declared db.DeviceType) (*db.Device, error) {
	if apiKey == "" {
		return nil, apperr.Validation("device_api_key is required")
	}
	if declared == "" {
		declared = db.DeviceTypeUnset
	}

	device, err := r.store.UpsertCheckIn(ctx, apiKey, declared, AutoName(declared, apiKey), r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device: %w", err)
	}
	return device, nil
}

// Lookup returns the device holding apiKey without touching liveness
func (r *Registry) Lookup(ctx context.Context, apiKey string) (*db.Device, error) {
	device, err := r.store.GetDeviceByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	if device == nil {
		return nil, apperr.NotFound("Invalid device_api_key.")
	}
	return device, nil
}

// Get returns a device by id
func (r *Registry) Get(ctx context.Context, id int64) (*db.Device, error) {
	device, err := r.store.GetDeviceByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		return nil, apperr.NotFound("Device not found.")
	}
	return device, nil
}

// Claim binds an unregistered device to ownerID. A second claim, by anyone, is a conflict
// and leaves the existing owner untouched.
func (r *Registry) Claim(ctx context.Context, deviceID int64, ownerID string) (*db.Device, error) {
	if ownerID == "" {
		return nil, apperr.Validation("owner is required")
	}

	device, claimed, err := r.store.ClaimDevice(ctx, deviceID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim device: %w", err)
	}
	if device == nil {
		return nil, apperr.NotFound("Device not found.")
	}
	if !claimed {
		return nil, apperr.Conflict("This device is already registered to a user.")
	}
	return device, nil
}

// OwnedBy lists the owner's registered devices
func (r *Registry) OwnedBy(ctx context.Context, ownerID string) ([]db.Device, error) {
	devices, err := r.store.ListDevicesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// LivenessCheck reports whether the device checked in recently enough to be onboarded
func (r *Registry) LivenessCheck(device *db.Device) Liveness {
	if device.LastSeen == nil {
		return Liveness{Online: false, Reason: "device has never checked in"}
	}
	if !status.IsOnline(device.LastSeen, r.now(), r.onboardingThreshold) {
		return Liveness{
			Online: false,
			Reason: fmt.Sprintf("last check-in was more than %s ago", r.onboardingThreshold),
		}
	}
	return Liveness{Online: true}
}
