package db

import (
	"encoding/json"
	"strings"
	"time"
)

// DeviceType tags the functionality a device provides
type DeviceType string

const (
	DeviceTypeUnset        DeviceType = "unset"
	DeviceTypePowerMonitor DeviceType = "power_monitor"
	DeviceTypeWaterLevel   DeviceType = "water_level"
)

// ParseDeviceType normalizes a declared device type; empty input yields DeviceTypeUnset
func ParseDeviceType(s string) DeviceType {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DeviceTypeUnset
	}
	return DeviceType(s)
}

// IsUnset reports whether the type has not been declared yet
func (t DeviceType) IsUnset() bool {
	return t == "" || t == DeviceTypeUnset
}

// DisplayName renders "power_monitor" as "Power Monitor"
func (t DeviceType) DisplayName() string {
	parts := strings.Fields(strings.ReplaceAll(string(t), "_", " "))
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// Device represents a field device in the registry
type Device struct {
	ID           int64
	APIKey       string
	Name         string
	Location     *string
	DeviceType   DeviceType
	OwnerID      *string
	IsRegistered bool
	IsOnline     bool
	LastSeen     *time.Time
	CreatedAt    time.Time
}

// SensorReading represents a stored telemetry payload
type SensorReading struct {
	ID         int64
	DeviceID   int64
	RecordedAt time.Time
	Payload    json.RawMessage
}

// Command represents a queued control command
type Command struct {
	ID          int64
	DeviceID    int64
	CommandType string
	Parameters  map[string]any
	IsPending   bool
	CreatedAt   time.Time
	ClaimedAt   *time.Time
}
