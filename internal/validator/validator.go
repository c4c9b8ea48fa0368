package validator

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/septivank/device-gateway/internal/apperr"
	"github.com/septivank/device-gateway/internal/commands"
	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/tools/timeparser"
)

// Analysis windows accepted by the analysis endpoint
var analysisWindows = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// DefaultAnalysisWindow applies when no duration is given
const DefaultAnalysisWindow = "24h"

// IngestFields are the fields a device posts with a reading
type IngestFields struct {
	DeviceAPIKey string
	DeviceType   string
	SensorData   json.RawMessage
}

// Validator checks inbound requests before they reach the components
type Validator struct {
	maxSensorDataBytes int
}

// NewValidator creates a validator; maxSensorDataBytes <= 0 disables the size limit
func NewValidator(maxSensorDataBytes int) *Validator {
	return &Validator{
		maxSensorDataBytes: maxSensorDataBytes,
	}
}

// ValidateIngest requires the credential, a declared type and a non-null sensor_data
func (v *Validator) ValidateIngest(f IngestFields) error {
	var missing []string
	if strings.TrimSpace(f.DeviceAPIKey) == "" {
		missing = append(missing, "device_api_key")
	}
	if strings.TrimSpace(f.DeviceType) == "" {
		missing = append(missing, "device_type")
	}
	data := bytes.TrimSpace(f.SensorData)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		missing = append(missing, "sensor_data")
	}
	if len(missing) > 0 {
		return apperr.Validation("Missing data (%s).", strings.Join(missing, ", "))
	}

	if !json.Valid(data) {
		return apperr.Validation("sensor_data must be valid JSON")
	}
	if v.maxSensorDataBytes > 0 && len(data) > v.maxSensorDataBytes {
		return apperr.Validation("sensor_data exceeds %d bytes", v.maxSensorDataBytes)
	}
	return nil
}

// ParseWindow maps "24h", "7d" or "30d" to a duration; empty means 24h
func ParseWindow(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		s = DefaultAnalysisWindow
	}
	d, ok := analysisWindows[s]
	if !ok {
		return 0, apperr.Validation("Invalid duration %q, expected one of 24h, 7d, 30d.", s)
	}
	return d, nil
}

// ValidateControl checks a command against what the device type supports and
// normalizes its parameters in place. It returns the normalized relay state.
func (v *Validator) ValidateControl(deviceType db.DeviceType, command string, params map[string]any) (string, error) {
	if deviceType != db.DeviceTypePowerMonitor || command != commands.SetRelayState {
		return "", apperr.Validation("Invalid command type or not applicable for this device type.")
	}

	raw, ok := params["state"].(string)
	if !ok {
		return "", apperr.Validation("Invalid state parameter for set_relay_state.")
	}
	state := strings.ToUpper(strings.TrimSpace(raw))
	if state != "ON" && state != "OFF" {
		return "", apperr.Validation("Invalid state parameter for set_relay_state.")
	}
	params["state"] = state
	return state, nil
}

// ParseControlParameters decodes the parameters field, sent either as a JSON object
// or as a JSON-encoded string by form posts. Empty input yields an empty map.
func ParseControlParameters(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	params := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, apperr.Validation("Invalid parameters JSON format.")
	}
	return params, nil
}

// ParseRange resolves optional start/end query values; missing bounds default to the
// last 24 hours ending at now.
func ParseRange(startStr, endStr string, now time.Time) (time.Time, time.Time, error) {
	end := now
	if strings.TrimSpace(endStr) != "" {
		t, err := timeparser.ParseQueryTime(endStr)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("invalid end: %v", err)
		}
		end = t
	}

	start := end.Add(-24 * time.Hour)
	if strings.TrimSpace(startStr) != "" {
		t, err := timeparser.ParseQueryTime(startStr)
		if err != nil {
			return time.Time{}, time.Time{}, apperr.Validation("invalid start: %v", err)
		}
		start = t
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, apperr.Validation("start %s is after end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return start, end, nil
}
