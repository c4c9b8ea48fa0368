package telemetry

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/septivank/device-gateway/internal/db"
)

// Metric names understood by the analytics pipeline
const (
	MetricVoltage     = "voltage"
	MetricCurrent     = "current"
	MetricPower       = "power"
	MetricFrequency   = "frequency"
	MetricPowerFactor = "power_factor"
	MetricEnergy      = "energy"
	MetricWaterLevel  = "water_level"
)

// Reading is a decoded payload tagged by the device type that produced it
type Reading interface {
	Kind() db.DeviceType
	Metric(name string) (float64, bool)
}

// PowerReading is a power monitor sample; absent fields are nil
type PowerReading struct {
	Voltage     *float64
	Current     *float64
	Power       *float64
	Frequency   *float64
	PowerFactor *float64
	Energy      *float64
}

func (PowerReading) Kind() db.DeviceType { return db.DeviceTypePowerMonitor }

func (p PowerReading) Metric(name string) (float64, bool) {
	var v *float64
	switch name {
	case MetricVoltage:
		v = p.Voltage
	case MetricCurrent:
		v = p.Current
	case MetricPower:
		v = p.Power
	case MetricFrequency:
		v = p.Frequency
	case MetricPowerFactor:
		v = p.PowerFactor
	case MetricEnergy:
		v = p.Energy
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// WaterLevelReading is a water level sample in percent
type WaterLevelReading struct {
	WaterLevel *float64
}

func (WaterLevelReading) Kind() db.DeviceType { return db.DeviceTypeWaterLevel }

func (w WaterLevelReading) Metric(name string) (float64, bool) {
	if name != MetricWaterLevel || w.WaterLevel == nil {
		return 0, false
	}
	return *w.WaterLevel, true
}

// RawReading holds the numeric fields of a payload from a type without a schema
type RawReading struct {
	Type   db.DeviceType
	Fields map[string]float64
}

func (r RawReading) Kind() db.DeviceType { return r.Type }

func (r RawReading) Metric(name string) (float64, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Decode turns a stored payload into the typed reading for deviceType.
// Non-numeric values are skipped; numeric strings such as "12.5" are accepted.
// A payload that is not a JSON object decodes to an empty RawReading.
func Decode(deviceType db.DeviceType, raw json.RawMessage) Reading {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return RawReading{Type: deviceType}
	}

	switch deviceType {
	case db.DeviceTypePowerMonitor:
		return PowerReading{
			Voltage:     number(obj[MetricVoltage]),
			Current:     number(obj[MetricCurrent]),
			Power:       number(obj[MetricPower]),
			Frequency:   number(obj[MetricFrequency]),
			PowerFactor: number(obj[MetricPowerFactor]),
			Energy:      number(obj[MetricEnergy]),
		}
	case db.DeviceTypeWaterLevel:
		return WaterLevelReading{WaterLevel: number(obj[MetricWaterLevel])}
	}

	fields := make(map[string]float64, len(obj))
	for k, v := range obj {
		if n := number(v); n != nil {
			fields[k] = *n
		}
	}
	return RawReading{Type: deviceType, Fields: fields}
}

func number(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		return &f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}
