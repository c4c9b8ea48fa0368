// Package analytics turns a window of readings into anomalies, forecasts and suggestions.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/septivank/device-gateway/internal/db"
	"github.com/septivank/device-gateway/internal/forecast"
	"github.com/septivank/device-gateway/internal/telemetry"
	"go.uber.org/zap"
)

// AnomalyScorer returns the indices of outlying values
type AnomalyScorer interface {
	Detect(values []float64) ([]int, error)
}

// Forecaster projects an ascending series forward
type Forecaster interface {
	Forecast(times []time.Time, values []float64) ([]forecast.Point, error)
}

// Config bounds the per-request model work
type Config struct {
	MinAnomalyPoints  int
	MinForecastPoints int
	MaxPoints         int
	StageTimeout      time.Duration
}

// DefaultConfig matches the gateway defaults
func DefaultConfig() Config {
	return Config{
		MinAnomalyPoints:  10,
		MinForecastPoints: 20,
		MaxPoints:         5000,
		StageTimeout:      5 * time.Second,
	}
}

// DataPoint is a reading in the analysed window
type DataPoint struct {
	Timestamp  time.Time       `json:"timestamp"`
	SensorData json.RawMessage `json:"sensor_data"`
}

// Anomaly is a flagged reading
type Anomaly struct {
	Timestamp   time.Time `json:"timestamp"`
	Metric      string    `json:"metric"`
	Value       float64   `json:"value"`
	Description string    `json:"description"`
}

// Report is the analysis response body
type Report struct {
	DataPoints  []DataPoint      `json:"data_points"`
	Anomalies   []Anomaly        `json:"anomalies"`
	Predictions []forecast.Point `json:"predictions"`
	Suggestions []string         `json:"suggestions"`
}

// Engine runs the anomaly and forecast stages for one device window
type Engine struct {
	scorer     AnomalyScorer
	forecaster Forecaster
	cfg        Config
	logger     *zap.Logger
}

// NewEngine creates an analytics engine
func NewEngine(scorer AnomalyScorer, forecaster Forecaster, cfg Config, logger *zap.Logger) *Engine {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultConfig().StageTimeout
	}
	return &Engine{
		scorer:     scorer,
		forecaster: forecaster,
		cfg:        cfg,
		logger:     logger,
	}
}

// MetricFor returns the metric analysed for a device type, or "" when none is configured
func MetricFor(deviceType db.DeviceType) string {
	switch deviceType {
	case db.DeviceTypePowerMonitor:
		return telemetry.MetricPower
	case db.DeviceTypeWaterLevel:
		return telemetry.MetricWaterLevel
	}
	return ""
}

type series struct {
	metric string
	times  []time.Time
	values []float64
}

// varied reports whether the series holds more than one distinct value
func (s series) varied() bool {
	for _, v := range s.values {
		if v != s.values[0] {
			return true
		}
	}
	return false
}

// Analyze never fails: stage errors, panics and timeouts become suggestions.
// readings must be in ascending time order.
func (e *Engine) Analyze(ctx context.Context, deviceType db.DeviceType, readings []db.SensorReading) *Report {
	report := &Report{
		DataPoints:  []DataPoint{},
		Anomalies:   []Anomaly{},
		Predictions: []forecast.Point{},
		Suggestions: []string{},
	}

	if len(readings) == 0 {
		report.Suggestions = append(report.Suggestions, "No data to analyze.")
		return report
	}

	if e.cfg.MaxPoints > 0 && len(readings) > e.cfg.MaxPoints {
		readings = readings[len(readings)-e.cfg.MaxPoints:]
	}
	for _, r := range readings {
		report.DataPoints = append(report.DataPoints, DataPoint{Timestamp: r.RecordedAt, SensorData: r.Payload})
	}

	metric := MetricFor(deviceType)
	if metric == "" {
		report.Suggestions = append(report.Suggestions, "Analysis is not yet configured for this device type.")
		return report
	}

	s := series{metric: metric}
	for _, r := range readings {
		if v, ok := telemetry.Decode(deviceType, r.Payload).Metric(metric); ok {
			s.times = append(s.times, r.RecordedAt)
			s.values = append(s.values, v)
		}
	}

	e.detectAnomalies(ctx, s, report)
	if deviceType == db.DeviceTypeWaterLevel {
		applyWaterRules(s, report)
	}
	e.runForecast(ctx, deviceType, s, report)

	return report
}

func (e *Engine) detectAnomalies(ctx context.Context, s series, report *Report) {
	if len(s.values) <= e.cfg.MinAnomalyPoints || !s.varied() {
		report.Suggestions = append(report.Suggestions, fmt.Sprintf(
			"Not enough varied %s data to detect anomalies (need more than %d readings).",
			s.metric, e.cfg.MinAnomalyPoints))
		return
	}

	flagged, err := runStage(ctx, e.cfg.StageTimeout, func() ([]int, error) {
		return e.scorer.Detect(s.values)
	})
	if err != nil {
		e.logger.Warn("anomaly detection failed", zap.String("metric", s.metric), zap.Error(err))
		report.Suggestions = append(report.Suggestions, "Could not run anomaly detection, check data quality.")
		return
	}

	for _, idx := range flagged {
		if idx < 0 || idx >= len(s.values) {
			continue
		}
		a := Anomaly{
			Timestamp:   s.times[idx],
			Metric:      s.metric,
			Value:       s.values[idx],
			Description: fmt.Sprintf("Unusual %s reading of %.2f", s.metric, s.values[idx]),
		}
		report.Anomalies = append(report.Anomalies, a)
		report.Suggestions = append(report.Suggestions, fmt.Sprintf(
			"Anomaly detected at %s: %s was %.2f, check the device and its load.",
			a.Timestamp.UTC().Format(time.RFC3339), s.metric, a.Value))
	}
}

// applyWaterRules flags out-of-band levels whether or not the model ran
func applyWaterRules(s series, report *Report) {
	flagged := make(map[time.Time]bool, len(report.Anomalies))
	for _, a := range report.Anomalies {
		flagged[a.Timestamp] = true
	}

	low, high := 0, 0
	for i, v := range s.values {
		var description string
		switch {
		case v < 10:
			low++
			description = "Water level critically low"
		case v > 90:
			high++
			description = "Water level very high"
		default:
			continue
		}
		if flagged[s.times[i]] {
			continue
		}
		report.Anomalies = append(report.Anomalies, Anomaly{
			Timestamp:   s.times[i],
			Metric:      s.metric,
			Value:       v,
			Description: description,
		})
	}
	if low > 0 {
		report.Suggestions = append(report.Suggestions, fmt.Sprintf(
			"Water level critically low in %d reading(s), consider refilling.", low))
	}
	if high > 0 {
		report.Suggestions = append(report.Suggestions, fmt.Sprintf(
			"Water level very high in %d reading(s), check for overflow.", high))
	}
}

func (e *Engine) runForecast(ctx context.Context, deviceType db.DeviceType, s series, report *Report) {
	if len(s.values) <= e.cfg.MinForecastPoints || !s.varied() {
		report.Suggestions = append(report.Suggestions, fmt.Sprintf(
			"Not enough varied %s data to forecast (need more than %d readings).",
			s.metric, e.cfg.MinForecastPoints))
		return
	}

	points, err := runStage(ctx, e.cfg.StageTimeout, func() ([]forecast.Point, error) {
		return e.forecaster.Forecast(s.times, s.values)
	})
	if err != nil {
		e.logger.Warn("forecasting failed", zap.String("metric", s.metric), zap.Error(err))
		report.Suggestions = append(report.Suggestions, "Could not run forecasting, check data quality.")
		return
	}
	report.Predictions = points

	report.Suggestions = append(report.Suggestions, summarizeForecast(deviceType, points))
}

func summarizeForecast(deviceType db.DeviceType, points []forecast.Point) string {
	var kept []float64
	for _, p := range points {
		v := p.PredictedValue
		switch deviceType {
		case db.DeviceTypePowerMonitor:
			if v > 0 {
				kept = append(kept, v)
			}
		case db.DeviceTypeWaterLevel:
			if v >= 0 && v <= 100 {
				kept = append(kept, v)
			}
		}
	}
	if len(kept) == 0 {
		return "Forecast values are outside the expected range."
	}

	sum := 0.0
	for _, v := range kept {
		sum += v
	}
	mean := sum / float64(len(kept))

	if deviceType == db.DeviceTypePowerMonitor {
		if mean > 500 {
			return fmt.Sprintf("Forecasted power averages %.1f W over the next 24 hours, consider optimizing usage.", mean)
		}
		return fmt.Sprintf("Forecasted power averages %.1f W over the next 24 hours, usage looks normal.", mean)
	}
	if mean < 20 {
		return fmt.Sprintf("Forecasted water level averages %.1f%% over the next 24 hours, plan refilling soon.", mean)
	}
	return fmt.Sprintf("Forecasted water level averages %.1f%% over the next 24 hours, levels look stable.", mean)
}

type stageResult[T any] struct {
	value T
	err   error
}

// runStage runs fn in its own goroutine, converting a panic or an overrun into an error.
// An overrunning fn keeps running to completion but its result is discarded.
func runStage[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan stageResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- stageResult[T]{value: zero, err: fmt.Errorf("stage panicked: %v", r)}
			}
		}()
		v, err := fn()
		done <- stageResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("stage did not finish: %w", ctx.Err())
	}
}
