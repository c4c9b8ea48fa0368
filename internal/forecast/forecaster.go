// Package forecast projects a series forward with an additive trend plus daily-seasonal model.
package forecast

import (
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// z-score of the 80% two-sided interval
const intervalZ = 1.2816

// Point is one forecast step
type Point struct {
	Timestamp      time.Time `json:"timestamp"`
	PredictedValue float64   `json:"predicted_value"`
	LowerBound     float64   `json:"lower_bound"`
	UpperBound     float64   `json:"upper_bound"`
}

// Forecaster fits a linear trend and an hour-of-day seasonal component
type Forecaster struct {
	horizon int
}

// NewForecaster creates a forecaster producing horizon hourly steps
func NewForecaster(horizon int) *Forecaster {
	if horizon <= 0 {
		horizon = 24
	}
	return &Forecaster{horizon: horizon}
}

// Forecast fits the series and returns the next horizon hourly steps after the last timestamp.
// times must be ascending and the same length as values.
func (f *Forecaster) Forecast(times []time.Time, values []float64) ([]Point, error) {
	n := len(values)
	if n != len(times) {
		return nil, errors.New("times and values differ in length")
	}
	if n < 3 {
		return nil, errors.New("at least three points are required")
	}

	origin := times[0]
	xs := make([]float64, n)
	for i, ts := range times {
		xs[i] = ts.Sub(origin).Hours()
	}

	// trend
	var alpha, beta float64
	if stat.Variance(xs, nil) == 0 {
		alpha = stat.Mean(values, nil)
	} else {
		alpha, beta = stat.LinearRegression(xs, values, nil, false)
	}

	detrended := make([]float64, n)
	for i := range values {
		detrended[i] = values[i] - (alpha + beta*xs[i])
	}

	// daily seasonality: mean detrended value per hour of day, centered on zero
	var sums [24]float64
	var counts [24]int
	for i, ts := range times {
		h := ts.UTC().Hour()
		sums[h] += detrended[i]
		counts[h]++
	}
	var seasonal [24]float64
	var present []float64
	for h := range seasonal {
		if counts[h] > 0 {
			seasonal[h] = sums[h] / float64(counts[h])
			present = append(present, seasonal[h])
		}
	}
	center := stat.Mean(present, nil)
	for h := range seasonal {
		if counts[h] > 0 {
			seasonal[h] -= center
		}
	}

	residuals := make([]float64, n)
	for i, ts := range times {
		residuals[i] = detrended[i] - seasonal[ts.UTC().Hour()]
	}
	sigma := stat.StdDev(residuals, nil)

	start := times[n-1].UTC().Truncate(time.Hour)
	points := make([]Point, f.horizon)
	for step := 1; step <= f.horizon; step++ {
		ts := start.Add(time.Duration(step) * time.Hour)
		x := ts.Sub(origin).Hours()
		yhat := alpha + beta*x + seasonal[ts.Hour()]
		width := intervalZ * sigma * math.Sqrt(1+float64(step)/float64(n))

		p := Point{
			Timestamp:      ts,
			PredictedValue: yhat,
			LowerBound:     yhat - width,
			UpperBound:     yhat + width,
		}
		if !finite(p.PredictedValue) || !finite(p.LowerBound) || !finite(p.UpperBound) {
			return nil, errors.New("model produced a non-finite forecast")
		}
		points[step-1] = p
	}
	return points, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
