package forecast

import (
	"fmt"
	"math"
	"time"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

// Model is the external statistical capability (linear regression, gradient
// boosted trees, ...). The adapter only shapes data in and out of it.
type Model interface {
	Fit(X [][]float64, y []float64) error
	Predict(X [][]float64) ([]float64, error)
}

// Confidence levels and their normal z-scores for the interval bands.
var confidenceLevels = []struct {
	level float64
	z     float64
}{
	{0.68, 1.0},
	{0.95, 1.96},
	{0.99, 2.58},
}

const (
	lagCount      = 3
	rollingWindow = 5
	minHistory    = 10
)

// Band is one confidence interval around the point estimates.
type Band struct {
	Level float64   `json:"level"`
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

// Prediction is the forecast in MinuteBucket-compatible form: one point
// estimate per future timestamp plus interval bands at 68/95/99%.
type Prediction struct {
	Metric     string      `json:"metric"`
	Timestamps []time.Time `json:"timestamps"`
	Points     []float64   `json:"points"`
	Bands      []Band      `json:"bands"`
}

// Forecast fits the model on reconciled history for one metric and predicts
// horizon future steps of the given width. Interval bounds are derived from
// the standard deviation of the training residuals.
func Forecast(history []telemetry.MinuteBucket, metric string, horizon int, step time.Duration, model Model) (*Prediction, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive")
	}
	if step <= 0 {
		step = time.Minute
	}

	times, values := extractSeries(history, metric)
	if len(values) < minHistory {
		return nil, fmt.Errorf("need at least %d observations of %q, have %d", minHistory, metric, len(values))
	}

	// Training rows start once enough history exists for the lag features.
	var (
		X [][]float64
		y []float64
	)
	for i := lagCount; i < len(values); i++ {
		X = append(X, featureRow(times[i], values[:i]))
		y = append(y, values[i])
	}

	if err := model.Fit(X, y); err != nil {
		return nil, fmt.Errorf("fit: %w", err)
	}

	fitted, err := model.Predict(X)
	if err != nil {
		return nil, fmt.Errorf("predict training set: %w", err)
	}
	residualStd := stddev(residuals(y, fitted))

	// Future rows reuse the tail of the observed series for lag and rolling
	// features, matching how the source platform extrapolated.
	last := times[len(times)-1]
	future := make([]time.Time, horizon)
	Xf := make([][]float64, horizon)
	for i := 0; i < horizon; i++ {
		future[i] = last.Add(time.Duration(i+1) * step)
		Xf[i] = featureRow(future[i], values)
	}

	points, err := model.Predict(Xf)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	bands := make([]Band, 0, len(confidenceLevels))
	for _, c := range confidenceLevels {
		lower := make([]float64, len(points))
		upper := make([]float64, len(points))
		for i, p := range points {
			lower[i] = p - c.z*residualStd
			upper[i] = p + c.z*residualStd
		}
		bands = append(bands, Band{Level: c.level, Lower: lower, Upper: upper})
	}

	return &Prediction{
		Metric:     metric,
		Timestamps: future,
		Points:     points,
		Bands:      bands,
	}, nil
}

// extractSeries pulls the ordered (timestamp, value) series for one metric,
// skipping buckets where it is absent.
func extractSeries(history []telemetry.MinuteBucket, metric string) ([]time.Time, []float64) {
	var (
		times  []time.Time
		values []float64
	)
	for _, b := range history {
		if v, ok := b.Metrics[metric]; ok {
			times = append(times, b.Timestamp)
			values = append(values, v)
		}
	}
	return times, values
}

// featureRow builds the model's expected feature layout for one timestamp:
// unix seconds, hour, weekday, month, day of year, weekend flag, lag values
// and rolling mean/std over the most recent observations.
func featureRow(ts time.Time, prior []float64) []float64 {
	weekend := 0.0
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = 1.0
	}

	row := []float64{
		float64(ts.Unix()),
		float64(ts.Hour()),
		float64(ts.Weekday()),
		float64(ts.Month()),
		float64(ts.YearDay()),
		weekend,
	}

	mean := mean(prior)
	for lag := 1; lag <= lagCount; lag++ {
		if lag <= len(prior) {
			row = append(row, prior[len(prior)-lag])
		} else {
			row = append(row, mean)
		}
	}

	window := prior
	if len(window) > rollingWindow {
		window = window[len(window)-rollingWindow:]
	}
	if len(window) > 0 {
		row = append(row, meanOf(window), stddev(window))
	} else {
		row = append(row, 0, 0)
	}

	return row
}

func residuals(y, fitted []float64) []float64 {
	out := make([]float64, len(y))
	for i := range y {
		out[i] = y[i] - fitted[i]
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return meanOf(values)
}

func meanOf(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev computes the population standard deviation.
func stddev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := meanOf(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
