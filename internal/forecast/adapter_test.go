package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

func history(n int, value func(i int) float64) []telemetry.MinuteBucket {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	out := make([]telemetry.MinuteBucket, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, telemetry.MinuteBucket{
			Site:      "dorm15",
			Sensor:    telemetry.SensorMPPT,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Metrics:   map[string]float64{"power": value(i)},
		})
	}
	return out
}

// TestForecastLinearSeries: the trend model recovers a clean linear series
// and the adapter emits horizon points at minute steps past the history.
func TestForecastLinearSeries(t *testing.T) {
	h := history(30, func(i int) float64 { return 10 + 2*float64(i) })

	pred, err := Forecast(h, "power", 5, time.Minute, NewTrendModel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pred.Points) != 5 || len(pred.Timestamps) != 5 {
		t.Fatalf("expected 5 forecast points, got %d/%d", len(pred.Points), len(pred.Timestamps))
	}

	last := h[len(h)-1].Timestamp
	if !pred.Timestamps[0].Equal(last.Add(time.Minute)) {
		t.Fatalf("first forecast timestamp should be one step past history, got %s", pred.Timestamps[0])
	}

	// y = 10 + 2i with one point per minute: the next value is 10 + 2*30.
	want := 10 + 2*30.0
	if math.Abs(pred.Points[0]-want) > 1e-6 {
		t.Fatalf("expected first point ≈ %v, got %v", want, pred.Points[0])
	}
}

// TestForecastBandsOrdered: bands widen with the confidence level and
// enclose the point estimates.
func TestForecastBandsOrdered(t *testing.T) {
	h := history(40, func(i int) float64 {
		// A linear trend with alternating noise so residuals are non-zero.
		return 5 + float64(i) + float64(i%2)
	})

	pred, err := Forecast(h, "power", 3, time.Minute, NewTrendModel())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pred.Bands) != 3 {
		t.Fatalf("expected 3 bands, got %d", len(pred.Bands))
	}

	levels := []float64{0.68, 0.95, 0.99}
	for i, band := range pred.Bands {
		if band.Level != levels[i] {
			t.Fatalf("expected band level %v, got %v", levels[i], band.Level)
		}
	}

	for i := range pred.Points {
		prevWidth := 0.0
		for _, band := range pred.Bands {
			if band.Lower[i] > pred.Points[i] || band.Upper[i] < pred.Points[i] {
				t.Fatalf("band %v does not enclose point %d", band.Level, i)
			}
			width := band.Upper[i] - band.Lower[i]
			if width <= prevWidth {
				t.Fatalf("band %v not wider than the previous one at point %d", band.Level, i)
			}
			prevWidth = width
		}
	}
}

// TestForecastNeedsHistory rejects series too short for the lag features.
func TestForecastNeedsHistory(t *testing.T) {
	h := history(5, func(i int) float64 { return float64(i) })

	if _, err := Forecast(h, "power", 3, time.Minute, NewTrendModel()); err == nil {
		t.Fatal("expected error for insufficient history")
	}
}

// TestForecastUnknownMetric rejects a metric absent from history.
func TestForecastUnknownMetric(t *testing.T) {
	h := history(30, func(i int) float64 { return float64(i) })

	if _, err := Forecast(h, "irradiance", 3, time.Minute, NewTrendModel()); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

// TestTrendModelUnfitted refuses to predict before Fit.
func TestTrendModelUnfitted(t *testing.T) {
	m := NewTrendModel()
	if _, err := m.Predict([][]float64{{1}}); err == nil {
		t.Fatal("expected error from unfitted model")
	}
}
