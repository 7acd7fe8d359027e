package forecast

import (
	"fmt"
)

// TrendModel is the baseline Model wired by default: ordinary least squares
// on the time feature alone. Real deployments swap in an external regression
// or boosted-tree capability behind the same interface.
type TrendModel struct {
	slope     float64
	intercept float64
	origin    float64
	fitted    bool
}

// NewTrendModel creates an unfitted TrendModel.
func NewTrendModel() *TrendModel {
	return &TrendModel{}
}

// Fit estimates slope and intercept against the first feature column
// (unix seconds), shifted to the first observation to keep the arithmetic
// well conditioned.
func (m *TrendModel) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 || len(X) != len(y) {
		return fmt.Errorf("mismatched training data: %d rows, %d targets", len(X), len(y))
	}

	m.origin = X[0][0]

	var sumT, sumY, sumTT, sumTY float64
	for i := range X {
		t := X[i][0] - m.origin
		sumT += t
		sumY += y[i]
		sumTT += t * t
		sumTY += t * y[i]
	}

	n := float64(len(X))
	denom := n*sumTT - sumT*sumT
	if denom == 0 {
		m.slope = 0
	} else {
		m.slope = (n*sumTY - sumT*sumY) / denom
	}
	m.intercept = (sumY - m.slope*sumT) / n
	m.fitted = true
	return nil
}

// Predict returns the fitted line evaluated at each row's time feature.
func (m *TrendModel) Predict(X [][]float64) ([]float64, error) {
	if !m.fitted {
		return nil, fmt.Errorf("model is not fitted")
	}

	out := make([]float64, len(X))
	for i := range X {
		out[i] = m.intercept + m.slope*(X[i][0]-m.origin)
	}
	return out, nil
}
