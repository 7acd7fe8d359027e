package telemetry

import (
	"time"
)

// SensorType identifies which of the two co-located streams a sample belongs to.
type SensorType string

const (
	SensorMPPT    SensorType = "mppt"
	SensorWeather SensorType = "weather"
)

// Site represents one physical installation we collect telemetry for.
// Each sensor type maps to a provider-side device endpoint.
type Site struct {
	Name    string                `json:"name"`
	Devices map[SensorType]string `json:"devices"`
}

// Key returns a canonical string key for a (site, sensor) task.
func Key(site string, sensor SensorType) string {
	return site + ":" + string(sensor)
}

// Reading is one raw sample from either source stream, as fetched from the
// provider. Timestamp is source-local and must be corrected by the configured
// UTC offset before any downstream use.
type Reading struct {
	Site      string             `json:"site"`
	Sensor    SensorType         `json:"sensor"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// MinuteBucket is the reconciliation unit: all Readings for one
// (site, sensor, minute) merged into a single metric mapping.
// Timestamp is minute-truncated UTC.
type MinuteBucket struct {
	Site      string             `json:"site"`
	Sensor    SensorType         `json:"sensor"`
	Timestamp time.Time          `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
}

// RunStatus is the outcome of one collection attempt.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// CollectionRun is the audit record of one acquisition attempt.
// Created by the scheduler and never mutated after completion.
type CollectionRun struct {
	ID         string     `json:"id"`
	Site       string     `json:"site"`
	Sensor     SensorType `json:"sensor"`
	WindowFrom time.Time  `json:"windowFrom"`
	WindowTo   time.Time  `json:"windowTo"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Buckets    int        `json:"buckets"`
	Dropped    int        `json:"dropped"`
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.From) && ts.Before(w.To)
}
