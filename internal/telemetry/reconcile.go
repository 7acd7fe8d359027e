package telemetry

import (
	"fmt"
	"sort"
	"time"
)

// ReconcileStats reports input samples that did not make it into the output.
type ReconcileStats struct {
	// Dropped counts readings with a missing (zero) timestamp.
	Dropped int
	// OutOfWindow counts readings whose corrected timestamp fell outside
	// the requested window.
	OutOfWindow int
}

// metricSample tracks the winning value for one metric inside a bucket,
// together with the corrected pre-truncation timestamp and input position
// that produced it.
type metricSample struct {
	value float64
	ts    time.Time
	order int
}

// Reconcile aligns raw readings for one (site, sensor) onto a minute grid.
//
// The UTC offset is applied to every reading before bucketing — grouping on
// uncorrected timestamps would misassign samples crossing day boundaries.
// Corrected timestamps are truncated to the minute and grouped; when several
// readings land in the same minute, metrics are merged one by one with
// last-write-wins by corrected pre-truncation timestamp. A true timestamp tie
// is broken by input order (later input wins).
//
// Output buckets are strictly ascending by timestamp, one per occupied
// minute, all inside the window — a reading whose corrected timestamp is in
// the window but whose truncated minute falls before a non-aligned From is
// excluded rather than emitted with an out-of-window bucket timestamp.
// Missing minutes are absent, never zero-filled. Zero-timestamp readings are
// dropped and counted in stats.
// An empty input yields an empty result and no error; a bucket whose metric
// mapping is empty after merging yields a ValidationError.
func Reconcile(readings []Reading, window Window, offset time.Duration) ([]MinuteBucket, ReconcileStats, error) {
	var stats ReconcileStats

	type bucketState struct {
		site    string
		sensor  SensorType
		metrics map[string]metricSample
	}
	buckets := make(map[time.Time]*bucketState)

	for i, r := range readings {
		if r.Timestamp.IsZero() {
			stats.Dropped++
			continue
		}

		corrected := r.Timestamp.Add(offset).UTC()
		minute := corrected.Truncate(time.Minute)
		// Windows are rarely minute-aligned; checking the truncated minute
		// too keeps every emitted bucket timestamp inside the window.
		if !window.Contains(corrected) || minute.Before(window.From) {
			stats.OutOfWindow++
			continue
		}

		b, ok := buckets[minute]
		if !ok {
			b = &bucketState{
				site:    r.Site,
				sensor:  r.Sensor,
				metrics: make(map[string]metricSample),
			}
			buckets[minute] = b
		}

		for name, value := range r.Metrics {
			prev, exists := b.metrics[name]
			if !exists || corrected.After(prev.ts) || (corrected.Equal(prev.ts) && i > prev.order) {
				b.metrics[name] = metricSample{value: value, ts: corrected, order: i}
			}
		}
	}

	minutes := make([]time.Time, 0, len(buckets))
	for m := range buckets {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i].Before(minutes[j]) })

	out := make([]MinuteBucket, 0, len(minutes))
	for _, m := range minutes {
		b := buckets[m]
		if len(b.metrics) == 0 {
			return nil, stats, &ValidationError{
				Err: fmt.Errorf("minute %s has no metrics after merge", m.Format(time.RFC3339)),
			}
		}
		metrics := make(map[string]float64, len(b.metrics))
		for name, s := range b.metrics {
			metrics[name] = s.value
		}
		out = append(out, MinuteBucket{
			Site:      b.site,
			Sensor:    b.sensor,
			Timestamp: m,
			Metrics:   metrics,
		})
	}

	return out, stats, nil
}
