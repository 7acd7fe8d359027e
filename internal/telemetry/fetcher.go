package telemetry

import (
	"context"
	"time"
)

// FetchResult carries whatever a fetch managed to retrieve. When Partial is
// set, Readings holds the pages that succeeded and Err the failure that
// stopped pagination — partial data is more valuable than none, so callers
// reconcile and persist it, recording the run as partial.
type FetchResult struct {
	Readings []Reading
	Partial  bool
	Err      error
}

// Fetcher abstracts the raw telemetry source (the signed provider API).
type Fetcher interface {
	Fetch(ctx context.Context, site Site, sensor SensorType, window Window) (FetchResult, error)
}

// PartitionStore is the contract the date-partitioned file store must satisfy.
type PartitionStore interface {
	Upsert(site string, date time.Time, buckets []MinuteBucket) error
	Read(site string, date time.Time) ([]MinuteBucket, error)
}

// RunRecorder receives completed collection runs for the audit log.
type RunRecorder interface {
	Append(run CollectionRun) error
}
