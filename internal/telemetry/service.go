package telemetry

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Outcome summarizes one fetch→reconcile→persist pass.
type Outcome struct {
	Buckets int
	Dropped int
	Partial bool
	// Err carries the failure that stopped a partial fetch, so the run
	// record keeps the cause even though the pass itself succeeded.
	Err error
}

// Service sequences the collection pipeline for one (site, sensor, window).
// It owns no scheduling; the scheduler decides when and how often to call it.
type Service struct {
	fetcher Fetcher
	store   PartitionStore
	offset  time.Duration
}

// NewService creates a Service. offset is the fixed source-local-to-UTC
// correction applied before reconciliation.
func NewService(fetcher Fetcher, store PartitionStore, offset time.Duration) *Service {
	return &Service{
		fetcher: fetcher,
		store:   store,
		offset:  offset,
	}
}

// Collect fetches raw readings for the window, reconciles them onto the
// minute grid, and upserts the result into the day partitions it spans.
//
// A partial fetch is not discarded: the subset that succeeded flows through
// reconciliation and persistence and the outcome is flagged partial. A failed
// persist is retried once before giving up, since partition replacement is
// atomic and idempotent.
func (s *Service) Collect(ctx context.Context, site Site, sensor SensorType, window Window) (Outcome, error) {
	var out Outcome

	res, err := s.fetcher.Fetch(ctx, site, sensor, window)
	if err != nil {
		return out, fmt.Errorf("fetch %s: %w", Key(site.Name, sensor), err)
	}
	if res.Partial {
		out.Partial = true
		out.Err = res.Err
		log.WithFields(log.Fields{
			"site":   site.Name,
			"sensor": sensor,
		}).Warnf("partial fetch, continuing with %d readings: %v", len(res.Readings), res.Err)
	}

	buckets, stats, err := Reconcile(res.Readings, window, s.offset)
	if err != nil {
		return out, fmt.Errorf("reconcile %s: %w", Key(site.Name, sensor), err)
	}
	out.Buckets = len(buckets)
	out.Dropped = stats.Dropped
	if stats.Dropped > 0 {
		log.WithFields(log.Fields{
			"site":   site.Name,
			"sensor": sensor,
		}).Warnf("dropped %d readings with missing timestamps", stats.Dropped)
	}
	if len(buckets) == 0 {
		return out, nil
	}

	for date, dayBuckets := range splitByDate(buckets) {
		if err := s.persist(site.Name, date, dayBuckets); err != nil {
			return out, fmt.Errorf("persist %s %s: %w", site.Name, date.Format("2006-01-02"), err)
		}
	}

	return out, nil
}

func (s *Service) persist(site string, date time.Time, buckets []MinuteBucket) error {
	err := s.store.Upsert(site, date, buckets)
	if err == nil {
		return nil
	}
	if !IsStorage(err) {
		return err
	}
	log.Warnf("upsert failed for %s/%s, retrying once: %v", site, date.Format("2006-01-02"), err)
	return s.store.Upsert(site, date, buckets)
}

// splitByDate groups buckets by UTC calendar day. Reconciled output is
// already sorted, so each day's slice stays ordered.
func splitByDate(buckets []MinuteBucket) map[time.Time][]MinuteBucket {
	byDate := make(map[time.Time][]MinuteBucket)
	for _, b := range buckets {
		day := time.Date(b.Timestamp.Year(), b.Timestamp.Month(), b.Timestamp.Day(), 0, 0, 0, 0, time.UTC)
		byDate[day] = append(byDate[day], b)
	}
	return byDate
}
