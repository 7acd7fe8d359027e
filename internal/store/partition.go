package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

var (
	// ErrNotFound is returned when no partition exists for a (site, date).
	ErrNotFound = errors.New("no partition for site and date")
)

const (
	dateLayout = "2006-01-02"
	tsColumn   = "timestamp"
)

// PartitionStore persists reconciled minute buckets as one CSV file per
// (site, sensor, date) under a base directory. Files are human-inspectable
// and consumed read-only by the dashboard.
//
// Writes are deterministic (sorted columns, sorted rows, canonical float
// formatting), so re-running the same upsert produces a byte-identical file.
// Every write lands in a temporary file that is renamed into place, so a
// reader never observes a partially-written partition. Per-file mutexes
// arbitrate concurrent writers to the same key.
type PartitionStore struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPartitionStore creates a store rooted at baseDir.
func NewPartitionStore(baseDir string) *PartitionStore {
	return &PartitionStore{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Upsert merges buckets into the (site, date) partition. A new bucket whose
// timestamp matches an existing row replaces that row entirely; rows with
// non-overlapping timestamps are kept. Idempotent: applying the same buckets
// twice leaves the partition byte-for-byte unchanged.
func (s *PartitionStore) Upsert(site string, date time.Time, buckets []telemetry.MinuteBucket) error {
	bySensor := make(map[telemetry.SensorType][]telemetry.MinuteBucket)
	for _, b := range buckets {
		bySensor[b.Sensor] = append(bySensor[b.Sensor], b)
	}

	for sensor, sensorBuckets := range bySensor {
		if err := s.upsertSensor(site, sensor, date, sensorBuckets); err != nil {
			return &telemetry.StorageError{Err: err}
		}
	}
	return nil
}

func (s *PartitionStore) upsertSensor(site string, sensor telemetry.SensorType, date time.Time, buckets []telemetry.MinuteBucket) error {
	path := s.partitionPath(site, sensor, date)

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	existing, err := readPartitionFile(path, site, sensor)
	if err != nil && !errors.Is(err, ErrNotFoundFile) {
		return err
	}

	merged := make(map[time.Time]telemetry.MinuteBucket, len(existing)+len(buckets))
	for _, b := range existing {
		merged[b.Timestamp] = b
	}
	for _, b := range buckets {
		merged[b.Timestamp] = b
	}

	ordered := make([]telemetry.MinuteBucket, 0, len(merged))
	for _, b := range merged {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	return writePartitionFile(path, ordered)
}

// Read returns all buckets persisted for (site, date), across sensors,
// ordered by timestamp then sensor.
func (s *PartitionStore) Read(site string, date time.Time) ([]telemetry.MinuteBucket, error) {
	siteDir := filepath.Join(s.baseDir, site)
	entries, err := os.ReadDir(siteDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &telemetry.StorageError{Err: err}
	}

	var out []telemetry.MinuteBucket
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sensor := telemetry.SensorType(entry.Name())
		path := s.partitionPath(site, sensor, date)

		lock := s.lockFor(path)
		lock.Lock()
		buckets, err := readPartitionFile(path, site, sensor)
		lock.Unlock()

		if errors.Is(err, ErrNotFoundFile) {
			continue
		}
		if err != nil {
			return nil, &telemetry.StorageError{Err: err}
		}
		out = append(out, buckets...)
	}

	if len(out) == 0 {
		return nil, ErrNotFound
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Sensor < out[j].Sensor
	})
	return out, nil
}

// ReadRange returns buckets for every date in [from, to], inclusive,
// skipping days with no partition. ErrNotFound if the whole range is empty.
func (s *PartitionStore) ReadRange(site string, from, to time.Time) ([]telemetry.MinuteBucket, error) {
	var out []telemetry.MinuteBucket

	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(end) {
		buckets, err := s.Read(site, day)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				day = day.AddDate(0, 0, 1)
				continue
			}
			return nil, err
		}
		out = append(out, buckets...)
		day = day.AddDate(0, 0, 1)
	}

	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *PartitionStore) partitionPath(site string, sensor telemetry.SensorType, date time.Time) string {
	return filepath.Join(s.baseDir, site, string(sensor), date.UTC().Format(dateLayout)+".csv")
}

func (s *PartitionStore) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}
	return lock
}

// ErrNotFoundFile distinguishes a missing partition file from a read failure.
var ErrNotFoundFile = errors.New("partition file does not exist")

func readPartitionFile(path, site string, sensor telemetry.SensorType) ([]telemetry.MinuteBucket, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFoundFile
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	if len(header) == 0 || header[0] != tsColumn {
		return nil, fmt.Errorf("%s: malformed header", path)
	}

	buckets := make([]telemetry.MinuteBucket, 0, len(records)-1)
	for _, row := range records[1:] {
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("%s: bad timestamp %q: %w", path, row[0], err)
		}

		metrics := make(map[string]float64)
		for i := 1; i < len(row) && i < len(header); i++ {
			if row[i] == "" {
				continue
			}
			v, err := strconv.ParseFloat(row[i], 64)
			if err != nil {
				return nil, fmt.Errorf("%s: bad value %q in column %s: %w", path, row[i], header[i], err)
			}
			metrics[header[i]] = v
		}

		buckets = append(buckets, telemetry.MinuteBucket{
			Site:      site,
			Sensor:    sensor,
			Timestamp: ts.UTC(),
			Metrics:   metrics,
		})
	}
	return buckets, nil
}

// writePartitionFile serializes buckets (already sorted ascending) and
// atomically replaces the partition file.
func writePartitionFile(path string, buckets []telemetry.MinuteBucket) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	columns := metricColumns(buckets)
	header := append([]string{tsColumn}, columns...)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".partition-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return err
	}
	for _, b := range buckets {
		row := make([]string, 0, len(header))
		row = append(row, b.Timestamp.UTC().Format(time.RFC3339))
		for _, col := range columns {
			if v, ok := b.Metrics[col]; ok {
				row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// metricColumns returns the sorted union of metric names across buckets.
func metricColumns(buckets []telemetry.MinuteBucket) []string {
	seen := make(map[string]struct{})
	for _, b := range buckets {
		for name := range b.Metrics {
			seen[name] = struct{}{}
		}
	}
	columns := make([]string, 0, len(seen))
	for name := range seen {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	return columns
}
