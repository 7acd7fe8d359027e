package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

// RunLog is the append-only CollectionRun journal: one JSON line per
// completed run, mirrored in memory for dashboard queries. Records are never
// mutated after Append; readers are safe while the scheduler is writing.
type RunLog struct {
	mu   sync.RWMutex
	path string
	runs []telemetry.CollectionRun
}

// OpenRunLog loads any existing journal at path, creating parent directories
// as needed.
func OpenRunLog(path string) (*RunLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	l := &RunLog{path: path}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var run telemetry.CollectionRun
		if err := json.Unmarshal(line, &run); err != nil {
			return nil, fmt.Errorf("run log %s: %w", path, err)
		}
		l.runs = append(l.runs, run)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return l, nil
}

// Append records one completed run.
func (l *RunLog) Append(run telemetry.CollectionRun) error {
	line, err := json.Marshal(run)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return &telemetry.StorageError{Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &telemetry.StorageError{Err: err}
	}

	l.runs = append(l.runs, run)
	return nil
}

// List returns runs for the site whose start time falls inside [from, to],
// in append order. An empty site matches all sites.
func (l *RunLog) List(site string, from, to time.Time) []telemetry.CollectionRun {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []telemetry.CollectionRun
	for _, run := range l.runs {
		if site != "" && run.Site != site {
			continue
		}
		if run.StartedAt.Before(from) || run.StartedAt.After(to) {
			continue
		}
		out = append(out, run)
	}
	return out
}

// Latest returns the most recent run for (site, sensor), or false if none
// has been recorded.
func (l *RunLog) Latest(site string, sensor telemetry.SensorType) (telemetry.CollectionRun, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.runs) - 1; i >= 0; i-- {
		if l.runs[i].Site == site && l.runs[i].Sensor == sensor {
			return l.runs[i], true
		}
	}
	return telemetry.CollectionRun{}, false
}
