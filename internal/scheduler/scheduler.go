package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

// SiteSchedule pairs a site with its polling interval.
type SiteSchedule struct {
	Site     telemetry.Site
	Interval time.Duration
}

// task is one unit of work: collect a single (site, sensor) combination.
type task struct {
	site   telemetry.Site
	sensor telemetry.SensorType
}

// Scheduler drives periodic and on-demand collection runs through a fixed
// pool of workers. Tasks for different (site, sensor) keys run in parallel;
// runs for the same key are strictly serialized — a trigger arriving while
// that key is queued or in flight is coalesced into a logged skip rather
// than queued, bounding pressure on a slow upstream API.
type Scheduler struct {
	cron     *gocron.Scheduler
	service  *telemetry.Service
	runs     telemetry.RunRecorder
	sites    []SiteSchedule
	workers  int
	deadline time.Duration
	lookback time.Duration

	tasks chan task
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]bool
	stopped  bool
}

// New creates a Scheduler. deadline bounds each run end to end; lookback is
// how far back each run's requested window reaches from the trigger time.
func New(sites []SiteSchedule, service *telemetry.Service, runs telemetry.RunRecorder, workers int, deadline, lookback time.Duration) *Scheduler {
	if workers <= 0 {
		workers = 2
	}

	capacity := 0
	for _, s := range sites {
		capacity += len(s.Site.Devices)
	}
	if capacity < workers {
		capacity = workers
	}

	return &Scheduler{
		cron:     gocron.NewScheduler(time.UTC),
		service:  service,
		runs:     runs,
		sites:    sites,
		workers:  workers,
		deadline: deadline,
		lookback: lookback,
		tasks:    make(chan task, capacity*2),
		inFlight: make(map[string]bool),
	}
}

// Start launches the worker pool and schedules the periodic job for every
// configured site.
func (s *Scheduler) Start() error {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	if len(s.sites) == 0 {
		log.Warn("scheduler: no sites configured; only on-demand triggers will run")
		s.cron.StartAsync()
		return nil
	}

	for _, sched := range s.sites {
		sched := sched
		minutes := int(sched.Interval.Minutes())
		if minutes <= 0 {
			minutes = 15
		}

		_, err := s.cron.Every(minutes).Minutes().Do(func() {
			for sensor := range sched.Site.Devices {
				s.Trigger(sched.Site, sensor)
			}
		})
		if err != nil {
			return err
		}
	}

	s.cron.StartAsync()
	return nil
}

// Trigger requests a one-shot run for (site, sensor). Returns false if a run
// for that key is already queued or executing and the trigger was coalesced.
func (s *Scheduler) Trigger(site telemetry.Site, sensor telemetry.SensorType) bool {
	key := telemetry.Key(site.Name, sensor)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if s.inFlight[key] {
		log.WithField("task", key).Info("scheduler: run already in flight, skipping trigger")
		return false
	}
	s.inFlight[key] = true

	// Sent under the mutex so Stop cannot close the channel between the
	// stopped check and the send. The send never blocks: inFlight admits at
	// most one queued task per key and the channel holds two slots per key.
	s.tasks <- task{site: site, sensor: sensor}
	return true
}

// Stop halts periodic scheduling, drains queued tasks and waits for workers.
func (s *Scheduler) Stop() {
	s.cron.Stop()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.tasks)
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for t := range s.tasks {
		s.execute(t)

		s.mu.Lock()
		delete(s.inFlight, telemetry.Key(t.site.Name, t.sensor))
		s.mu.Unlock()
	}
}

// execute runs the fetch→reconcile→persist pipeline for one task and records
// the outcome. Every run ends in exactly one CollectionRun: success, partial
// or failed with the stage's error detail.
func (s *Scheduler) execute(t task) {
	key := telemetry.Key(t.site.Name, t.sensor)
	started := time.Now().UTC()
	window := telemetry.Window{
		From: started.Add(-s.lookback),
		To:   started,
	}

	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if s.deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.deadline)
	}
	defer cancel()

	outcome, err := s.service.Collect(ctx, t.site, t.sensor, window)

	run := telemetry.CollectionRun{
		ID:         uuid.NewString(),
		Site:       t.site.Name,
		Sensor:     t.sensor,
		WindowFrom: window.From,
		WindowTo:   window.To,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Buckets:    outcome.Buckets,
		Dropped:    outcome.Dropped,
	}

	switch {
	case err != nil:
		run.Status = telemetry.RunFailed
		run.Error = err.Error()
		log.WithField("task", key).Errorf("scheduler: run failed: %v", err)
	case outcome.Partial:
		run.Status = telemetry.RunPartial
		if outcome.Err != nil {
			run.Error = outcome.Err.Error()
		}
		log.WithField("task", key).Warnf("scheduler: run partial, persisted %d buckets: %v", outcome.Buckets, outcome.Err)
	default:
		run.Status = telemetry.RunSuccess
		log.WithField("task", key).Infof("scheduler: run ok, %d buckets", outcome.Buckets)
	}

	if err := s.runs.Append(run); err != nil {
		log.WithField("task", key).Errorf("scheduler: failed to record run: %v", err)
	}
}
