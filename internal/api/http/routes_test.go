package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/forecast"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/scheduler"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/store"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

type nopFetcher struct{}

func (nopFetcher) Fetch(ctx context.Context, site telemetry.Site, sensor telemetry.SensorType, window telemetry.Window) (telemetry.FetchResult, error) {
	return telemetry.FetchResult{}, nil
}

func testApp(t *testing.T) (*fiber.App, Deps) {
	t.Helper()

	partitions := store.NewPartitionStore(t.TempDir())
	runs, err := store.OpenRunLog(filepath.Join(t.TempDir(), "runs.log"))
	if err != nil {
		t.Fatalf("open run log: %v", err)
	}

	site := telemetry.Site{
		Name:    "dorm15",
		Devices: map[telemetry.SensorType]string{telemetry.SensorMPPT: "dev-1"},
	}
	svc := telemetry.NewService(nopFetcher{}, partitions, 0)
	sched := scheduler.New(nil, svc, runs, 1, time.Minute, 30*time.Minute)

	deps := Deps{
		Partitions: partitions,
		Runs:       runs,
		Scheduler:  sched,
		Sites:      map[string]telemetry.Site{"dorm15": site},
		NewModel:   func() forecast.Model { return forecast.NewTrendModel() },
	}

	app := fiber.New()
	RegisterRoutes(app, deps)
	return app, deps
}

// TestPartitionsValidation rejects requests missing the time range.
func TestPartitionsValidation(t *testing.T) {
	app, _ := testApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/partitions?site=dorm15", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.StatusCode)
	}
}

// TestPartitionsNotFound returns 404 for an empty range.
func TestPartitionsNotFound(t *testing.T) {
	app, _ := testApp(t)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/partitions?site=dorm15&from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
}

// TestPartitionsReturnsData serves persisted buckets for the range.
func TestPartitionsReturnsData(t *testing.T) {
	app, deps := testApp(t)

	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := deps.Partitions.Upsert("dorm15", date, []telemetry.MinuteBucket{{
		Site:      "dorm15",
		Sensor:    telemetry.SensorMPPT,
		Timestamp: date.Add(10 * time.Hour),
		Metrics:   map[string]float64{"power": 5},
	}}); err != nil {
		t.Fatalf("seed partition: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/partitions?site=dorm15&from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	var body struct {
		Buckets []telemetry.MinuteBucket `json:"buckets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Buckets) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(body.Buckets))
	}
}

// TestLatestRun serves the most recent run status per (site, sensor).
func TestLatestRun(t *testing.T) {
	app, deps := testApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest?site=dorm15&sensor=mppt", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any runs, got %d", resp.StatusCode)
	}

	if err := deps.Runs.Append(telemetry.CollectionRun{
		ID:        "r1",
		Site:      "dorm15",
		Sensor:    telemetry.SensorMPPT,
		Status:    telemetry.RunPartial,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("append run: %v", err)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/runs/latest?site=dorm15&sensor=mppt", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var run telemetry.CollectionRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != telemetry.RunPartial {
		t.Fatalf("expected partial status, got %s", run.Status)
	}
}

// TestCollectTrigger accepts the first trigger and reports the coalesced
// second one as skipped.
func TestCollectTrigger(t *testing.T) {
	app, _ := testApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/collect?site=dorm15&sensor=mppt", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// The scheduler's workers are not running, so the key stays in flight.
	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/collect?site=dorm15&sensor=mppt", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for skipped trigger, got %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "skipped" {
		t.Fatalf("expected skipped, got %q", body.Status)
	}
}

// TestCollectUnknownSite rejects sites outside the configuration.
func TestCollectUnknownSite(t *testing.T) {
	app, _ := testApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/collect?site=nowhere&sensor=mppt", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

// TestForecastValidation enforces required parameters and the horizon range.
func TestForecastValidation(t *testing.T) {
	app, _ := testApp(t)

	// Missing horizon.
	resp, err := app.Test(httptest.NewRequest(http.MethodGet,
		"/api/v1/forecast?site=dorm15&sensor=mppt&metric=power", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	// Out-of-range horizon.
	resp, err = app.Test(httptest.NewRequest(http.MethodGet,
		"/api/v1/forecast?site=dorm15&sensor=mppt&metric=power&horizon=100000", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
