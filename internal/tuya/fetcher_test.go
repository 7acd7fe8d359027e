package tuya

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

func testWindow() telemetry.Window {
	return telemetry.Window{
		From: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
	}
}

func fetcherSite() telemetry.Site {
	return telemetry.Site{
		Name:    "dorm15",
		Devices: map[telemetry.SensorType]string{telemetry.SensorMPPT: "dev-1"},
	}
}

func logEntry(code, value string, eventTime int64) map[string]interface{} {
	return map[string]interface{}{
		"code":       code,
		"value":      value,
		"event_time": eventTime,
	}
}

// TestFetchPaginates follows last_row_key across pages and collects every
// numeric reading.
func TestFetchPaginates(t *testing.T) {
	base := testWindow().From.UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.0/token" {
			writeEnvelope(w, true, 0, tokenResult())
			return
		}
		if r.URL.Query().Get("last_row_key") == "" {
			writeEnvelope(w, true, 0, map[string]interface{}{
				"logs": []interface{}{
					logEntry("power", "5.5", base),
					logEntry("voltage", "12.1", base+1000),
				},
				"has_next":     true,
				"next_row_key": "page-2",
			})
			return
		}
		writeEnvelope(w, true, 0, map[string]interface{}{
			"logs": []interface{}{
				logEntry("power", "6.0", base+60000),
			},
			"has_next": false,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, Credential{ClientID: "client", Secret: "secret"}, testBackoff())
	f := NewFetcher(c, 100)

	res, err := f.Fetch(context.Background(), fetcherSite(), telemetry.SensorMPPT, testWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Partial {
		t.Fatal("expected complete fetch")
	}
	if len(res.Readings) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(res.Readings))
	}
	if res.Readings[0].Metrics["power"] != 5.5 {
		t.Fatalf("unexpected first reading: %+v", res.Readings[0])
	}
}

// TestFetchPartialOnMidPaginationFailure returns the successful pages with
// the partial marker instead of discarding them.
func TestFetchPartialOnMidPaginationFailure(t *testing.T) {
	base := testWindow().From.UnixMilli()
	var dataCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.0/token" {
			writeEnvelope(w, true, 0, tokenResult())
			return
		}
		if atomic.AddInt32(&dataCalls, 1) == 1 {
			writeEnvelope(w, true, 0, map[string]interface{}{
				"logs": []interface{}{
					logEntry("power", "5.5", base),
					logEntry("power", "5.7", base+30000),
				},
				"has_next":     true,
				"next_row_key": "page-2",
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, Credential{ClientID: "client", Secret: "secret"}, testBackoff())
	f := NewFetcher(c, 100)

	res, err := f.Fetch(context.Background(), fetcherSite(), telemetry.SensorMPPT, testWindow())
	if err != nil {
		t.Fatalf("partial fetch must not be an error: %v", err)
	}
	if !res.Partial {
		t.Fatal("expected partial result")
	}
	if len(res.Readings) != 2 {
		t.Fatalf("expected 2 readings from the first page, got %d", len(res.Readings))
	}
	if res.Err == nil {
		t.Fatal("partial result must carry the causal error")
	}
}

// TestFetchFirstPageFailureIsError: nothing fetched means a plain error.
func TestFetchFirstPageFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.0/token" {
			writeEnvelope(w, true, 0, tokenResult())
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, Credential{ClientID: "client", Secret: "secret"}, testBackoff())
	f := NewFetcher(c, 100)

	_, err := f.Fetch(context.Background(), fetcherSite(), telemetry.SensorMPPT, testWindow())
	if err == nil {
		t.Fatal("expected error when the first page fails")
	}
	if !telemetry.IsTransient(err) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

// TestFetchSkipsNonMeasurementRows drops state codes and non-numeric values
// but keeps zero-timestamp rows for the reconciler to count.
func TestFetchSkipsNonMeasurementRows(t *testing.T) {
	base := testWindow().From.UnixMilli()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1.0/token" {
			writeEnvelope(w, true, 0, tokenResult())
			return
		}
		writeEnvelope(w, true, 0, map[string]interface{}{
			"logs": []interface{}{
				logEntry("power", "5.5", base),
				logEntry("fault_code", "3", base),
				logEntry("work_state", "1", base),
				logEntry("mode", "auto", base),
				logEntry("power", "6.5", 0),
			},
			"has_next": false,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, Credential{ClientID: "client", Secret: "secret"}, testBackoff())
	f := NewFetcher(c, 100)

	res, err := f.Fetch(context.Background(), fetcherSite(), telemetry.SensorMPPT, testWindow())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Readings) != 2 {
		t.Fatalf("expected 2 readings (one valid, one zero-timestamp), got %d", len(res.Readings))
	}
	if !res.Readings[1].Timestamp.IsZero() {
		t.Fatal("zero event_time must map to a zero timestamp")
	}
}

// TestFetchUnknownSensor fails before any network call.
func TestFetchUnknownSensor(t *testing.T) {
	c := NewClient(&http.Client{}, "http://localhost:0", Credential{}, testBackoff())
	f := NewFetcher(c, 100)

	_, err := f.Fetch(context.Background(), fetcherSite(), telemetry.SensorWeather, testWindow())
	if err == nil {
		t.Fatal("expected error for unconfigured sensor")
	}
}
