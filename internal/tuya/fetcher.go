package tuya

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/common"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

// Device report logs are retrieved as status events: one row per data point
// update, paginated by row key.
const (
	logsPathFmt   = "/v1.0/devices/%s/logs"
	eventTypeData = "7"
)

// Fetcher pulls raw readings for a (site, sensor, window) from the provider,
// page by page. It implements telemetry.Fetcher.
type Fetcher struct {
	client   *Client
	pageSize int
}

// NewFetcher creates a Fetcher. pageSize caps rows per page request.
func NewFetcher(client *Client, pageSize int) *Fetcher {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Fetcher{client: client, pageSize: pageSize}
}

type logRow struct {
	Code      string `json:"code"`
	Value     string `json:"value"`
	EventTime int64  `json:"event_time"`
}

type logsPage struct {
	Logs       []logRow `json:"logs"`
	HasNext    bool     `json:"has_next"`
	NextRowKey string   `json:"next_row_key"`
}

// Fetch pages the device's report log for the window. If pagination fails
// after at least one page succeeded, the readings collected so far are
// returned with the partial flag set instead of being discarded; the caller
// decides whether partial data is worth persisting.
func (f *Fetcher) Fetch(ctx context.Context, site telemetry.Site, sensor telemetry.SensorType, window telemetry.Window) (telemetry.FetchResult, error) {
	deviceID, ok := site.Devices[sensor]
	if ok && deviceID == "" {
		ok = false
	}
	if !ok {
		return telemetry.FetchResult{}, fmt.Errorf("site %q has no device for sensor %q", site.Name, sensor)
	}

	var (
		readings []telemetry.Reading
		rowKey   string
		pages    int
	)

	for {
		page, err := f.fetchPage(ctx, deviceID, window, rowKey)
		if err != nil {
			if pages == 0 {
				return telemetry.FetchResult{}, err
			}
			return telemetry.FetchResult{Readings: readings, Partial: true, Err: err}, nil
		}
		pages++

		for _, row := range page.Logs {
			r, ok := f.toReading(site.Name, sensor, row)
			if !ok {
				continue
			}
			readings = append(readings, r)
		}

		if !page.HasNext || page.NextRowKey == "" {
			break
		}
		rowKey = page.NextRowKey
	}

	log.WithFields(log.Fields{
		"site":   site.Name,
		"sensor": sensor,
	}).Debugf("fetched %d readings over %d pages", len(readings), pages)

	return telemetry.FetchResult{Readings: readings}, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, deviceID string, window telemetry.Window, rowKey string) (logsPage, error) {
	query := url.Values{}
	query.Set("type", eventTypeData)
	query.Set("start_time", strconv.FormatInt(window.From.UnixMilli(), 10))
	query.Set("end_time", strconv.FormatInt(window.To.UnixMilli(), 10))
	query.Set("size", strconv.Itoa(f.pageSize))
	if rowKey != "" {
		query.Set("last_row_key", rowKey)
	}

	result, err := f.client.Get(ctx, fmt.Sprintf(logsPathFmt, deviceID), query)
	if err != nil {
		return logsPage{}, err
	}

	var page logsPage
	if err := json.Unmarshal(result, &page); err != nil {
		return logsPage{}, fmt.Errorf("decode logs page: %w", err)
	}
	return page, nil
}

// toReading converts one provider log row. Rows without a timestamp are kept
// so the reconciler can count them as dropped; rows with a non-numeric value
// carry no usable metric and are skipped here.
func (f *Fetcher) toReading(site string, sensor telemetry.SensorType, row logRow) (telemetry.Reading, bool) {
	// Switch states and fault bitmaps report numerically but are not
	// measurements.
	if common.HasAny(strings.ToLower(row.Code), "fault", "switch", "state") {
		return telemetry.Reading{}, false
	}

	value, err := strconv.ParseFloat(row.Value, 64)
	if err != nil {
		log.Debugf("skipping non-numeric value for %s: %q", row.Code, row.Value)
		return telemetry.Reading{}, false
	}

	var ts time.Time
	if row.EventTime > 0 {
		ts = time.UnixMilli(row.EventTime).UTC()
	}

	return telemetry.Reading{
		Site:      site,
		Sensor:    sensor,
		Timestamp: ts,
		Metrics:   map[string]float64{row.Code: value},
	}, true
}
