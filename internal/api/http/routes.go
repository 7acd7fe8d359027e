package httpapi

import (
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/forecast"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/scheduler"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/store"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

var validate = validator.New()

// Deps bundles what the dashboard-facing API reads from. The API never
// writes partitions or run records; its only mutation is handing one-shot
// triggers to the scheduler.
type Deps struct {
	Partitions *store.PartitionStore
	Runs       *store.RunLog
	Scheduler  *scheduler.Scheduler
	Sites      map[string]telemetry.Site

	// NewModel supplies the forecasting capability per request.
	NewModel func() forecast.Model
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	v1 := app.Group("/api/v1")

	v1.Get("/partitions", func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		buckets, err := deps.Partitions.ReadRange(req.Site, req.From, req.To)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no data for requested range")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read partitions")
		}

		return c.JSON(fiber.Map{
			"site":    req.Site,
			"from":    req.From,
			"to":      req.To,
			"buckets": buckets,
		})
	})

	v1.Get("/runs", func(c *fiber.Ctx) error {
		var req rangeQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		runs := deps.Runs.List(req.Site, req.From, req.To)
		return c.JSON(fiber.Map{
			"site": req.Site,
			"runs": runs,
		})
	})

	v1.Get("/runs/latest", func(c *fiber.Ctx) error {
		req, err := parseTaskQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		run, ok := deps.Runs.Latest(req.Site, telemetry.SensorType(req.Sensor))
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "no runs recorded for site and sensor")
		}
		return c.JSON(run)
	})

	v1.Post("/collect", func(c *fiber.Ctx) error {
		req, err := parseTaskQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		site, ok := deps.Sites[req.Site]
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown site")
		}
		if _, ok := site.Devices[telemetry.SensorType(req.Sensor)]; !ok {
			return fiber.NewError(fiber.StatusNotFound, "unknown sensor for site")
		}

		if deps.Scheduler.Trigger(site, telemetry.SensorType(req.Sensor)) {
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
		}
		return c.JSON(fiber.Map{"status": "skipped", "reason": "run already in flight"})
	})

	v1.Get("/forecast", func(c *fiber.Ctx) error {
		var req forecastQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		now := time.Now().UTC()
		history, err := deps.Partitions.ReadRange(req.Site, now.AddDate(0, 0, -7), now)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no history for requested site")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read history")
		}

		sensor := telemetry.SensorType(req.Sensor)
		filtered := make([]telemetry.MinuteBucket, 0, len(history))
		for _, b := range history {
			if b.Sensor == sensor {
				filtered = append(filtered, b)
			}
		}

		prediction, err := forecast.Forecast(filtered, req.Metric, req.Horizon, time.Minute, deps.NewModel())
		if err != nil {
			return fiber.NewError(fiber.StatusUnprocessableEntity, err.Error())
		}
		return c.JSON(prediction)
	})
}

// taskQuery identifies one (site, sensor) collection task.
type taskQuery struct {
	Site   string `validate:"required"`
	Sensor string `validate:"required,oneof=mppt weather"`
}

func parseTaskQuery(c *fiber.Ctx) (taskQuery, error) {
	q := taskQuery{
		Site:   c.Query("site"),
		Sensor: c.Query("sensor"),
	}
	if err := validate.Struct(q); err != nil {
		return q, err
	}
	return q, nil
}

// rangeQuery holds site plus a time range.
type rangeQuery struct {
	Site string    `validate:"required"`
	From time.Time `validate:"required"`
	To   time.Time `validate:"required,gtefield=From"`
}

func (r *rangeQuery) bind(c *fiber.Ctx) error {
	r.Site = c.Query("site")

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return errors.New("from and to query parameters are required")
	}

	from, err := parseTime(fromStr)
	if err != nil {
		return err
	}
	to, err := parseTime(toStr)
	if err != nil {
		return err
	}

	r.From = from
	r.To = to
	return validate.Struct(r)
}

// forecastQuery holds parameters for the forecast endpoint.
type forecastQuery struct {
	Site    string `validate:"required"`
	Sensor  string `validate:"required,oneof=mppt weather"`
	Metric  string `validate:"required"`
	Horizon int    `validate:"required,gte=1,lte=1440"`
}

func (f *forecastQuery) bind(c *fiber.Ctx) error {
	f.Site = c.Query("site")
	f.Sensor = c.Query("sensor")
	f.Metric = c.Query("metric")

	horizonStr := c.Query("horizon")
	if horizonStr != "" {
		horizon, err := strconv.Atoi(horizonStr)
		if err != nil {
			return errors.New("horizon must be an integer")
		}
		f.Horizon = horizon
	}

	return validate.Struct(f)
}

// parseTime tries to parse either RFC3339 or Unix seconds.
func parseTime(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, errors.New("invalid time format; use RFC3339 or unix seconds")
}
