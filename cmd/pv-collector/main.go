package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	httpapi "github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/api/http"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/config"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/forecast"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/scheduler"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/store"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/tuya"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Shared HTTP client for outbound provider calls; its timeout bounds
	// every individual request.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	client := tuya.NewClient(httpClient, cfg.BaseURL,
		tuya.Credential{ClientID: cfg.ClientID, Secret: cfg.Secret},
		tuya.BackoffConfig{
			MaxRetries:      cfg.Retry.MaxAttempts - 1,
			InitialInterval: cfg.Retry.BackoffBase,
			MaxInterval:     cfg.Retry.BackoffMax,
		})
	fetcher := tuya.NewFetcher(client, cfg.PageSize)

	partitions := store.NewPartitionStore(cfg.DataDir)
	runLog, err := store.OpenRunLog(cfg.RunLogPath)
	if err != nil {
		log.Fatalf("failed to open run log: %v", err)
	}

	service := telemetry.NewService(fetcher, partitions, cfg.UTCOffset)

	schedules := make([]scheduler.SiteSchedule, 0, len(cfg.Sites))
	sites := make(map[string]telemetry.Site, len(cfg.Sites))
	for _, s := range cfg.Sites {
		schedules = append(schedules, scheduler.SiteSchedule{Site: s.Site, Interval: s.PollInterval})
		sites[s.Site.Name] = s.Site
	}

	sched := scheduler.New(schedules, service, runLog, cfg.Workers, cfg.RunDeadline, cfg.Lookback)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "pv-collector",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "pv-collector",
		})
	})

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Partitions: partitions,
		Runs:       runLog,
		Scheduler:  sched,
		Sites:      sites,
		NewModel:   func() forecast.Model { return forecast.NewTrendModel() },
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Errorf("fiber server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorf("error during shutdown: %v", err)
	}
}
