package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/tkanos/gonfig"

	"github.com/Buzzkiller7/Photovoltaic-Power-and-Weather-Analytics-Platform/internal/telemetry"
)

// fileConfig mirrors the on-disk configuration document.
type fileConfig struct {
	BaseURL string `json:"base_url"`
	Sites   []struct {
		Name            string            `json:"name"`
		SensorEndpoints map[string]string `json:"sensor_endpoints"`
		PollInterval    string            `json:"poll_interval"`
	} `json:"sites"`
	Credentials struct {
		Token  string `json:"token"`
		Secret string `json:"secret"`
	} `json:"credentials"`
	UTCOffsetMinutes *int `json:"utc_offset_minutes"`
	Retry            struct {
		MaxAttempts int    `json:"max_attempts"`
		BackoffBase string `json:"backoff_base"`
		BackoffMax  string `json:"backoff_max"`
	} `json:"retry"`
	DataDir     string `json:"data_dir"`
	RunLog      string `json:"run_log"`
	HTTPTimeout string `json:"http_timeout"`
	RunDeadline string `json:"run_deadline"`
	Lookback    string `json:"lookback"`
	Workers     int    `json:"workers"`
	PageSize    int    `json:"page_size"`
	Port        string `json:"port"`
}

// Site is one configured installation with its polling interval.
type Site struct {
	Site         telemetry.Site
	PollInterval time.Duration
}

// Retry controls the client's transient-error retry behaviour.
type Retry struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// AppConfig is the fully parsed runtime configuration.
type AppConfig struct {
	BaseURL string
	Sites   []Site

	// Credentials for the telemetry provider. The secret can always be
	// supplied through the environment instead of the config file.
	ClientID string
	Secret   string

	// UTCOffset corrects source-local timestamps before reconciliation.
	UTCOffset time.Duration

	Retry Retry

	DataDir    string
	RunLogPath string

	HTTPTimeout time.Duration
	RunDeadline time.Duration
	Lookback    time.Duration
	Workers     int
	PageSize    int
	Port        string
}

// Load reads the JSON configuration document at path and applies environment
// overrides. Credentials from TUYA_CLIENT_ID / TUYA_SECRET take precedence
// over the file so secrets can stay out of checked-in configuration.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Debugf("no .env file loaded: %v", err)
	}

	var fc fileConfig
	if err := gonfig.GetConf(path, &fc); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &AppConfig{
		BaseURL:    fc.BaseURL,
		ClientID:   fc.Credentials.Token,
		Secret:     fc.Credentials.Secret,
		DataDir:    fc.DataDir,
		RunLogPath: fc.RunLog,
		Workers:    fc.Workers,
		PageSize:   fc.PageSize,
		Port:       fc.Port,
	}

	if v := os.Getenv("TUYA_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("TUYA_SECRET"); v != "" {
		cfg.Secret = v
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openapi.tuyacn.com"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.RunLogPath == "" {
		cfg.RunLogPath = "runs.log"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	// Historically the controller reports in UTC+8.
	offsetMinutes := 480
	if fc.UTCOffsetMinutes != nil {
		offsetMinutes = *fc.UTCOffsetMinutes
	}
	cfg.UTCOffset = time.Duration(offsetMinutes) * time.Minute

	var err error
	if cfg.HTTPTimeout, err = parseDuration(fc.HTTPTimeout, 30*time.Second); err != nil {
		return nil, fmt.Errorf("invalid http_timeout: %w", err)
	}
	if cfg.RunDeadline, err = parseDuration(fc.RunDeadline, 5*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid run_deadline: %w", err)
	}
	if cfg.Lookback, err = parseDuration(fc.Lookback, 30*time.Minute); err != nil {
		return nil, fmt.Errorf("invalid lookback: %w", err)
	}

	cfg.Retry.MaxAttempts = fc.Retry.MaxAttempts
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BackoffBase, err = parseDuration(fc.Retry.BackoffBase, 500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("invalid retry.backoff_base: %w", err)
	}
	if cfg.Retry.BackoffMax, err = parseDuration(fc.Retry.BackoffMax, 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid retry.backoff_max: %w", err)
	}

	for _, s := range fc.Sites {
		if s.Name == "" {
			return nil, fmt.Errorf("site with empty name in config")
		}
		if len(s.SensorEndpoints) == 0 {
			return nil, fmt.Errorf("site %q has no sensor endpoints", s.Name)
		}

		interval, err := parseDuration(s.PollInterval, 15*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("site %q: invalid poll_interval: %w", s.Name, err)
		}

		devices := make(map[telemetry.SensorType]string, len(s.SensorEndpoints))
		for sensor, device := range s.SensorEndpoints {
			devices[telemetry.SensorType(sensor)] = device
		}

		cfg.Sites = append(cfg.Sites, Site{
			Site:         telemetry.Site{Name: s.Name, Devices: devices},
			PollInterval: interval,
		})
	}

	return cfg, nil
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
