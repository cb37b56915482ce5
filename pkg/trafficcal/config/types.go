package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// CronParser accepts standard 5-field cron expressions (minute hour
// day-of-month month day-of-week) and descriptors such as @hourly
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config holds all configuration for the traffic calibration engine
type Config struct {
	Engine        EngineConfig        `yaml:"engine"`
	History       HistoryConfig       `yaml:"history"`
	Remote        RemoteConfig        `yaml:"remote"`
	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Batch         BatchConfig         `yaml:"batch"`
	Publish       PublishConfig       `yaml:"publish"`
	Performance   PerformanceConfig   `yaml:"performance"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Observability ObservabilityConfig `yaml:"observability"`
	Properties    map[string]string   `yaml:"properties"` // property ID -> market
}

// EngineConfig holds prediction engine settings
type EngineConfig struct {
	ModelVersion                 string  `yaml:"modelVersion"`
	StackDampening               float64 `yaml:"stackDampening"`
	Timezone                     string  `yaml:"timezone"` // IANA name used to derive the current week
	DefaultMeasurementConfidence float64 `yaml:"defaultMeasurementConfidence"`
}

// HistoryConfig tunes the history-based forecast provider
type HistoryConfig struct {
	LookbackWeeks         int     `yaml:"lookbackWeeks"`
	SignalSaturation      float64 `yaml:"signalSaturation"`
	MaxSignalStrength     float64 `yaml:"maxSignalStrength"`
	MarketFallbackPenalty float64 `yaml:"marketFallbackPenalty"`
}

// RemoteConfig configures the HTTP forecast provider. When disabled the
// history provider is used.
type RemoteConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"apiKey"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	RateLimit  int           `yaml:"rateLimit"` // requests per second
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// CacheConfig holds cache lifetimes
type CacheConfig struct {
	FactorTTL      time.Duration `yaml:"factorTTL"`
	ForecastTTL    time.Duration `yaml:"forecastTTL"`
	ForecastMaxAge time.Duration `yaml:"forecastMaxAge"`
}

// BatchConfig bounds batch prediction
type BatchConfig struct {
	Workers         int           `yaml:"workers"`
	PropertyTimeout time.Duration `yaml:"propertyTimeout"`
}

// PublishConfig configures the Redis prediction feed
type PublishConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RedisURL string `yaml:"redisUrl"`
	Channel  string `yaml:"channel"`
}

// PerformanceConfig holds accuracy tracking settings
type PerformanceConfig struct {
	SnapshotMonths int `yaml:"snapshotMonths"`
}

// ScheduleConfig holds cron expressions for serve mode. Empty disables a job.
type ScheduleConfig struct {
	SnapshotRefresh string `yaml:"snapshotRefresh"`
	BatchPredict    string `yaml:"batchPredict"`
}

// ObservabilityConfig holds configuration for monitoring
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metricsEnabled"`
	MetricsAddr    string `yaml:"metricsAddr"`
}

// Validate performs validation of the configuration and reports every problem found
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Engine.ModelVersion) == "" {
		errs = append(errs, fmt.Errorf("engine.modelVersion is required"))
	}
	if c.Engine.StackDampening < 0 || c.Engine.StackDampening >= 1 {
		errs = append(errs, fmt.Errorf("engine.stackDampening must be in [0, 1), got %v", c.Engine.StackDampening))
	}
	if c.Engine.DefaultMeasurementConfidence < 0 || c.Engine.DefaultMeasurementConfidence > 1 {
		errs = append(errs, fmt.Errorf("engine.defaultMeasurementConfidence must be in [0, 1], got %v",
			c.Engine.DefaultMeasurementConfidence))
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %v", err))
	}

	if c.History.LookbackWeeks <= 0 {
		errs = append(errs, fmt.Errorf("history.lookbackWeeks must be positive"))
	}
	if c.History.SignalSaturation <= 0 {
		errs = append(errs, fmt.Errorf("history.signalSaturation must be positive"))
	}
	if c.History.MaxSignalStrength <= 0 || c.History.MaxSignalStrength > 1 {
		errs = append(errs, fmt.Errorf("history.maxSignalStrength must be in (0, 1]"))
	}
	if c.History.MarketFallbackPenalty <= 0 || c.History.MarketFallbackPenalty > 1 {
		errs = append(errs, fmt.Errorf("history.marketFallbackPenalty must be in (0, 1]"))
	}

	if c.Remote.Enabled {
		if _, err := url.ParseRequestURI(c.Remote.URL); err != nil {
			errs = append(errs, fmt.Errorf("remote.url is invalid: %v", err))
		}
		if c.Remote.RateLimit <= 0 {
			errs = append(errs, fmt.Errorf("remote.rateLimit must be positive"))
		}
		if c.Remote.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("remote.maxRetries must not be negative"))
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver))
	}

	if c.Batch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("batch.workers must be positive"))
	}
	if c.Batch.PropertyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("batch.propertyTimeout must be positive"))
	}

	if c.Publish.Enabled && c.Publish.RedisURL == "" {
		errs = append(errs, fmt.Errorf("publish.redisUrl is required when publishing is enabled"))
	}

	if c.Performance.SnapshotMonths <= 0 {
		errs = append(errs, fmt.Errorf("performance.snapshotMonths must be positive"))
	}

	for name, spec := range map[string]string{
		"schedule.snapshotRefresh": c.Schedule.SnapshotRefresh,
		"schedule.batchPredict":    c.Schedule.BatchPredict,
	} {
		if spec == "" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid cron expression %q: %v", name, spec, err))
		}
	}

	for property, market := range c.Properties {
		if strings.TrimSpace(property) == "" || strings.TrimSpace(market) == "" {
			errs = append(errs, fmt.Errorf("properties: empty property or market in %q -> %q", property, market))
		}
	}

	return utilerrors.NewAggregate(errs)
}

// Location returns the configured timezone, UTC when unset or invalid
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
