package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
)

const (
	// ConfigPathEnv names the optional YAML file read before env overrides
	ConfigPathEnv = "TRAFFICCAL_CONFIG"

	propertyEnvPrefix = "TRAFFICCAL_PROPERTY_"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ModelVersion:                 common.DefaultModelVersion,
			StackDampening:               common.DefaultStackDampening,
			Timezone:                     "UTC",
			DefaultMeasurementConfidence: common.DefaultMeasurementConfidence,
		},
		History: HistoryConfig{
			LookbackWeeks:         common.DefaultHistoryLookbackWeeks,
			SignalSaturation:      common.DefaultSignalSaturation,
			MaxSignalStrength:     common.DefaultMaxSignalStrength,
			MarketFallbackPenalty: common.DefaultMarketFallbackPenalty,
		},
		Remote: RemoteConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 3,
			RetryDelay: time.Second,
			RateLimit:  10,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "/var/lib/trafficcal/trafficcal.db",
		},
		Cache: CacheConfig{
			FactorTTL:      common.DefaultFactorCacheTTL,
			ForecastTTL:    common.DefaultForecastCacheTTL,
			ForecastMaxAge: common.DefaultForecastMaxAge,
		},
		Batch: BatchConfig{
			Workers:         common.DefaultBatchWorkers,
			PropertyTimeout: common.DefaultPropertyTimeout,
		},
		Publish: PublishConfig{
			Channel: common.DefaultPublishChannel,
		},
		Performance: PerformanceConfig{
			SnapshotMonths: common.DefaultSnapshotMonths,
		},
		Schedule: ScheduleConfig{
			SnapshotRefresh: "15 * * * *",
			BatchPredict:    "0 6 * * 1",
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
		},
		Properties: map[string]string{},
	}
}

// LoadFromEnv loads configuration from the file named by TRAFFICCAL_CONFIG
// (if set) and then applies environment variable overrides
func LoadFromEnv() (*Config, error) {
	return Load(os.Getenv(ConfigPathEnv))
}

// Load reads defaults, then the YAML file at path (skipped when empty), then
// environment overrides, and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	klog.V(2).InfoS("Loaded configuration",
		"file", path,
		"modelVersion", cfg.Engine.ModelVersion,
		"storageDriver", cfg.Storage.Driver,
		"remoteProvider", cfg.Remote.Enabled,
		"publish", cfg.Publish.Enabled,
		"properties", len(cfg.Properties))

	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Properties == nil {
		cfg.Properties = map[string]string{}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Engine.ModelVersion = getEnvOrDefault("MODEL_VERSION", cfg.Engine.ModelVersion)
	cfg.Engine.StackDampening = getFloatOrDefault("STACK_DAMPENING", cfg.Engine.StackDampening)
	cfg.Engine.Timezone = getEnvOrDefault("TIMEZONE", cfg.Engine.Timezone)
	cfg.Engine.DefaultMeasurementConfidence = getFloatOrDefault("DEFAULT_MEASUREMENT_CONFIDENCE", cfg.Engine.DefaultMeasurementConfidence)

	cfg.History.LookbackWeeks = getIntOrDefault("HISTORY_LOOKBACK_WEEKS", cfg.History.LookbackWeeks)
	cfg.History.SignalSaturation = getFloatOrDefault("HISTORY_SIGNAL_SATURATION", cfg.History.SignalSaturation)
	cfg.History.MaxSignalStrength = getFloatOrDefault("HISTORY_MAX_SIGNAL_STRENGTH", cfg.History.MaxSignalStrength)
	cfg.History.MarketFallbackPenalty = getFloatOrDefault("HISTORY_MARKET_FALLBACK_PENALTY", cfg.History.MarketFallbackPenalty)

	cfg.Remote.Enabled = getBoolOrDefault("FORECAST_API_ENABLED", cfg.Remote.Enabled)
	cfg.Remote.URL = getEnvOrDefault("FORECAST_API_URL", cfg.Remote.URL)
	cfg.Remote.APIKey = getEnvOrDefault("FORECAST_API_KEY", cfg.Remote.APIKey)
	cfg.Remote.Timeout = getDurationOrDefault("FORECAST_API_TIMEOUT", cfg.Remote.Timeout)
	cfg.Remote.MaxRetries = getIntOrDefault("FORECAST_API_MAX_RETRIES", cfg.Remote.MaxRetries)
	cfg.Remote.RetryDelay = getDurationOrDefault("FORECAST_API_RETRY_DELAY", cfg.Remote.RetryDelay)
	cfg.Remote.RateLimit = getIntOrDefault("FORECAST_API_RATE_LIMIT", cfg.Remote.RateLimit)

	cfg.Storage.Driver = getEnvOrDefault("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.Path = getEnvOrDefault("STORAGE_PATH", cfg.Storage.Path)

	cfg.Cache.FactorTTL = getDurationOrDefault("FACTOR_CACHE_TTL", cfg.Cache.FactorTTL)
	cfg.Cache.ForecastTTL = getDurationOrDefault("FORECAST_CACHE_TTL", cfg.Cache.ForecastTTL)
	cfg.Cache.ForecastMaxAge = getDurationOrDefault("FORECAST_CACHE_MAX_AGE", cfg.Cache.ForecastMaxAge)

	cfg.Batch.Workers = getIntOrDefault("BATCH_WORKERS", cfg.Batch.Workers)
	cfg.Batch.PropertyTimeout = getDurationOrDefault("BATCH_PROPERTY_TIMEOUT", cfg.Batch.PropertyTimeout)

	cfg.Publish.Enabled = getBoolOrDefault("PUBLISH_ENABLED", cfg.Publish.Enabled)
	cfg.Publish.RedisURL = getEnvOrDefault("REDIS_URL", cfg.Publish.RedisURL)
	cfg.Publish.Channel = getEnvOrDefault("PUBLISH_CHANNEL", cfg.Publish.Channel)

	cfg.Performance.SnapshotMonths = getIntOrDefault("SNAPSHOT_MONTHS", cfg.Performance.SnapshotMonths)

	cfg.Schedule.SnapshotRefresh = getEnvOrDefault("SNAPSHOT_REFRESH_SCHEDULE", cfg.Schedule.SnapshotRefresh)
	cfg.Schedule.BatchPredict = getEnvOrDefault("BATCH_PREDICT_SCHEDULE", cfg.Schedule.BatchPredict)

	cfg.Observability.MetricsEnabled = getBoolOrDefault("METRICS_ENABLED", cfg.Observability.MetricsEnabled)
	cfg.Observability.MetricsAddr = getEnvOrDefault("METRICS_ADDR", cfg.Observability.MetricsAddr)

	for property, market := range loadPropertyMarkets() {
		cfg.Properties[property] = market
	}
}

// loadPropertyMarkets reads TRAFFICCAL_PROPERTY_<ID>=<market> variables
func loadPropertyMarkets() map[string]string {
	markets := make(map[string]string)
	for _, env := range os.Environ() {
		name, value, found := strings.Cut(env, "=")
		if !found || !strings.HasPrefix(name, propertyEnvPrefix) {
			continue
		}
		property := strings.TrimPrefix(name, propertyEnvPrefix)
		if property != "" && strings.TrimSpace(value) != "" {
			markets[property] = strings.TrimSpace(value)
		}
	}
	return markets
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.Atoi(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid integer value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := strconv.ParseFloat(strValue, 64); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid float value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if strValue := os.Getenv(key); strValue != "" {
		value, err := strconv.ParseBool(strValue)
		if err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid boolean value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if strValue := os.Getenv(key); strValue != "" {
		if value, err := time.ParseDuration(strValue); err == nil {
			return value
		}
		klog.V(2).InfoS("Invalid duration value, using default",
			"key", key,
			"value", strValue,
			"default", defaultValue)
	}
	return defaultValue
}
