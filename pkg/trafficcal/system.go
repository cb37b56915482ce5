package trafficcal

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/api"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/batch"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/cache"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/calibration"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/config"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/directory"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/eval"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/forecast"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/measurement"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/performance"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/publish"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
)

// System holds every component of the engine wired from one Config
type System struct {
	Config      *config.Config
	Store       store.Store
	Directory   *directory.StaticDirectory
	Factors     *calibration.Store
	Engine      *forecast.Engine
	Validator   *eval.Validator
	Recorder    *measurement.Recorder
	Performance *performance.Aggregator
	Batch       *batch.Coordinator

	forecasts *forecast.CachingProvider
	cache     *cache.Cache
	apiClient *api.Client
	publisher publish.Publisher
}

type options struct {
	clock     clock.Clock
	store     store.Store
	provider  forecast.BaseForecastProvider
	publisher publish.Publisher
}

// Option overrides a component NewSystem would otherwise build from config
type Option func(*options)

// WithClock replaces the real clock
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore uses st instead of the configured storage backend
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// WithProvider uses p as the base forecast provider. It is still wrapped by
// the forecast cache.
func WithProvider(p forecast.BaseForecastProvider) Option {
	return func(o *options) { o.provider = p }
}

// WithPublisher uses p instead of the configured Redis feed
func WithPublisher(p publish.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// NewSystem validates cfg and builds the engine. Close releases everything
// it opened.
func NewSystem(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}

	s := &System{Config: cfg}

	s.Store = o.store
	if s.Store == nil {
		st, err := openStore(cfg.Storage)
		if err != nil {
			return nil, err
		}
		s.Store = st
	}

	s.Directory = directory.NewStatic(cfg.Properties)
	s.Factors = calibration.NewStore(s.Store, o.clock, cfg.Cache.FactorTTL)

	provider := o.provider
	if provider == nil {
		if cfg.Remote.Enabled {
			s.apiClient = api.NewClient(cfg.Remote)
			provider = s.apiClient
		} else {
			provider = forecast.NewHistoryProvider(forecast.HistoryConfig{
				LookbackWeeks:         cfg.History.LookbackWeeks,
				SignalSaturation:      cfg.History.SignalSaturation,
				MaxSignalStrength:     cfg.History.MaxSignalStrength,
				MarketFallbackPenalty: cfg.History.MarketFallbackPenalty,
			}, s.Store, s.Directory)
		}
	}
	s.cache = cache.New(cfg.Cache.ForecastTTL, cfg.Cache.ForecastMaxAge, o.clock)
	s.forecasts = forecast.NewCachingProvider(provider, s.cache)

	s.publisher = o.publisher
	if s.publisher == nil && cfg.Publish.Enabled {
		p, err := publish.NewRedisPublisher(ctx, cfg.Publish.RedisURL, cfg.Publish.Channel)
		if err != nil {
			// Predictions are still served without the feed
			klog.ErrorS(err, "Prediction feed unavailable, continuing without publishing",
				"channel", cfg.Publish.Channel)
		} else {
			s.publisher = p
		}
	}

	engineOpts := []forecast.EngineOption{
		forecast.WithDirectory(s.Directory),
		forecast.WithClock(o.clock),
	}
	if s.publisher != nil {
		engineOpts = append(engineOpts, forecast.WithPublisher(s.publisher))
	}
	s.Engine = forecast.NewEngine(forecast.Config{
		ModelVersion:   cfg.Engine.ModelVersion,
		StackDampening: cfg.Engine.StackDampening,
		Location:       cfg.Location(),
	}, s.forecasts, s.Factors, s.Store, engineOpts...)

	s.Validator = eval.NewValidator(s.Store, o.clock)
	s.Recorder = measurement.NewRecorder(measurement.Config{
		ModelVersion:      cfg.Engine.ModelVersion,
		DefaultConfidence: cfg.Engine.DefaultMeasurementConfidence,
	}, s.Store, s.Validator,
		measurement.WithInvalidator(s.forecasts),
		measurement.WithDirectory(s.Directory),
		measurement.WithClock(o.clock))
	s.Performance = performance.NewAggregator(s.Store, o.clock)
	s.Batch = batch.NewCoordinator(s.Engine, cfg.Batch.Workers, cfg.Batch.PropertyTimeout)

	klog.InfoS("Traffic calibration engine initialized",
		"modelVersion", s.Engine.ModelVersion(),
		"storage", cfg.Storage.Driver,
		"remoteForecasts", s.apiClient != nil,
		"publishing", s.publisher != nil,
		"properties", len(cfg.Properties))

	return s, nil
}

func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store at %s: %w", cfg.Path, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Properties returns every property known to the directory
func (s *System) Properties() []string {
	return s.Directory.Properties()
}

// Health reports whether the storage backend answers
func (s *System) Health(ctx context.Context) error {
	if _, err := s.Store.ListSnapshots(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

// Close cleans up resources
func (s *System) Close() error {
	var errs []error
	s.cache.Close()
	if s.apiClient != nil {
		s.apiClient.Close()
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if err := s.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
