package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/calibration"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/directory"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/metrics"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/publish"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// Engine produces calibrated weekly predictions and persists them
type Engine struct {
	provider  BaseForecastProvider
	factors   *calibration.Store
	store     store.Store
	directory directory.Directory
	publisher publish.Publisher
	clock     clock.Clock
	config    Config
}

// EngineOption configures optional Engine collaborators
type EngineOption func(*Engine)

// WithDirectory enables market-scoped calibration factors
func WithDirectory(d directory.Directory) EngineOption {
	return func(e *Engine) {
		e.directory = d
	}
}

// WithPublisher publishes every stored prediction
func WithPublisher(p publish.Publisher) EngineOption {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithClock overrides the engine clock
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// NewEngine creates a prediction engine
func NewEngine(config Config, provider BaseForecastProvider, factors *calibration.Store, st store.Store, opts ...EngineOption) *Engine {
	if config.ModelVersion == "" {
		config.ModelVersion = common.DefaultModelVersion
	}
	if config.StackDampening < 0 || config.StackDampening >= 1 || math.IsNaN(config.StackDampening) {
		config.StackDampening = common.DefaultStackDampening
	}
	if config.Location == nil {
		config.Location = time.UTC
	}

	e := &Engine{
		provider: provider,
		factors:  factors,
		store:    st,
		clock:    clock.RealClock{},
		config:   config,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ModelVersion returns the version stamped on new predictions
func (e *Engine) ModelVersion() string {
	return e.config.ModelVersion
}

// Predict produces, stores and returns a prediction for the property. A nil
// target predicts the current week.
func (e *Engine) Predict(ctx context.Context, propertyID string, target *types.Bucket) (*types.Prediction, error) {
	start := e.clock.Now()
	defer func() {
		metrics.PredictionLatency.Observe(e.clock.Since(start).Seconds())
	}()

	if strings.TrimSpace(propertyID) == "" {
		metrics.PredictionsTotal.WithLabelValues("invalid_input").Inc()
		return nil, fmt.Errorf("%w: property id is required", common.ErrInvalidInput)
	}

	bucket := types.BucketFor(start.In(e.config.Location))
	if target != nil {
		if !target.Valid() {
			metrics.PredictionsTotal.WithLabelValues("invalid_input").Inc()
			return nil, fmt.Errorf("%w: invalid bucket %s", common.ErrInvalidInput, target)
		}
		bucket = *target
	}

	base, err := e.provider.BaseForecast(ctx, propertyID, bucket)
	if err != nil {
		if errors.Is(err, common.ErrNoHistoricalData) {
			metrics.PredictionsTotal.WithLabelValues("no_historical_data").Inc()
		} else {
			metrics.PredictionsTotal.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("base forecast for property %s: %w", propertyID, err)
	}
	if math.IsNaN(base.RawForecast) || math.IsInf(base.RawForecast, 0) {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("provider returned non-finite forecast %v for property %s", base.RawForecast, propertyID)
	}

	market := ""
	scopes := []types.Scope{{Type: common.FactorTypeProperty, Key: propertyID}}
	if e.directory != nil {
		market, err = e.directory.MarketOf(ctx, propertyID)
		if err != nil {
			metrics.PredictionsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to resolve market for property %s: %w", propertyID, err)
		}
		if market != "" {
			scopes = append(scopes, types.Scope{Type: common.FactorTypeMarket, Key: market})
		}
	}

	factors, err := e.factors.ActiveFactors(ctx, scopes)
	if err != nil {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load calibration factors: %w", err)
	}

	multiplier := calibration.Compose(factors)
	walkIns := int64(math.Max(0, math.Round(base.RawForecast*multiplier)))
	score := ConfidenceScore(base.SignalStrength, len(factors), e.config.StackDampening)

	// The provider may have been slow; don't persist work the caller gave up on
	if err := ctx.Err(); err != nil {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("prediction for property %s abandoned: %w", propertyID, err)
	}

	prediction := &types.Prediction{
		ID:            uuid.NewString(),
		PropertyID:    propertyID,
		Week:          bucket.Week,
		Year:          bucket.Year,
		WeeklyWalkIns: walkIns,
		Confidence: types.Confidence{
			Score: score,
			Tier:  types.TierForScore(score),
		},
		ModelVersion:     e.config.ModelVersion,
		CreatedAt:        e.clock.Now(),
		Market:           market,
		BaseForecast:     base.RawForecast,
		SignalStrength:   base.SignalStrength,
		Multiplier:       multiplier,
		AppliedFactorIDs: calibration.IDs(factors),
		Source:           base.Source,
	}

	if err := e.store.SavePrediction(ctx, prediction); err != nil {
		metrics.PredictionsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to store prediction: %w", err)
	}

	metrics.PredictionsTotal.WithLabelValues("success").Inc()
	metrics.PredictionConfidence.WithLabelValues(string(prediction.Confidence.Tier)).Observe(score)

	klog.V(2).InfoS("Stored prediction",
		"propertyID", propertyID,
		"bucket", bucket.String(),
		"weeklyWalkIns", walkIns,
		"rawForecast", base.RawForecast,
		"multiplier", multiplier,
		"factors", len(factors),
		"confidence", score,
		"tier", prediction.Confidence.Tier,
		"source", base.Source)

	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, prediction); err != nil {
			metrics.PublishFailures.Inc()
			klog.ErrorS(err, "Failed to publish prediction", "propertyID", propertyID, "id", prediction.ID)
		}
	}

	return prediction, nil
}

// ConfidenceScore derives the prediction confidence from the provider's
// signal strength and the number of applied factors. The first factor costs
// nothing; each additional one multiplies the score by (1 - dampening).
func ConfidenceScore(signal float64, appliedFactors int, dampening float64) float64 {
	score := clamp01(signal)
	if appliedFactors > 1 {
		score *= math.Pow(1-dampening, float64(appliedFactors-1))
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
