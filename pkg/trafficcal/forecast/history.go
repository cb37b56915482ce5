package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/directory"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// HistoryProvider forecasts from recorded measurements: the
// confidence-weighted mean of the property's weekly walk-ins in the weeks
// before the target. The average of the property's market peers, with a
// weaker signal, is used instead whenever it is the better supported
// estimate, so adding data never lowers the signal.
type HistoryProvider struct {
	store     store.Store
	directory directory.Directory
	config    HistoryConfig
}

// NewHistoryProvider creates a history provider. The directory may be nil,
// which disables the market fallback.
func NewHistoryProvider(config HistoryConfig, st store.Store, dir directory.Directory) *HistoryProvider {
	if config.LookbackWeeks <= 0 {
		config.LookbackWeeks = common.DefaultHistoryLookbackWeeks
	}
	if config.SignalSaturation <= 0 {
		config.SignalSaturation = common.DefaultSignalSaturation
	}
	if config.MaxSignalStrength <= 0 || config.MaxSignalStrength > 1 {
		config.MaxSignalStrength = common.DefaultMaxSignalStrength
	}
	if config.MarketFallbackPenalty <= 0 || config.MarketFallbackPenalty > 1 {
		config.MarketFallbackPenalty = common.DefaultMarketFallbackPenalty
	}
	return &HistoryProvider{
		store:     st,
		directory: dir,
		config:    config,
	}
}

// BaseForecast only looks at measurements from the LookbackWeeks weeks
// before the target bucket. The target week and anything after it are never
// used, whatever the current time.
func (h *HistoryProvider) BaseForecast(ctx context.Context, propertyID string, bucket types.Bucket) (*types.BaseForecast, error) {
	since := bucket.Start().AddDate(0, 0, -7*h.config.LookbackWeeks)

	measurements, err := h.history(ctx, []string{propertyID}, since, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to load measurements: %w", err)
	}
	own, hasOwn := h.estimate(measurements)

	market, err := h.marketEstimate(ctx, propertyID, since, bucket)
	if err != nil {
		return nil, err
	}

	switch {
	case hasOwn && (market == nil || own.SignalStrength >= market.SignalStrength):
		own.Source = common.SourceHistory
		klog.V(3).InfoS("History forecast",
			"propertyID", propertyID,
			"bucket", bucket.String(),
			"rawForecast", own.RawForecast,
			"signalStrength", own.SignalStrength,
			"samples", own.Samples)
		return own, nil
	case market != nil:
		klog.V(2).InfoS("Using market fallback forecast",
			"propertyID", propertyID,
			"bucket", bucket.String(),
			"ownSamples", len(measurements),
			"rawForecast", market.RawForecast,
			"signalStrength", market.SignalStrength)
		return market, nil
	default:
		return nil, common.ErrNoHistoricalData
	}
}

// history lists the measurements of the properties dated at or after since
// and filed in a bucket before the target
func (h *HistoryProvider) history(ctx context.Context, propertyIDs []string, since time.Time, target types.Bucket) ([]types.Measurement, error) {
	measurements, err := h.store.ListMeasurements(ctx, propertyIDs, since)
	if err != nil {
		return nil, err
	}
	kept := measurements[:0]
	for _, m := range measurements {
		if m.Bucket().Before(target) {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// marketEstimate averages the property's market peers, scaled by the
// fallback penalty. Nil when there is no directory, market or peer data.
func (h *HistoryProvider) marketEstimate(ctx context.Context, propertyID string, since time.Time, target types.Bucket) (*types.BaseForecast, error) {
	if h.directory == nil {
		return nil, nil
	}
	market, err := h.directory.MarketOf(ctx, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve market: %w", err)
	}
	if market == "" {
		return nil, nil
	}

	members, err := h.directory.PropertiesIn(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("failed to list market %s: %w", market, err)
	}
	peers := make([]string, 0, len(members))
	for _, member := range members {
		if member != propertyID {
			peers = append(peers, member)
		}
	}
	if len(peers) == 0 {
		return nil, nil
	}

	measurements, err := h.history(ctx, peers, since, target)
	if err != nil {
		return nil, fmt.Errorf("failed to load market measurements: %w", err)
	}
	forecast, ok := h.estimate(measurements)
	if !ok {
		return nil, nil
	}
	forecast.SignalStrength *= h.config.MarketFallbackPenalty
	forecast.Source = common.SourceMarketFallback
	return forecast, nil
}

// estimate returns the weighted mean and the signal it supports. Signal
// grows with the total measurement confidence and never decreases as
// measurements are added.
func (h *HistoryProvider) estimate(measurements []types.Measurement) (*types.BaseForecast, bool) {
	values := make([]float64, 0, len(measurements))
	weights := make([]float64, 0, len(measurements))
	for _, m := range measurements {
		if m.MeasurementConfidence <= 0 {
			continue
		}
		values = append(values, float64(m.TotalWalkIns))
		weights = append(weights, m.MeasurementConfidence)
	}
	if len(values) == 0 {
		return nil, false
	}

	total := floats.Sum(weights)
	return &types.BaseForecast{
		RawForecast:    stat.Mean(values, weights),
		SignalStrength: SignalStrength(total, h.config.SignalSaturation, h.config.MaxSignalStrength),
		Samples:        len(values),
	}, true
}

// SignalStrength maps total evidence weight onto [0, maxSignal)
func SignalStrength(totalWeight, saturation, maxSignal float64) float64 {
	if totalWeight <= 0 {
		return 0
	}
	return maxSignal * (1 - math.Exp(-totalWeight/saturation))
}

