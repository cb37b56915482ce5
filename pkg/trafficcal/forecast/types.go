package forecast

import (
	"context"
	"time"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// BaseForecastProvider supplies the uncalibrated weekly forecast for a
// property. Implementations return common.ErrNoHistoricalData (possibly
// wrapped) when no forecast can be produced.
type BaseForecastProvider interface {
	BaseForecast(ctx context.Context, propertyID string, bucket types.Bucket) (*types.BaseForecast, error)
}

// Config holds prediction engine configuration
type Config struct {
	ModelVersion   string         `yaml:"modelVersion"`
	StackDampening float64        `yaml:"stackDampening"` // confidence lost per additional factor
	Location       *time.Location `yaml:"-"`              // used to derive the current bucket
}

// HistoryConfig tunes the history-based provider
type HistoryConfig struct {
	LookbackWeeks         int     `yaml:"lookbackWeeks"`
	SignalSaturation      float64 `yaml:"signalSaturation"` // total confidence at which signal reaches ~63% of max
	MaxSignalStrength     float64 `yaml:"maxSignalStrength"`
	MarketFallbackPenalty float64 `yaml:"marketFallbackPenalty"`
}
