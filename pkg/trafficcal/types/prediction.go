package types

import (
	"time"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
)

// ConfidenceTier is a coarse classification of how far a prediction can be trusted
type ConfidenceTier string

const (
	TierLow    ConfidenceTier = "LOW"
	TierMedium ConfidenceTier = "MEDIUM"
	TierHigh   ConfidenceTier = "HIGH"
)

// TierForScore maps a confidence score onto its tier
func TierForScore(score float64) ConfidenceTier {
	switch {
	case score >= common.HighConfidenceThreshold:
		return TierHigh
	case score >= common.MediumConfidenceThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// Confidence pairs the continuous score with its derived tier
type Confidence struct {
	Score float64        `json:"score"` // 0.0-1.0
	Tier  ConfidenceTier `json:"tier"`
}

// BaseForecast is the raw output of a BaseForecastProvider
type BaseForecast struct {
	RawForecast    float64 `json:"rawForecast"`    // weekly walk-ins before calibration
	SignalStrength float64 `json:"signalStrength"` // 0.0-1.0
	Source         string  `json:"source"`         // history, market_fallback, remote
	Samples        int     `json:"samples"`        // observations behind the estimate, if known
}

// Prediction is one forecast for a property and bucket. Rows are immutable;
// a newer row for the same bucket and model version supersedes older ones.
type Prediction struct {
	ID            string     `json:"id"`
	PropertyID    string     `json:"propertyId"`
	Week          int        `json:"week"`
	Year          int        `json:"year"`
	WeeklyWalkIns int64      `json:"weeklyWalkIns"`
	Confidence    Confidence `json:"confidence"`
	ModelVersion  string     `json:"modelVersion"`
	CreatedAt     time.Time  `json:"createdAt"`

	// Audit fields
	Market           string   `json:"market,omitempty"`
	BaseForecast     float64  `json:"baseForecast"`
	SignalStrength   float64  `json:"signalStrength"`
	Multiplier       float64  `json:"multiplier"`
	AppliedFactorIDs []string `json:"appliedFactorIds,omitempty"`
	Source           string   `json:"source,omitempty"`
}

// Bucket returns the prediction's (week, year) slot
func (p *Prediction) Bucket() Bucket {
	return Bucket{Week: p.Week, Year: p.Year}
}
