package store

import (
	"context"
	"errors"
	"time"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store is the engine's persistence boundary. Every entity is an append-only
// log: predictions, measurements, validations and calibration factors are
// never updated or deleted. Only the performance snapshot view is replaced
// wholesale when it is recomputed.
type Store interface {
	// SavePrediction appends a prediction
	SavePrediction(ctx context.Context, p *types.Prediction) error
	// CurrentPrediction returns the newest prediction for the bucket. An empty
	// modelVersion matches any version.
	CurrentPrediction(ctx context.Context, propertyID string, bucket types.Bucket, modelVersion string) (*types.Prediction, error)
	// ListPredictions returns the audit trail for a bucket, oldest first
	ListPredictions(ctx context.Context, propertyID string, bucket types.Bucket) ([]types.Prediction, error)

	// SaveMeasurement appends a measurement. If a measurement with the same ID
	// already exists, the stored row is returned with created=false.
	SaveMeasurement(ctx context.Context, m *types.Measurement) (stored *types.Measurement, created bool, err error)
	// ListMeasurements returns measurements of the given properties dated at
	// or after since, oldest first
	ListMeasurements(ctx context.Context, propertyIDs []string, since time.Time) ([]types.Measurement, error)

	// SaveValidation appends a validation result unless one already exists
	// for the same (prediction, measurement) pair, in which case the existing
	// row is returned with created=false.
	SaveValidation(ctx context.Context, v *types.ValidationResult) (stored *types.ValidationResult, created bool, err error)
	// ListValidations returns validations matching the filter, oldest first
	ListValidations(ctx context.Context, filter ValidationFilter) ([]types.ValidationResult, error)

	// SaveFactor appends a calibration factor
	SaveFactor(ctx context.Context, f *types.CalibrationFactor) error
	// ListFactors returns every factor (active or not) for the given scopes
	ListFactors(ctx context.Context, scopes []types.Scope) ([]types.CalibrationFactor, error)

	// ReplaceSnapshots swaps the materialized performance view
	ReplaceSnapshots(ctx context.Context, snapshots []types.PerformanceSnapshot) error
	// ListSnapshots returns the materialized view, most recent month first
	ListSnapshots(ctx context.Context) ([]types.PerformanceSnapshot, error)

	Close() error
}

// ValidationFilter narrows ListValidations. Zero values match everything.
type ValidationFilter struct {
	PropertyID string
	Since      time.Time
}

func (f ValidationFilter) matches(v *types.ValidationResult) bool {
	if f.PropertyID != "" && v.PropertyID != f.PropertyID {
		return false
	}
	if !f.Since.IsZero() && v.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func clonePrediction(p *types.Prediction) *types.Prediction {
	c := *p
	if p.AppliedFactorIDs != nil {
		c.AppliedFactorIDs = append([]string(nil), p.AppliedFactorIDs...)
	}
	return &c
}

func cloneMeasurement(m *types.Measurement) *types.Measurement {
	c := *m
	if m.SpecialEvents != nil {
		c.SpecialEvents = append([]string(nil), m.SpecialEvents...)
	}
	if m.TemperatureC != nil {
		t := *m.TemperatureC
		c.TemperatureC = &t
	}
	return &c
}

func cloneValidation(v *types.ValidationResult) *types.ValidationResult {
	c := *v
	if v.PercentageError != nil {
		p := *v.PercentageError
		c.PercentageError = &p
	}
	return &c
}

func cloneFactor(f *types.CalibrationFactor) *types.CalibrationFactor {
	c := *f
	if f.ExpiresAt != nil {
		e := *f.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}
