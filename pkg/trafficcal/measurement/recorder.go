package measurement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/directory"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/eval"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/metrics"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// Input is a ground-truth observation to record
type Input struct {
	ID              string    `json:"id,omitempty"` // optional; resubmitting an ID returns the stored row
	PropertyID      string    `json:"propertyId"`
	MeasurementDate time.Time `json:"measurementDate"`
	TotalWalkIns    int64     `json:"totalWalkIns"`
	Method          string    `json:"method"`

	// Nil uses the configured default
	MeasurementConfidence *float64 `json:"measurementConfidence,omitempty"`

	Weather       string   `json:"weather,omitempty"`
	TemperatureC  *float64 `json:"temperatureC,omitempty"`
	SpecialEvents []string `json:"specialEvents,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// Outcome is the result of Record
type Outcome struct {
	Measurement *types.Measurement `json:"measurement"`

	// Nil when no prediction exists for the bucket or validation failed
	Validation *types.ValidationResult `json:"validation,omitempty"`
}

// Invalidator drops cached forecasts for a property
type Invalidator interface {
	Invalidate(propertyID string)
}

// Config holds recorder settings
type Config struct {
	ModelVersion      string
	DefaultConfidence float64
}

// Recorder persists measurements and validates them against the current
// prediction for their bucket
type Recorder struct {
	store       store.Store
	validator   *eval.Validator
	clock       clock.Clock
	config      Config
	invalidator Invalidator
	directory   directory.Directory
}

// RecorderOption configures optional Recorder collaborators
type RecorderOption func(*Recorder)

// WithInvalidator clears cached forecasts of a property after a new measurement
func WithInvalidator(i Invalidator) RecorderOption {
	return func(r *Recorder) {
		r.invalidator = i
	}
}

// WithDirectory also invalidates the measured property's market peers, whose
// cached forecasts may be market fallbacks built from its data
func WithDirectory(d directory.Directory) RecorderOption {
	return func(r *Recorder) {
		r.directory = d
	}
}

// WithClock overrides the recorder clock
func WithClock(c clock.Clock) RecorderOption {
	return func(r *Recorder) {
		r.clock = c
	}
}

// NewRecorder creates a measurement recorder
func NewRecorder(config Config, st store.Store, validator *eval.Validator, opts ...RecorderOption) *Recorder {
	if config.DefaultConfidence <= 0 || config.DefaultConfidence > 1 {
		config.DefaultConfidence = common.DefaultMeasurementConfidence
	}
	r := &Recorder{
		store:     st,
		validator: validator,
		clock:     clock.RealClock{},
		config:    config,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record validates and stores a measurement, then validates the current
// prediction of the same bucket against it. Only input and persistence
// errors fail the call.
func (r *Recorder) Record(ctx context.Context, in Input) (*Outcome, error) {
	if err := r.validateInput(in); err != nil {
		return nil, err
	}

	confidence := r.config.DefaultConfidence
	if in.MeasurementConfidence != nil {
		confidence = *in.MeasurementConfidence
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	bucket := types.BucketFor(in.MeasurementDate)
	m := &types.Measurement{
		ID:                    id,
		PropertyID:            strings.TrimSpace(in.PropertyID),
		MeasurementDate:       in.MeasurementDate,
		Week:                  bucket.Week,
		Year:                  bucket.Year,
		TotalWalkIns:          in.TotalWalkIns,
		Method:                in.Method,
		MeasurementConfidence: confidence,
		Weather:               in.Weather,
		TemperatureC:          in.TemperatureC,
		SpecialEvents:         in.SpecialEvents,
		Notes:                 in.Notes,
		CreatedAt:             r.clock.Now(),
	}

	stored, created, err := r.store.SaveMeasurement(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to store measurement: %w", err)
	}
	if created {
		metrics.MeasurementsTotal.WithLabelValues(methodLabel(stored.Method)).Inc()
		r.invalidate(ctx, stored.PropertyID)
		klog.V(2).InfoS("Recorded measurement",
			"id", stored.ID,
			"propertyID", stored.PropertyID,
			"bucket", stored.Bucket().String(),
			"totalWalkIns", stored.TotalWalkIns,
			"method", stored.Method,
			"confidence", stored.MeasurementConfidence)
	} else {
		klog.V(3).InfoS("Measurement already recorded", "id", stored.ID, "propertyID", stored.PropertyID)
	}

	outcome := &Outcome{Measurement: stored}

	prediction, err := r.store.CurrentPrediction(ctx, stored.PropertyID, stored.Bucket(), r.config.ModelVersion)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			klog.ErrorS(err, "Failed to look up prediction for measurement",
				"measurementID", stored.ID, "propertyID", stored.PropertyID)
		}
		return outcome, nil
	}

	validation, err := r.validator.Validate(ctx, prediction, stored)
	if err != nil {
		klog.ErrorS(err, "Failed to validate measurement",
			"measurementID", stored.ID, "predictionID", prediction.ID)
		return outcome, nil
	}
	outcome.Validation = validation
	return outcome, nil
}

func (r *Recorder) invalidate(ctx context.Context, propertyID string) {
	if r.invalidator == nil {
		return
	}
	r.invalidator.Invalidate(propertyID)
	if r.directory == nil {
		return
	}

	market, err := r.directory.MarketOf(ctx, propertyID)
	if err == nil && market != "" {
		var peers []string
		peers, err = r.directory.PropertiesIn(ctx, market)
		for _, peer := range peers {
			if peer != propertyID {
				r.invalidator.Invalidate(peer)
			}
		}
	}
	if err != nil {
		// Peers keep their cached fallback until it expires
		klog.ErrorS(err, "Failed to resolve market peers for invalidation", "propertyID", propertyID)
	}
}

func (r *Recorder) validateInput(in Input) error {
	if strings.TrimSpace(in.PropertyID) == "" {
		return fmt.Errorf("%w: property id is required", common.ErrInvalidMeasurement)
	}
	if in.MeasurementDate.IsZero() {
		return fmt.Errorf("%w: measurement date is required", common.ErrInvalidMeasurement)
	}
	if in.TotalWalkIns < 0 {
		return fmt.Errorf("%w: total walk-ins must not be negative, got %d", common.ErrInvalidMeasurement, in.TotalWalkIns)
	}
	if c := in.MeasurementConfidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
		return fmt.Errorf("%w: measurement confidence must be in [0, 1], got %v", common.ErrInvalidMeasurement, *c)
	}
	return nil
}

// methodLabel bounds metric cardinality: free-text methods share one label
func methodLabel(method string) string {
	switch method {
	case common.MethodManualCount, common.MethodDoorCounter, common.MethodCamera,
		common.MethodWifiSensor, common.MethodEstimate:
		return method
	case "":
		return "unspecified"
	default:
		return "other"
	}
}
