package eval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/metrics"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// Validator compares stored predictions with measurements of the same bucket
type Validator struct {
	store store.Store
	clock clock.Clock
}

// NewValidator creates a validator
func NewValidator(st store.Store, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Validator{store: st, clock: clk}
}

// Compare computes the error of predicted against actual
func Compare(predicted, actual int64) Comparison {
	abs := predicted - actual
	if abs < 0 {
		abs = -abs
	}

	c := Comparison{
		AbsoluteError: abs,
		Direction:     types.DirectionUnder,
	}
	if predicted > actual {
		c.Direction = types.DirectionOver
	}

	if actual == 0 {
		c.IsOutlier = true
		return c
	}

	pct := float64(abs) / float64(actual) * 100
	c.PercentageError = ptr.To(pct)
	c.IsOutlier = pct > common.OutlierPercentageError
	return c
}

// Validate computes and stores the validation result for the pair. Calling it
// again for the same pair returns the stored result without writing.
func (v *Validator) Validate(ctx context.Context, prediction *types.Prediction, measurement *types.Measurement) (*types.ValidationResult, error) {
	if prediction.PropertyID != measurement.PropertyID || prediction.Bucket() != measurement.Bucket() {
		return nil, fmt.Errorf("%w: prediction %s (%s %s) vs measurement %s (%s %s)",
			common.ErrBucketMismatch,
			prediction.ID, prediction.PropertyID, prediction.Bucket(),
			measurement.ID, measurement.PropertyID, measurement.Bucket())
	}

	cmp := Compare(prediction.WeeklyWalkIns, measurement.TotalWalkIns)
	result := &types.ValidationResult{
		ID:                    uuid.NewString(),
		PropertyID:            prediction.PropertyID,
		Week:                  prediction.Week,
		Year:                  prediction.Year,
		Predicted:             prediction.WeeklyWalkIns,
		Actual:                measurement.TotalWalkIns,
		AbsoluteError:         cmp.AbsoluteError,
		PercentageError:       cmp.PercentageError,
		Direction:             cmp.Direction,
		PredictionConfidence:  prediction.Confidence.Score,
		MeasurementConfidence: measurement.MeasurementConfidence,
		ModelVersion:          prediction.ModelVersion,
		PredictionID:          prediction.ID,
		MeasurementID:         measurement.ID,
		IsOutlier:             cmp.IsOutlier,
		CreatedAt:             v.clock.Now(),
	}

	stored, created, err := v.store.SaveValidation(ctx, result)
	if err != nil {
		return nil, fmt.Errorf("failed to store validation: %w", err)
	}
	if !created {
		klog.V(3).InfoS("Validation already recorded",
			"predictionID", prediction.ID,
			"measurementID", measurement.ID,
			"validationID", stored.ID)
		return stored, nil
	}

	metrics.ValidationsTotal.WithLabelValues(string(stored.Direction), fmt.Sprint(stored.IsOutlier)).Inc()
	if !stored.IsOutlier && stored.PercentageError != nil {
		metrics.ValidationPercentageError.Observe(*stored.PercentageError)
	}

	klog.V(2).InfoS("Validated prediction",
		"propertyID", stored.PropertyID,
		"bucket", prediction.Bucket().String(),
		"predicted", stored.Predicted,
		"actual", stored.Actual,
		"absoluteError", stored.AbsoluteError,
		"direction", stored.Direction,
		"outlier", stored.IsOutlier)
	return stored, nil
}
