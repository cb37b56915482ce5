package performance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/calibration"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/metrics"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// Aggregator rolls validation results up into monthly accuracy snapshots
type Aggregator struct {
	store store.Store
	clock clock.Clock
}

// NewAggregator creates an aggregator
func NewAggregator(st store.Store, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Aggregator{store: st, clock: clk}
}

// Suggestion is a proposed property-level multiplier derived from past error
type Suggestion struct {
	PropertyID  string    `json:"propertyId"`
	Multiplier  float64   `json:"multiplier"`
	Validations int       `json:"validations"`
	Since       time.Time `json:"since"`
}

// Factor turns the suggestion into calibration input
func (s *Suggestion) Factor(createdBy string, expiresAt *time.Time) calibration.NewFactor {
	return calibration.NewFactor{
		FactorType: common.FactorTypeProperty,
		FactorKey:  s.PropertyID,
		Multiplier: s.Multiplier,
		Reason: fmt.Sprintf("suggested from %d validations since %s",
			s.Validations, s.Since.Format("2006-01-02")),
		ExpiresAt: expiresAt,
		CreatedBy: createdBy,
	}
}

type monthBucket struct {
	pcts            []float64
	predConfidence  []float64
	measConfidence  []float64
	validationCount int
	outlierCount    int
}

// Snapshot computes monthly snapshots for the current month and the
// monthsBack-1 months before it, most recent first. Months without
// validations are omitted.
func (a *Aggregator) Snapshot(ctx context.Context, monthsBack int) ([]types.PerformanceSnapshot, error) {
	if monthsBack <= 0 {
		return []types.PerformanceSnapshot{}, nil
	}

	current := monthStart(a.clock.Now())
	windowStart := current.AddDate(0, -(monthsBack - 1), 0)
	windowEnd := current.AddDate(0, 1, 0)

	validations, err := a.store.ListValidations(ctx, store.ValidationFilter{Since: windowStart})
	if err != nil {
		return nil, fmt.Errorf("failed to list validations: %w", err)
	}

	months := make(map[time.Time]*monthBucket)
	for i := range validations {
		v := &validations[i]
		if !v.CreatedAt.Before(windowEnd) {
			continue
		}
		month := monthStart(v.CreatedAt)
		b, ok := months[month]
		if !ok {
			b = &monthBucket{}
			months[month] = b
		}
		b.validationCount++
		if v.IsOutlier {
			b.outlierCount++
		} else if v.PercentageError != nil {
			b.pcts = append(b.pcts, *v.PercentageError)
		}
		b.predConfidence = append(b.predConfidence, v.PredictionConfidence)
		b.measConfidence = append(b.measConfidence, v.MeasurementConfidence)
	}

	snapshots := make([]types.PerformanceSnapshot, 0, len(months))
	for month, b := range months {
		snap := types.PerformanceSnapshot{
			Month:                    month,
			ValidationCount:          b.validationCount,
			OutlierCount:             b.outlierCount,
			AvgConfidence:            stat.Mean(b.predConfidence, nil),
			AvgMeasurementConfidence: stat.Mean(b.measConfidence, nil),
		}
		if len(b.pcts) > 0 {
			mape := stat.Mean(b.pcts, nil)
			snap.MAPE = &mape
		}
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Month.After(snapshots[j].Month)
	})

	klog.V(3).InfoS("Computed performance snapshots",
		"monthsBack", monthsBack,
		"validations", len(validations),
		"months", len(snapshots))
	return snapshots, nil
}

// Refresh recomputes the snapshots and replaces the stored view
func (a *Aggregator) Refresh(ctx context.Context, monthsBack int) ([]types.PerformanceSnapshot, error) {
	snapshots, err := a.Snapshot(ctx, monthsBack)
	if err != nil {
		return nil, err
	}
	if err := a.store.ReplaceSnapshots(ctx, snapshots); err != nil {
		return nil, fmt.Errorf("failed to store snapshots: %w", err)
	}

	metrics.MonthlyMAPE.Reset()
	for _, snap := range snapshots {
		if snap.MAPE != nil {
			metrics.MonthlyMAPE.WithLabelValues(snap.Month.Format("2006-01")).Set(*snap.MAPE)
		}
	}

	klog.V(2).InfoS("Refreshed performance snapshots", "months", len(snapshots))
	return snapshots, nil
}

// Stored returns the last refreshed view
func (a *Aggregator) Stored(ctx context.Context) ([]types.PerformanceSnapshot, error) {
	return a.store.ListSnapshots(ctx)
}

// SuggestCalibration proposes a property multiplier from the
// measurement-confidence-weighted mean of actual/predicted over the
// property's non-outlier validations since the given time. Nothing is applied.
func (a *Aggregator) SuggestCalibration(ctx context.Context, propertyID string, since time.Time) (*Suggestion, error) {
	validations, err := a.store.ListValidations(ctx, store.ValidationFilter{PropertyID: propertyID, Since: since})
	if err != nil {
		return nil, fmt.Errorf("failed to list validations: %w", err)
	}

	ratios := make([]float64, 0, len(validations))
	weights := make([]float64, 0, len(validations))
	for _, v := range validations {
		if v.IsOutlier || v.Predicted <= 0 || v.MeasurementConfidence <= 0 {
			continue
		}
		ratios = append(ratios, float64(v.Actual)/float64(v.Predicted))
		weights = append(weights, v.MeasurementConfidence)
	}
	if len(ratios) == 0 {
		return nil, fmt.Errorf("%w: no usable validations for property %s since %s",
			common.ErrInsufficientData, propertyID, since.Format(time.RFC3339))
	}

	multiplier := stat.Mean(ratios, weights)
	if !(multiplier > 0) || math.IsInf(multiplier, 0) {
		return nil, fmt.Errorf("%w: degenerate multiplier %v", common.ErrInsufficientData, multiplier)
	}

	return &Suggestion{
		PropertyID:  propertyID,
		Multiplier:  multiplier,
		Validations: len(ratios),
		Since:       since,
	}, nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
