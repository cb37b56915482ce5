package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

type storeFactory func(t *testing.T) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "trafficcal.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func prediction(id, property string, bucket types.Bucket, version string, createdAt time.Time) *types.Prediction {
	return &types.Prediction{
		ID:               id,
		PropertyID:       property,
		Week:             bucket.Week,
		Year:             bucket.Year,
		WeeklyWalkIns:    600,
		Confidence:       types.Confidence{Score: 0.6, Tier: types.TierMedium},
		ModelVersion:     version,
		CreatedAt:        createdAt,
		Market:           "austin",
		BaseForecast:     500,
		SignalStrength:   0.6,
		Multiplier:       1.2,
		AppliedFactorIDs: []string{"f-1"},
		Source:           "history",
	}
}

func TestStorePredictions(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			bucket := types.Bucket{Week: 10, Year: 2024}

			_, err := s.CurrentPrediction(ctx, "p1", bucket, "")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SavePrediction(ctx, prediction("a", "p1", bucket, "v1", base)))
			require.NoError(t, s.SavePrediction(ctx, prediction("b", "p1", bucket, "v1", base.Add(time.Hour))))
			require.NoError(t, s.SavePrediction(ctx, prediction("c", "p1", bucket, "v2", base.Add(30*time.Minute))))
			// same timestamp as b, inserted later
			require.NoError(t, s.SavePrediction(ctx, prediction("d", "p1", bucket, "v1", base.Add(time.Hour))))
			require.NoError(t, s.SavePrediction(ctx, prediction("e", "p2", bucket, "v1", base.Add(2*time.Hour))))

			current, err := s.CurrentPrediction(ctx, "p1", bucket, "v1")
			require.NoError(t, err)
			assert.Equal(t, "d", current.ID)
			assert.Equal(t, []string{"f-1"}, current.AppliedFactorIDs)
			assert.Equal(t, types.TierMedium, current.Confidence.Tier)
			assert.InDelta(t, 1.2, current.Multiplier, 1e-12)

			current, err = s.CurrentPrediction(ctx, "p1", bucket, "v2")
			require.NoError(t, err)
			assert.Equal(t, "c", current.ID)

			current, err = s.CurrentPrediction(ctx, "p1", bucket, "")
			require.NoError(t, err)
			assert.Equal(t, "d", current.ID)

			_, err = s.CurrentPrediction(ctx, "p1", types.Bucket{Week: 11, Year: 2024}, "")
			assert.ErrorIs(t, err, ErrNotFound)

			trail, err := s.ListPredictions(ctx, "p1", bucket)
			require.NoError(t, err)
			require.Len(t, trail, 4)
			assert.Equal(t, "a", trail[0].ID)
		})
	}
}

func TestStoreRejectsWritesAfterCancel(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			bucket := types.Bucket{Week: 10, Year: 2024}
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			err := s.SavePrediction(ctx, prediction("late", "p1", bucket, "v1", base))
			require.ErrorIs(t, err, context.Canceled)

			_, err = s.CurrentPrediction(context.Background(), "p1", bucket, "")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreMeasurements(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			m := &types.Measurement{
				ID:                    "m1",
				PropertyID:            "p1",
				MeasurementDate:       base,
				Week:                  10,
				Year:                  2024,
				TotalWalkIns:          550,
				Method:                "door_counter",
				MeasurementConfidence: 0.9,
				TemperatureC:          ptr.To(21.5),
				SpecialEvents:         []string{"street fair"},
				CreatedAt:             base,
			}
			stored, created, err := s.SaveMeasurement(ctx, m)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, int64(550), stored.TotalWalkIns)

			dup := *m
			dup.TotalWalkIns = 999
			stored, created, err = s.SaveMeasurement(ctx, &dup)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, int64(550), stored.TotalWalkIns, "duplicate ID must return the stored row")

			older := &types.Measurement{ID: "m0", PropertyID: "p1", MeasurementDate: base.AddDate(0, 0, -14),
				TotalWalkIns: 400, MeasurementConfidence: 0.5, CreatedAt: base}
			other := &types.Measurement{ID: "m2", PropertyID: "p2", MeasurementDate: base,
				TotalWalkIns: 100, MeasurementConfidence: 0.5, CreatedAt: base}
			_, _, err = s.SaveMeasurement(ctx, older)
			require.NoError(t, err)
			_, _, err = s.SaveMeasurement(ctx, other)
			require.NoError(t, err)

			got, err := s.ListMeasurements(ctx, []string{"p1"}, base.AddDate(0, 0, -30))
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "m0", got[0].ID)
			assert.Equal(t, "m1", got[1].ID)
			require.NotNil(t, got[1].TemperatureC)
			assert.InDelta(t, 21.5, *got[1].TemperatureC, 1e-9)
			assert.Equal(t, []string{"street fair"}, got[1].SpecialEvents)
			assert.Nil(t, got[0].TemperatureC)

			got, err = s.ListMeasurements(ctx, []string{"p1", "p2"}, base.AddDate(0, 0, -1))
			require.NoError(t, err)
			assert.Len(t, got, 2)

			got, err = s.ListMeasurements(ctx, nil, time.Time{})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStoreValidationsAreUniquePerPair(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			v := &types.ValidationResult{
				ID: "v1", PropertyID: "p1", Week: 10, Year: 2024,
				Predicted: 600, Actual: 550, AbsoluteError: 50, PercentageError: ptr.To(50.0 / 550 * 100),
				Direction: types.DirectionOver, PredictionConfidence: 0.6, MeasurementConfidence: 0.9,
				ModelVersion: "v1", PredictionID: "pred", MeasurementID: "meas", CreatedAt: base,
			}
			stored, created, err := s.SaveValidation(ctx, v)
			require.NoError(t, err)
			assert.True(t, created)
			assert.Equal(t, "v1", stored.ID)

			again := *v
			again.ID = "v2"
			stored, created, err = s.SaveValidation(ctx, &again)
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, "v1", stored.ID)

			zero := &types.ValidationResult{
				ID: "v3", PropertyID: "p2", Week: 10, Year: 2024, Predicted: 10, AbsoluteError: 10,
				Direction: types.DirectionOver, ModelVersion: "v1", PredictionID: "pred2", MeasurementID: "meas2",
				IsOutlier: true, CreatedAt: base.Add(time.Hour),
			}
			_, _, err = s.SaveValidation(ctx, zero)
			require.NoError(t, err)

			all, err := s.ListValidations(ctx, ValidationFilter{})
			require.NoError(t, err)
			require.Len(t, all, 2)
			require.NotNil(t, all[0].PercentageError)
			assert.InDelta(t, 9.0909, *all[0].PercentageError, 1e-3)
			assert.Nil(t, all[1].PercentageError)
			assert.True(t, all[1].IsOutlier)

			p2, err := s.ListValidations(ctx, ValidationFilter{PropertyID: "p2"})
			require.NoError(t, err)
			require.Len(t, p2, 1)
			assert.Equal(t, "v3", p2[0].ID)

			recent, err := s.ListValidations(ctx, ValidationFilter{Since: base.Add(time.Minute)})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, "v3", recent[0].ID)
		})
	}
}

func TestStoreFactors(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			expires := base.Add(24 * time.Hour)
			require.NoError(t, s.SaveFactor(ctx, &types.CalibrationFactor{ID: "f1", FactorType: "property", FactorKey: "p1",
				Multiplier: 1.2, CreatedAt: base}))
			require.NoError(t, s.SaveFactor(ctx, &types.CalibrationFactor{ID: "f2", FactorType: "market", FactorKey: "austin",
				Multiplier: 0.9, ExpiresAt: &expires, CreatedAt: base}))
			require.NoError(t, s.SaveFactor(ctx, &types.CalibrationFactor{ID: "f3", FactorType: "property", FactorKey: "p2",
				Multiplier: 2, CreatedAt: base}))

			got, err := s.ListFactors(ctx, []types.Scope{{Type: "property", Key: "p1"}, {Type: "market", Key: "austin"}})
			require.NoError(t, err)
			require.Len(t, got, 2)
			ids := []string{got[0].ID, got[1].ID}
			assert.ElementsMatch(t, []string{"f1", "f2"}, ids)
			for _, f := range got {
				if f.ID == "f2" {
					require.NotNil(t, f.ExpiresAt)
					assert.True(t, f.ExpiresAt.Equal(expires))
				} else {
					assert.Nil(t, f.ExpiresAt)
				}
			}

			got, err = s.ListFactors(ctx, nil)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestStoreSnapshotsReplaceAll(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.ReplaceSnapshots(ctx, []types.PerformanceSnapshot{
				{Month: jan, MAPE: ptr.To(12.5), ValidationCount: 4},
				{Month: feb, ValidationCount: 2, OutlierCount: 2},
			}))

			got, err := s.ListSnapshots(ctx)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.True(t, got[0].Month.Equal(feb))
			assert.Nil(t, got[0].MAPE)
			require.NotNil(t, got[1].MAPE)
			assert.InDelta(t, 12.5, *got[1].MAPE, 1e-9)

			require.NoError(t, s.ReplaceSnapshots(ctx, []types.PerformanceSnapshot{{Month: jan, ValidationCount: 1}}))
			got, err = s.ListSnapshots(ctx)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, 1, got[0].ValidationCount)
		})
	}
}

func TestStoreConcurrentWrites(t *testing.T) {
	for name, newStore := range factories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			bucket := types.Bucket{Week: 10, Year: 2024}

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					p := prediction(fmt.Sprintf("p-%d", i), "p1", bucket, "v1", base.Add(time.Duration(i)*time.Second))
					assert.NoError(t, s.SavePrediction(ctx, p))
				}(i)
			}
			wg.Wait()

			trail, err := s.ListPredictions(ctx, "p1", bucket)
			require.NoError(t, err)
			assert.Len(t, trail, 20)

			current, err := s.CurrentPrediction(ctx, "p1", bucket, "v1")
			require.NoError(t, err)
			assert.Equal(t, "p-19", current.ID)
		})
	}
}
