package measurement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/directory"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/eval"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

var now = time.Date(2024, 3, 8, 18, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	properties []string
}

func (r *recordingInvalidator) Invalidate(propertyID string) {
	r.properties = append(r.properties, propertyID)
}

func newRecorder(modelVersion string) (*Recorder, *store.MemoryStore, *recordingInvalidator) {
	st := store.NewMemoryStore()
	clk := clock.NewMockClock(now)
	inv := &recordingInvalidator{}
	r := NewRecorder(Config{ModelVersion: modelVersion}, st, eval.NewValidator(st, clk),
		WithClock(clk), WithInvalidator(inv))
	return r, st, inv
}

func savePrediction(t *testing.T, st store.Store, id, version string, walkIns int64, createdAt time.Time) {
	t.Helper()
	require.NoError(t, st.SavePrediction(context.Background(), &types.Prediction{
		ID: id, PropertyID: "p1", Week: 10, Year: 2024, WeeklyWalkIns: walkIns,
		Confidence: types.Confidence{Score: 0.6, Tier: types.TierMedium}, ModelVersion: version,
		CreatedAt: createdAt,
	}))
}

func TestRecordDerivesBucketAndDefaults(t *testing.T) {
	r, _, inv := newRecorder("")

	out, err := r.Record(context.Background(), Input{
		PropertyID:      "p1",
		MeasurementDate: time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), // day 68
		TotalWalkIns:    550,
		Method:          common.MethodDoorCounter,
	})
	require.NoError(t, err)

	m := out.Measurement
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 10, m.Week)
	assert.Equal(t, 2024, m.Year)
	assert.Equal(t, common.DefaultMeasurementConfidence, m.MeasurementConfidence)
	assert.True(t, m.CreatedAt.Equal(now))
	assert.Nil(t, out.Validation, "no prediction exists for the bucket")
	assert.Equal(t, []string{"p1"}, inv.properties)
}

func TestRecordValidatesAgainstCurrentPrediction(t *testing.T) {
	r, st, _ := newRecorder("v1")
	savePrediction(t, st, "old", "v1", 400, now.Add(-48*time.Hour))
	savePrediction(t, st, "current", "v1", 600, now.Add(-24*time.Hour))
	savePrediction(t, st, "other-model", "v2", 9999, now.Add(-time.Hour))

	out, err := r.Record(context.Background(), Input{
		PropertyID:            "p1",
		MeasurementDate:       time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		TotalWalkIns:          550,
		MeasurementConfidence: ptr.To(0.9),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Validation)

	v := out.Validation
	assert.Equal(t, "current", v.PredictionID)
	assert.Equal(t, out.Measurement.ID, v.MeasurementID)
	assert.Equal(t, int64(50), v.AbsoluteError)
	require.NotNil(t, v.PercentageError)
	assert.InDelta(t, 9.09, *v.PercentageError, 0.01)
	assert.Equal(t, types.DirectionOver, v.Direction)
	assert.False(t, v.IsOutlier)
	assert.Equal(t, 0.9, v.MeasurementConfidence)
}

func TestRecordResubmittedIDIsNotDuplicated(t *testing.T) {
	r, st, inv := newRecorder("v1")
	savePrediction(t, st, "current", "v1", 600, now.Add(-time.Hour))
	ctx := context.Background()

	in := Input{ID: "count-2024-10", PropertyID: "p1", MeasurementDate: time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC), TotalWalkIns: 550}
	first, err := r.Record(ctx, in)
	require.NoError(t, err)

	in.TotalWalkIns = 700
	second, err := r.Record(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, int64(550), second.Measurement.TotalWalkIns)
	require.NotNil(t, second.Validation)
	assert.Equal(t, first.Validation.ID, second.Validation.ID)

	_, measurements, validations, _ := st.Size()
	assert.Equal(t, 1, measurements)
	assert.Equal(t, 1, validations)
	assert.Len(t, inv.properties, 1)
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	r, st, _ := newRecorder("")
	date := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   Input
	}{
		{"missing property", Input{MeasurementDate: date, TotalWalkIns: 1}},
		{"missing date", Input{PropertyID: "p1", TotalWalkIns: 1}},
		{"negative walk-ins", Input{PropertyID: "p1", MeasurementDate: date, TotalWalkIns: -1}},
		{"confidence above one", Input{PropertyID: "p1", MeasurementDate: date, MeasurementConfidence: ptr.To(1.5)}},
		{"negative confidence", Input{PropertyID: "p1", MeasurementDate: date, MeasurementConfidence: ptr.To(-0.1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Record(context.Background(), tt.in)
			assert.ErrorIs(t, err, common.ErrInvalidMeasurement)
		})
	}

	_, measurements, _, _ := st.Size()
	assert.Zero(t, measurements)
}

func TestRecordZeroWalkInsIsOutlier(t *testing.T) {
	r, st, _ := newRecorder("v1")
	savePrediction(t, st, "current", "v1", 600, now.Add(-time.Hour))

	out, err := r.Record(context.Background(), Input{
		PropertyID:            "p1",
		MeasurementDate:       time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC),
		TotalWalkIns:          0,
		MeasurementConfidence: ptr.To(0.0),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Validation)
	assert.Nil(t, out.Validation.PercentageError)
	assert.True(t, out.Validation.IsOutlier)
	assert.Equal(t, 0.0, out.Measurement.MeasurementConfidence)
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "camera", methodLabel(common.MethodCamera))
	assert.Equal(t, "other", methodLabel("clipboard tally"))
	assert.Equal(t, "unspecified", methodLabel(""))
}

func TestRecordInvalidatesMarketPeers(t *testing.T) {
	st := store.NewMemoryStore()
	clk := clock.NewMockClock(now)
	inv := &recordingInvalidator{}
	dir := directory.NewStatic(map[string]string{"p1": "austin", "p2": "austin", "p3": "denver"})
	r := NewRecorder(Config{}, st, eval.NewValidator(st, clk),
		WithClock(clk), WithInvalidator(inv), WithDirectory(dir))

	_, err := r.Record(context.Background(), Input{
		PropertyID:      "p1",
		MeasurementDate: now,
		TotalWalkIns:    550,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, inv.properties)

	// Properties outside any market only drop their own forecasts
	inv.properties = nil
	_, err = r.Record(context.Background(), Input{
		PropertyID:      "p9",
		MeasurementDate: now,
		TotalWalkIns:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p9"}, inv.properties)
}
