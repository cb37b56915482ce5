package forecast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/cache"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/directory"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	tctesting "github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/testing"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

func addMeasurement(t *testing.T, st store.Store, property string, daysAgo int, walkIns int64, confidence float64) {
	t.Helper()
	date := testNow.AddDate(0, 0, -daysAgo)
	b := types.BucketFor(date)
	_, _, err := st.SaveMeasurement(context.Background(), &types.Measurement{
		ID:                    fmt.Sprintf("%s-%d-%d", property, daysAgo, walkIns),
		PropertyID:            property,
		MeasurementDate:       date,
		Week:                  b.Week,
		Year:                  b.Year,
		TotalWalkIns:          walkIns,
		MeasurementConfidence: confidence,
		CreatedAt:             date,
	})
	require.NoError(t, err)
}

func newHistory(st store.Store, dir directory.Directory) *HistoryProvider {
	return NewHistoryProvider(HistoryConfig{LookbackWeeks: 4}, st, dir)
}

func TestHistoryProviderWeightedMean(t *testing.T) {
	st := store.NewMemoryStore()
	addMeasurement(t, st, "p1", 7, 400, 1.0)
	addMeasurement(t, st, "p1", 14, 700, 0.5)
	addMeasurement(t, st, "p1", 60, 10000, 1.0) // outside lookback

	h := newHistory(st, nil)
	f, err := h.BaseForecast(context.Background(), "p1", types.Bucket{Week: 10, Year: 2024})
	require.NoError(t, err)

	assert.InDelta(t, 500, f.RawForecast, 1e-9) // (400*1 + 700*0.5) / 1.5
	assert.Equal(t, 2, f.Samples)
	assert.Equal(t, common.SourceHistory, f.Source)
	assert.InDelta(t, SignalStrength(1.5, common.DefaultSignalSaturation, common.DefaultMaxSignalStrength), f.SignalStrength, 1e-12)
}

func TestHistoryProviderSignalGrowsWithData(t *testing.T) {
	st := store.NewMemoryStore()
	h := newHistory(st, nil)
	ctx := context.Background()
	bucket := types.Bucket{Week: 10, Year: 2024}

	prev := 0.0
	for i := 1; i <= 10; i++ {
		addMeasurement(t, st, "p1", i, 500, 0.85)
		f, err := h.BaseForecast(ctx, "p1", bucket)
		require.NoError(t, err)
		assert.Greater(t, f.SignalStrength, prev)
		assert.Less(t, f.SignalStrength, 1.0)
		prev = f.SignalStrength
	}
}

func TestHistoryProviderMarketFallback(t *testing.T) {
	st := store.NewMemoryStore()
	dir := directory.NewStatic(map[string]string{"p1": "austin", "p2": "austin", "p3": "austin", "p9": "denver"})
	addMeasurement(t, st, "p2", 3, 300, 1.0)
	addMeasurement(t, st, "p3", 3, 500, 1.0)
	addMeasurement(t, st, "p9", 3, 9000, 1.0)

	h := newHistory(st, dir)
	f, err := h.BaseForecast(context.Background(), "p1", types.Bucket{Week: 10, Year: 2024})
	require.NoError(t, err)

	assert.InDelta(t, 400, f.RawForecast, 1e-9)
	assert.Equal(t, common.SourceMarketFallback, f.Source)
	full := SignalStrength(2, common.DefaultSignalSaturation, common.DefaultMaxSignalStrength)
	assert.InDelta(t, full*common.DefaultMarketFallbackPenalty, f.SignalStrength, 1e-12)
}

func TestHistoryProviderSignalNeverDropsWhenOwnDataArrives(t *testing.T) {
	st := store.NewMemoryStore()
	dir := directory.NewStatic(map[string]string{"p1": "austin", "p2": "austin"})
	for day := 1; day <= 20; day++ {
		addMeasurement(t, st, "p2", day, 600, 1.0)
	}
	h := newHistory(st, dir)
	ctx := context.Background()
	bucket := types.Bucket{Week: 10, Year: 2024}

	f, err := h.BaseForecast(ctx, "p1", bucket)
	require.NoError(t, err)
	assert.Equal(t, common.SourceMarketFallback, f.Source)
	prev := f.SignalStrength

	// Weak own measurements only take over once they outweigh the market
	for day := 1; day <= 20; day++ {
		addMeasurement(t, st, "p1", day, 400, 0.2)
		f, err = h.BaseForecast(ctx, "p1", bucket)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, f.SignalStrength, prev, "after %d own measurements", day)
		assert.GreaterOrEqual(t, ConfidenceScore(f.SignalStrength, 0, 0), ConfidenceScore(prev, 0, 0))
		prev = f.SignalStrength
	}
	assert.Equal(t, common.SourceHistory, f.Source)
	assert.InDelta(t, 400, f.RawForecast, 1e-9)
}

func TestHistoryProviderIgnoresTargetWeekAndLater(t *testing.T) {
	st := store.NewMemoryStore()
	addMeasurement(t, st, "p1", 30, 250, 1.0) // 2024-W05, outside the W10 lookback
	addMeasurement(t, st, "p1", 14, 400, 1.0) // 2024-W08
	addMeasurement(t, st, "p1", 0, 5000, 1.0) // 2024-W10, the target itself

	h := newHistory(st, nil)
	ctx := context.Background()

	f, err := h.BaseForecast(ctx, "p1", types.Bucket{Week: 10, Year: 2024})
	require.NoError(t, err)
	assert.InDelta(t, 400, f.RawForecast, 1e-9)
	assert.Equal(t, 1, f.Samples)

	// A past target only sees the weeks before it
	f, err = h.BaseForecast(ctx, "p1", types.Bucket{Week: 7, Year: 2024})
	require.NoError(t, err)
	assert.InDelta(t, 250, f.RawForecast, 1e-9)
	assert.Equal(t, 1, f.Samples)

	_, err = h.BaseForecast(ctx, "p1", types.Bucket{Week: 5, Year: 2024})
	assert.ErrorIs(t, err, common.ErrNoHistoricalData)
}

func TestHistoryProviderNoData(t *testing.T) {
	st := store.NewMemoryStore()
	dir := directory.NewStatic(map[string]string{"p1": "austin", "lonely": "nowhere"})
	h := newHistory(st, dir)
	ctx := context.Background()
	bucket := types.Bucket{Week: 10, Year: 2024}

	for _, property := range []string{"p1", "lonely", "unmapped"} {
		_, err := h.BaseForecast(ctx, property, bucket)
		assert.ErrorIs(t, err, common.ErrNoHistoricalData, property)
	}

	// Zero-confidence measurements carry no evidence
	addMeasurement(t, st, "p1", 2, 500, 0)
	_, err := h.BaseForecast(ctx, "p1", bucket)
	assert.ErrorIs(t, err, common.ErrNoHistoricalData)
}

func TestCachingProvider(t *testing.T) {
	provider := tctesting.NewMockForecastProvider().SetForecast("p1", 500, 0.6)
	c := cache.New(time.Minute, time.Hour, clock.NewMockClock(testNow))
	defer c.Close()

	p := NewCachingProvider(provider, c)
	ctx := context.Background()
	bucket := types.Bucket{Week: 10, Year: 2024}

	for i := 0; i < 3; i++ {
		f, err := p.BaseForecast(ctx, "p1", bucket)
		require.NoError(t, err)
		assert.Equal(t, 500.0, f.RawForecast)
	}
	assert.Equal(t, 1, provider.Calls("p1"))

	// Errors are not cached
	for i := 0; i < 2; i++ {
		_, err := p.BaseForecast(ctx, "p2", bucket)
		assert.ErrorIs(t, err, common.ErrNoHistoricalData)
	}
	assert.Equal(t, 2, provider.Calls("p2"))

	p.Invalidate("p1")
	_, err := p.BaseForecast(ctx, "p1", bucket)
	require.NoError(t, err)
	assert.Equal(t, 2, provider.Calls("p1"))
}
