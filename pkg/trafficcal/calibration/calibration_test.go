package calibration

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(ttl time.Duration) (*Store, *clock.MockClock, *store.MemoryStore) {
	clk := clock.NewMockClock(now)
	backend := store.NewMemoryStore()
	return NewStore(backend, clk, ttl), clk, backend
}

func TestApplyRejectsInvalidFactors(t *testing.T) {
	s, _, backend := newTestStore(time.Minute)
	ctx := context.Background()

	tests := []struct {
		name string
		nf   NewFactor
	}{
		{"zero multiplier", NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: 0}},
		{"negative multiplier", NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: -1.2}},
		{"NaN multiplier", NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: math.NaN()}},
		{"infinite multiplier", NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: math.Inf(1)}},
		{"missing type", NewFactor{FactorKey: "p1", Multiplier: 1.1}},
		{"blank key", NewFactor{FactorType: "property", FactorKey: "  ", Multiplier: 1.1}},
		{"expired", NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: 1.1, ExpiresAt: ptr.To(now.Add(-time.Hour))}},
		{"expires now", NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: 1.1, ExpiresAt: ptr.To(now)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Apply(ctx, tt.nf)
			assert.ErrorIs(t, err, common.ErrInvalidCalibration)
		})
	}

	_, _, _, factors := backend.Size()
	assert.Zero(t, factors, "rejected factors must not be persisted")
}

func TestActiveFactorsOrderingAndExpiry(t *testing.T) {
	s, clk, _ := newTestStore(time.Minute)
	ctx := context.Background()

	marketID, err := s.Apply(ctx, NewFactor{FactorType: "market", FactorKey: "austin", Multiplier: 0.9})
	require.NoError(t, err)

	clk.Advance(time.Second)
	oldPropertyID, err := s.Apply(ctx, NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: 1.1})
	require.NoError(t, err)

	clk.Advance(time.Second)
	newPropertyID, err := s.Apply(ctx, NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: 1.05,
		ExpiresAt: ptr.To(clk.Now().Add(time.Hour))})
	require.NoError(t, err)

	_, err = s.Apply(ctx, NewFactor{FactorType: "property", FactorKey: "other", Multiplier: 3})
	require.NoError(t, err)

	scopes := []types.Scope{{Type: "market", Key: "austin"}, {Type: "property", Key: "p1"}}
	active, err := s.ActiveFactors(ctx, scopes)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []string{newPropertyID, oldPropertyID, marketID}, IDs(active))

	// Expiry is evaluated at read time even when the list is cached
	clk.Advance(2 * time.Hour)
	active, err = s.ActiveFactors(ctx, scopes)
	require.NoError(t, err)
	assert.Equal(t, []string{oldPropertyID, marketID}, IDs(active))
}

func TestApplyFlushesCache(t *testing.T) {
	s, _, _ := newTestStore(time.Hour)
	ctx := context.Background()
	scopes := []types.Scope{{Type: "property", Key: "p1"}}

	active, err := s.ActiveFactors(ctx, scopes)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.Apply(ctx, NewFactor{FactorType: "property", FactorKey: "p1", Multiplier: 1.2})
	require.NoError(t, err)

	active, err = s.ActiveFactors(ctx, scopes)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1.2, active[0].Multiplier)
}

func TestOtherFactorTypesSortAfterKnownTypes(t *testing.T) {
	s, clk, _ := newTestStore(0)
	ctx := context.Background()

	seasonID, err := s.Apply(ctx, NewFactor{FactorType: "season", FactorKey: "summer", Multiplier: 1.3})
	require.NoError(t, err)
	clk.Advance(time.Second)
	marketID, err := s.Apply(ctx, NewFactor{FactorType: "market", FactorKey: "austin", Multiplier: 0.8})
	require.NoError(t, err)

	active, err := s.ActiveFactors(ctx, []types.Scope{
		{Type: "season", Key: "summer"}, {Type: "market", Key: "austin"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{marketID, seasonID}, IDs(active))
}

func TestComposeIsOrderIndependent(t *testing.T) {
	factors := []types.CalibrationFactor{
		{ID: "a", Multiplier: 1.1},
		{ID: "b", Multiplier: 0.93},
		{ID: "c", Multiplier: 1.7},
		{ID: "d", Multiplier: 0.3333},
		{ID: "e", Multiplier: 2.05},
	}
	want := Compose(factors)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]types.CalibrationFactor(nil), factors...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, Compose(shuffled))
	}
}

func TestCompose(t *testing.T) {
	assert.Equal(t, 1.0, Compose(nil))
	assert.Equal(t, 1.2, Compose([]types.CalibrationFactor{{Multiplier: 1.2}}))
	assert.InDelta(t, 1.08, Compose([]types.CalibrationFactor{{Multiplier: 1.2}, {Multiplier: 0.9}}), 1e-12)
}
