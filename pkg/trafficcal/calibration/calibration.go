package calibration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/clock"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/metrics"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/store"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// NewFactor is the input to Apply
type NewFactor struct {
	FactorType string     `json:"factorType" yaml:"factorType"`
	FactorKey  string     `json:"factorKey" yaml:"factorKey"`
	Multiplier float64    `json:"multiplier" yaml:"multiplier"`
	Reason     string     `json:"reason" yaml:"reason"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	CreatedBy  string     `json:"createdBy" yaml:"createdBy"`
}

// Store manages calibration factors on top of the persistence boundary.
// Factor lists are cached per scope set; whether a factor is active is
// decided on every read so expiry never depends on cache age.
type Store struct {
	backend store.Store
	clock   clock.Clock
	cache   *gocache.Cache
}

// NewStore creates a calibration store. A non-positive ttl disables caching.
func NewStore(backend store.Store, clk clock.Clock, ttl time.Duration) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Store{
		backend: backend,
		clock:   clk,
	}
	if ttl > 0 {
		// No janitor: expired entries are dropped on read and everything is
		// flushed on Apply.
		s.cache = gocache.New(ttl, 0)
	}
	return s
}

// ActiveFactors returns the active factors for the given scopes, property
// scope first, then market, then any other type. Within a type the newest
// factor comes first.
func (s *Store) ActiveFactors(ctx context.Context, scopes []types.Scope) ([]types.CalibrationFactor, error) {
	if len(scopes) == 0 {
		return nil, nil
	}

	all, err := s.listFactors(ctx, scopes)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	active := make([]types.CalibrationFactor, 0, len(all))
	for i := range all {
		if all[i].IsActive(now) {
			active = append(active, all[i])
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		return factorLess(&active[i], &active[j])
	})
	return active, nil
}

func (s *Store) listFactors(ctx context.Context, scopes []types.Scope) ([]types.CalibrationFactor, error) {
	key := scopeKey(scopes)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			klog.V(5).InfoS("Calibration factor cache hit", "scopes", key)
			return cached.([]types.CalibrationFactor), nil
		}
	}

	factors, err := s.backend.ListFactors(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration factors: %w", err)
	}

	if s.cache != nil {
		s.cache.SetDefault(key, factors)
	}
	return factors, nil
}

// Apply validates and persists a new factor. Factors never conflict: every
// active factor in scope is composed at prediction time.
func (s *Store) Apply(ctx context.Context, nf NewFactor) (string, error) {
	now := s.clock.Now()
	if err := validate(nf, now); err != nil {
		return "", err
	}

	f := &types.CalibrationFactor{
		ID:         uuid.NewString(),
		FactorType: strings.TrimSpace(nf.FactorType),
		FactorKey:  strings.TrimSpace(nf.FactorKey),
		Multiplier: nf.Multiplier,
		Reason:     nf.Reason,
		ExpiresAt:  nf.ExpiresAt,
		CreatedBy:  nf.CreatedBy,
		CreatedAt:  now,
	}
	if err := s.backend.SaveFactor(ctx, f); err != nil {
		return "", fmt.Errorf("failed to persist calibration factor: %w", err)
	}

	if s.cache != nil {
		s.cache.Flush()
	}
	metrics.CalibrationFactorsApplied.WithLabelValues(f.FactorType).Inc()

	klog.InfoS("Applied calibration factor",
		"id", f.ID,
		"scope", f.Scope().String(),
		"multiplier", f.Multiplier,
		"expiresAt", f.ExpiresAt,
		"createdBy", f.CreatedBy)
	return f.ID, nil
}

func validate(nf NewFactor, now time.Time) error {
	if strings.TrimSpace(nf.FactorType) == "" {
		return fmt.Errorf("%w: factor type is required", common.ErrInvalidCalibration)
	}
	if strings.TrimSpace(nf.FactorKey) == "" {
		return fmt.Errorf("%w: factor key is required", common.ErrInvalidCalibration)
	}
	// NaN fails the comparison
	if !(nf.Multiplier > 0) || math.IsInf(nf.Multiplier, 0) {
		return fmt.Errorf("%w: multiplier must be a positive finite number, got %v",
			common.ErrInvalidCalibration, nf.Multiplier)
	}
	if nf.ExpiresAt != nil && !nf.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expiry %s is not in the future",
			common.ErrInvalidCalibration, nf.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Compose returns the product of the factors' multipliers, 1.0 for none.
// Multipliers are multiplied in ascending order so the floating-point result
// does not depend on the order factors were passed in.
func Compose(factors []types.CalibrationFactor) float64 {
	multipliers := make([]float64, len(factors))
	for i := range factors {
		multipliers[i] = factors[i].Multiplier
	}
	sort.Float64s(multipliers)

	product := 1.0
	for _, m := range multipliers {
		product *= m
	}
	return product
}

// IDs returns the factor IDs in order
func IDs(factors []types.CalibrationFactor) []string {
	if len(factors) == 0 {
		return nil
	}
	ids := make([]string, len(factors))
	for i := range factors {
		ids[i] = factors[i].ID
	}
	return ids
}

func typeRank(factorType string) int {
	switch factorType {
	case common.FactorTypeProperty:
		return 0
	case common.FactorTypeMarket:
		return 1
	default:
		return 2
	}
}

func factorLess(a, b *types.CalibrationFactor) bool {
	if ra, rb := typeRank(a.FactorType), typeRank(b.FactorType); ra != rb {
		return ra < rb
	}
	if a.FactorType != b.FactorType {
		return a.FactorType < b.FactorType
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func scopeKey(scopes []types.Scope) string {
	keys := make([]string, len(scopes))
	for i, scope := range scopes {
		keys[i] = scope.String()
	}
	sort.Strings(keys)
	return strings.Join(keys, "|")
}
