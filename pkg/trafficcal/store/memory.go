package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// MemoryStore implements Store in process memory. Rows are kept in insertion
// order; seq breaks CreatedAt ties so "newest" is always well defined.
type MemoryStore struct {
	mutex sync.RWMutex

	predictions  []storedPrediction
	measurements map[string]*types.Measurement
	measureOrder []string
	validations  []*types.ValidationResult
	pairs        map[validationPair]*types.ValidationResult
	factors      []*types.CalibrationFactor
	snapshots    []types.PerformanceSnapshot
	seq          int64
}

type storedPrediction struct {
	prediction *types.Prediction
	seq        int64
}

type validationPair struct {
	predictionID  string
	measurementID string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		measurements: make(map[string]*types.Measurement),
		pairs:        make(map[validationPair]*types.ValidationResult),
	}
}

func (s *MemoryStore) SavePrediction(ctx context.Context, p *types.Prediction) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	// Nothing is written once the caller has given up
	if err := ctx.Err(); err != nil {
		return err
	}

	s.seq++
	s.predictions = append(s.predictions, storedPrediction{prediction: clonePrediction(p), seq: s.seq})
	klog.V(4).InfoS("Stored prediction", "propertyID", p.PropertyID, "week", p.Week, "year", p.Year, "id", p.ID)
	return nil
}

func (s *MemoryStore) CurrentPrediction(_ context.Context, propertyID string, bucket types.Bucket, modelVersion string) (*types.Prediction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var current *storedPrediction
	for i := range s.predictions {
		sp := &s.predictions[i]
		p := sp.prediction
		if p.PropertyID != propertyID || p.Week != bucket.Week || p.Year != bucket.Year {
			continue
		}
		if modelVersion != "" && p.ModelVersion != modelVersion {
			continue
		}
		if current == nil || newerThan(p.CreatedAt, sp.seq, current.prediction.CreatedAt, current.seq) {
			current = sp
		}
	}
	if current == nil {
		return nil, ErrNotFound
	}
	return clonePrediction(current.prediction), nil
}

func newerThan(a time.Time, aSeq int64, b time.Time, bSeq int64) bool {
	if !a.Equal(b) {
		return a.After(b)
	}
	return aSeq > bSeq
}

func (s *MemoryStore) ListPredictions(_ context.Context, propertyID string, bucket types.Bucket) ([]types.Prediction, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []types.Prediction
	for _, sp := range s.predictions {
		p := sp.prediction
		if p.PropertyID == propertyID && p.Week == bucket.Week && p.Year == bucket.Year {
			out = append(out, *clonePrediction(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveMeasurement(ctx context.Context, m *types.Measurement) (*types.Measurement, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if existing, ok := s.measurements[m.ID]; ok {
		return cloneMeasurement(existing), false, nil
	}
	s.measurements[m.ID] = cloneMeasurement(m)
	s.measureOrder = append(s.measureOrder, m.ID)
	return cloneMeasurement(m), true, nil
}

func (s *MemoryStore) ListMeasurements(_ context.Context, propertyIDs []string, since time.Time) ([]types.Measurement, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	wanted := sets.New(propertyIDs...)
	var out []types.Measurement
	for _, id := range s.measureOrder {
		m := s.measurements[id]
		if !wanted.Has(m.PropertyID) || m.MeasurementDate.Before(since) {
			continue
		}
		out = append(out, *cloneMeasurement(m))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MeasurementDate.Before(out[j].MeasurementDate)
	})
	return out, nil
}

func (s *MemoryStore) SaveValidation(ctx context.Context, v *types.ValidationResult) (*types.ValidationResult, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	key := validationPair{predictionID: v.PredictionID, measurementID: v.MeasurementID}
	if existing, ok := s.pairs[key]; ok {
		return cloneValidation(existing), false, nil
	}
	stored := cloneValidation(v)
	s.pairs[key] = stored
	s.validations = append(s.validations, stored)
	return cloneValidation(stored), true, nil
}

func (s *MemoryStore) ListValidations(_ context.Context, filter ValidationFilter) ([]types.ValidationResult, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var out []types.ValidationResult
	for _, v := range s.validations {
		if filter.matches(v) {
			out = append(out, *cloneValidation(v))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveFactor(ctx context.Context, f *types.CalibrationFactor) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.factors = append(s.factors, cloneFactor(f))
	return nil
}

func (s *MemoryStore) ListFactors(_ context.Context, scopes []types.Scope) ([]types.CalibrationFactor, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	wanted := sets.New(scopes...)
	var out []types.CalibrationFactor
	for _, f := range s.factors {
		if wanted.Has(f.Scope()) {
			out = append(out, *cloneFactor(f))
		}
	}
	return out, nil
}

func (s *MemoryStore) ReplaceSnapshots(ctx context.Context, snapshots []types.PerformanceSnapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.snapshots = sortedSnapshots(snapshots)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context) ([]types.PerformanceSnapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return sortedSnapshots(s.snapshots), nil
}

func sortedSnapshots(in []types.PerformanceSnapshot) []types.PerformanceSnapshot {
	out := make([]types.PerformanceSnapshot, len(in))
	for i, snap := range in {
		out[i] = snap
		if snap.MAPE != nil {
			m := *snap.MAPE
			out[i].MAPE = &m
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Month.After(out[j].Month)
	})
	return out
}

// Size returns the number of rows held per entity
func (s *MemoryStore) Size() (predictions, measurements, validations, factors int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.predictions), len(s.measurements), len(s.validations), len(s.factors)
}

// Close releases nothing; it logs what is discarded with the process
func (s *MemoryStore) Close() error {
	predictions, measurements, validations, factors := s.Size()
	klog.V(2).InfoS("Closing memory store, contents are not persisted",
		"predictions", predictions,
		"measurements", measurements,
		"validations", validations,
		"factors", factors)
	return nil
}
