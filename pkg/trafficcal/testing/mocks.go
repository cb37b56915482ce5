package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// MockForecastProvider implements forecast.BaseForecastProvider for testing.
// Supports fixed per-property forecasts and a function override for more
// complex scenarios.
type MockForecastProvider struct {
	mu        sync.Mutex
	forecasts map[string]types.BaseForecast
	calls     map[string]int

	// BaseForecastFunc takes precedence when set
	BaseForecastFunc func(ctx context.Context, propertyID string, bucket types.Bucket) (*types.BaseForecast, error)
}

// NewMockForecastProvider creates a provider that knows no property
func NewMockForecastProvider() *MockForecastProvider {
	return &MockForecastProvider{
		forecasts: make(map[string]types.BaseForecast),
		calls:     make(map[string]int),
	}
}

// SetForecast registers a fixed forecast for a property
func (m *MockForecastProvider) SetForecast(propertyID string, raw, signal float64) *MockForecastProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forecasts[propertyID] = types.BaseForecast{
		RawForecast:    raw,
		SignalStrength: signal,
		Source:         common.SourceHistory,
		Samples:        1,
	}
	return m
}

func (m *MockForecastProvider) BaseForecast(ctx context.Context, propertyID string, bucket types.Bucket) (*types.BaseForecast, error) {
	m.mu.Lock()
	m.calls[propertyID]++
	fn := m.BaseForecastFunc
	forecast, ok := m.forecasts[propertyID]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, propertyID, bucket)
	}
	if !ok {
		return nil, fmt.Errorf("property %s (mock): %w", propertyID, common.ErrNoHistoricalData)
	}
	return &forecast, nil
}

// Calls returns how many times the property was requested
func (m *MockForecastProvider) Calls(propertyID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[propertyID]
}

// MockPublisher records published predictions
type MockPublisher struct {
	mu        sync.Mutex
	published []types.Prediction
	closed    bool

	// PublishFunc takes precedence when set
	PublishFunc func(ctx context.Context, prediction *types.Prediction) error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, prediction *types.Prediction) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, prediction); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, *prediction)
	return nil
}

func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Published returns a copy of everything published so far
func (m *MockPublisher) Published() []types.Prediction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Prediction(nil), m.published...)
}

// MockPredictor implements batch.Predictor for testing
type MockPredictor struct {
	// PredictFunc must be set
	PredictFunc func(ctx context.Context, propertyID string, target *types.Bucket) (*types.Prediction, error)
}

func (m *MockPredictor) Predict(ctx context.Context, propertyID string, target *types.Bucket) (*types.Prediction, error) {
	if m.PredictFunc == nil {
		return nil, fmt.Errorf("mock predictor: PredictFunc not set")
	}
	return m.PredictFunc(ctx, propertyID, target)
}
