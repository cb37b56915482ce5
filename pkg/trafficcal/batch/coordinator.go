package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/metrics"
	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"
)

// Predictor produces a single prediction; forecast.Engine implements it
type Predictor interface {
	Predict(ctx context.Context, propertyID string, target *types.Bucket) (*types.Prediction, error)
}

// Outcome is the per-property result of a batch
type Outcome struct {
	PropertyID    string               `json:"propertyId"`
	Success       bool                 `json:"success"`
	PredictionID  string               `json:"predictionId,omitempty"`
	WeeklyWalkIns int64                `json:"weeklyWalkIns,omitempty"`
	Tier          types.ConfidenceTier `json:"tier,omitempty"`
	Score         float64              `json:"score,omitempty"`
	Error         string               `json:"error,omitempty"`
	Reason        string               `json:"reason,omitempty"` // machine-readable failure reason
}

// Response holds the outcomes in input order
type Response struct {
	Results    []Outcome `json:"results"`
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
}

// Coordinator runs predictions for many properties on a bounded worker pool
type Coordinator struct {
	predictor Predictor
	workers   int
	timeout   time.Duration
}

// NewCoordinator creates a coordinator. Non-positive values use defaults.
func NewCoordinator(predictor Predictor, workers int, timeout time.Duration) *Coordinator {
	if workers <= 0 {
		workers = common.DefaultBatchWorkers
	}
	if timeout <= 0 {
		timeout = common.DefaultPropertyTimeout
	}
	return &Coordinator{
		predictor: predictor,
		workers:   workers,
		timeout:   timeout,
	}
}

// PredictBatch predicts the current week for every property. A failure for
// one property never affects the others.
func (c *Coordinator) PredictBatch(ctx context.Context, propertyIDs []string) *Response {
	return c.PredictBatchFor(ctx, propertyIDs, nil)
}

// PredictBatchFor predicts the given bucket (nil for the current week) for every property
func (c *Coordinator) PredictBatchFor(ctx context.Context, propertyIDs []string, target *types.Bucket) *Response {
	start := time.Now()
	results := make([]Outcome, len(propertyIDs))

	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, propertyID := range propertyIDs {
		g.Go(func() error {
			results[i] = c.predictOne(ctx, propertyID, target)
			return nil
		})
	}
	// Workers never return errors; failures are recorded as outcomes
	_ = g.Wait()

	resp := &Response{Results: results, Total: len(results)}
	for _, r := range results {
		if r.Success {
			resp.Successful++
			metrics.BatchOutcomes.WithLabelValues("success").Inc()
		} else {
			metrics.BatchOutcomes.WithLabelValues(r.Reason).Inc()
		}
	}

	klog.V(2).InfoS("Batch prediction finished",
		"total", resp.Total,
		"successful", resp.Successful,
		"workers", c.workers,
		"duration", time.Since(start))
	return resp
}

// resultGrace bounds how long a timed out prediction may still report
const resultGrace = 250 * time.Millisecond

type predictResult struct {
	prediction *types.Prediction
	err        error
}

func (c *Coordinator) predictOne(parent context.Context, propertyID string, target *types.Bucket) Outcome {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	done := make(chan predictResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- predictResult{err: fmt.Errorf("panic during prediction: %v", r)}
			}
		}()
		p, err := c.predictor.Predict(ctx, propertyID, target)
		done <- predictResult{prediction: p, err: err}
	}()

	var res predictResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = awaitAbandoned(done, ctx.Err())
	}
	if res.err == nil && res.prediction == nil {
		res.err = fmt.Errorf("predictor returned no prediction")
	}

	if res.err != nil {
		reason := classify(res.err)
		klog.V(2).InfoS("Batch prediction failed",
			"propertyID", propertyID,
			"reason", reason,
			"error", res.err)
		return Outcome{
			PropertyID: propertyID,
			Error:      res.err.Error(),
			Reason:     reason,
		}
	}

	return Outcome{
		PropertyID:    propertyID,
		Success:       true,
		PredictionID:  res.prediction.ID,
		WeeklyWalkIns: res.prediction.WeeklyWalkIns,
		Tier:          res.prediction.Confidence.Tier,
		Score:         res.prediction.Confidence.Score,
	}
}

// awaitAbandoned gives a predictor whose deadline passed a short window to
// report. A prediction saved just before the deadline is reported as such,
// never as a timeout.
func awaitAbandoned(done <-chan predictResult, cause error) predictResult {
	grace := time.NewTimer(resultGrace)
	defer grace.Stop()
	select {
	case res := <-done:
		if res.err == nil {
			return res
		}
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled) {
			return predictResult{err: cause}
		}
		return res
	case <-grace.C:
		return predictResult{err: cause}
	}
}

func classify(err error) string {
	switch {
	case errors.Is(err, common.ErrNoHistoricalData):
		return common.ReasonNoHistoricalData
	case errors.Is(err, context.DeadlineExceeded):
		return common.ReasonTimeout
	case errors.Is(err, common.ErrInvalidInput):
		return common.ReasonInvalidInput
	default:
		return common.ReasonError
	}
}
