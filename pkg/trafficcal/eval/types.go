package eval

import "github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/types"

// Comparison is the pure error computation between a predicted and an
// observed weekly count
type Comparison struct {
	AbsoluteError int64

	// Nil when the observed count is zero and a percentage is undefined
	PercentageError *float64

	Direction types.Direction

	// Zero actuals and errors above 100% are excluded from MAPE
	IsOutlier bool
}
