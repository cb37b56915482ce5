package types

import "time"

// PerformanceSnapshot is a monthly accuracy rollup derived from validation results
type PerformanceSnapshot struct {
	Month                    time.Time `json:"month"` // first day of the month, UTC
	MAPE                     *float64  `json:"mape"`  // nil when every row is an outlier
	ValidationCount          int       `json:"validationCount"`
	OutlierCount             int       `json:"outlierCount"`
	AvgConfidence            float64   `json:"avgConfidence"`
	AvgMeasurementConfidence float64   `json:"avgMeasurementConfidence"`
}
