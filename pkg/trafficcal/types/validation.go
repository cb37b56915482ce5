package types

import "time"

// Direction tells whether a prediction overshot the observed value
type Direction string

const (
	DirectionOver  Direction = "OVER"
	DirectionUnder Direction = "UNDER"
)

// ValidationResult compares one prediction against one measurement of the
// same bucket. There is at most one row per (PredictionID, MeasurementID).
type ValidationResult struct {
	ID                    string    `json:"id"`
	PropertyID            string    `json:"propertyId"`
	Week                  int       `json:"week"`
	Year                  int       `json:"year"`
	Predicted             int64     `json:"predicted"`
	Actual                int64     `json:"actual"`
	AbsoluteError         int64     `json:"absoluteError"`
	PercentageError       *float64  `json:"percentageError"` // nil when actual is zero
	Direction             Direction `json:"direction"`
	PredictionConfidence  float64   `json:"predictionConfidence"`
	MeasurementConfidence float64   `json:"measurementConfidence"`
	ModelVersion          string    `json:"modelVersion"`
	PredictionID          string    `json:"predictionId"`
	MeasurementID         string    `json:"measurementId"`
	IsOutlier             bool      `json:"isOutlier"`
	CreatedAt             time.Time `json:"createdAt"`
}
