package common

import "errors"

var (
	// ErrNoHistoricalData means no base forecast is available for a property.
	// Callers may retry later or accept a market-level fallback.
	ErrNoHistoricalData = errors.New("no historical data")

	// ErrInvalidCalibration rejects a calibration factor before persistence
	ErrInvalidCalibration = errors.New("invalid calibration")

	// ErrInvalidMeasurement rejects a measurement before persistence
	ErrInvalidMeasurement = errors.New("invalid measurement")

	// ErrBucketMismatch is returned when a prediction and a measurement do not
	// share the same (property, week, year) bucket
	ErrBucketMismatch = errors.New("prediction and measurement are in different buckets")

	// ErrInvalidInput rejects malformed request parameters such as an empty
	// property ID or an out-of-range bucket
	ErrInvalidInput = errors.New("invalid input")

	// ErrInsufficientData means there are not enough validations to derive a value
	ErrInsufficientData = errors.New("insufficient data")
)
