package common

import "time"

// Confidence tier thresholds. Other components (dashboards, batch outcomes,
// accuracy reports) key off these values, so they must stay fixed.
const (
	HighConfidenceThreshold   = 0.75
	MediumConfidenceThreshold = 0.4
)

// Calibration factor types, most specific first
const (
	FactorTypeProperty = "property"
	FactorTypeMarket   = "market"
)

// Measurement methods accepted by the recorder. Free text is also allowed.
const (
	MethodManualCount = "manual_count"
	MethodDoorCounter = "door_counter"
	MethodCamera      = "camera"
	MethodWifiSensor  = "wifi_sensor"
	MethodEstimate    = "estimate"
)

// Prediction sources
const (
	SourceHistory        = "history"
	SourceMarketFallback = "market_fallback"
	SourceRemote         = "remote"
)

// Batch failure reasons (machine-readable)
const (
	ReasonNoHistoricalData = "no_historical_data"
	ReasonTimeout          = "timeout"
	ReasonInvalidInput     = "invalid_input"
	ReasonError            = "error"
)

// Defaults
const (
	DefaultModelVersion          = "baseline-v1"
	DefaultMeasurementConfidence = 0.85
	DefaultStackDampening        = 0.05

	// Outliers are predictions off by more than double the observed value
	OutlierPercentageError = 100.0

	DefaultHistoryLookbackWeeks  = 12
	DefaultSignalSaturation      = 4.0
	DefaultMaxSignalStrength     = 0.95
	DefaultMarketFallbackPenalty = 0.5

	DefaultBatchWorkers     = 4
	DefaultPropertyTimeout  = 10 * time.Second
	DefaultFactorCacheTTL   = 5 * time.Minute
	DefaultForecastCacheTTL = 15 * time.Minute
	DefaultForecastMaxAge   = 2 * time.Hour
	DefaultSnapshotMonths   = 12

	DefaultPublishChannel = "trafficcal:predictions"
)

// Prometheus namespace for all engine metrics
const MetricsNamespace = "trafficcal"
