package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/elevated-systems/traffic-calibration-engine/pkg/trafficcal/common"
)

var (
	// PredictionsTotal counts prediction attempts by result
	PredictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "engine",
			Name:      "predictions_total",
			Help:      "Number of prediction attempts by result",
		},
		[]string{"result"}, // "success", "no_historical_data", "error"
	)

	// PredictionConfidence observes the confidence score of stored predictions
	PredictionConfidence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "engine",
			Name:      "prediction_confidence_score",
			Help:      "Confidence score of stored predictions",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"tier"},
	)

	// PredictionLatency measures end-to-end Predict duration
	PredictionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "engine",
			Name:      "prediction_duration_seconds",
			Help:      "Latency of a single prediction including provider and persistence",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	// MeasurementsTotal counts recorded measurements by method
	MeasurementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "measurement",
			Name:      "recorded_total",
			Help:      "Number of measurements recorded by collection method",
		},
		[]string{"method"},
	)

	// ValidationsTotal counts validation results by direction and outlier flag
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "validation",
			Name:      "results_total",
			Help:      "Number of new validation results",
		},
		[]string{"direction", "outlier"},
	)

	// ValidationPercentageError observes percentage error of non-outlier validations
	ValidationPercentageError = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "validation",
			Name:      "percentage_error",
			Help:      "Percentage error of validations that are not outliers",
			Buckets:   []float64{1, 2.5, 5, 10, 15, 20, 30, 50, 75, 100},
		},
	)

	// CalibrationFactorsApplied counts persisted calibration factors by type
	CalibrationFactorsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "calibration",
			Name:      "factors_applied_total",
			Help:      "Number of calibration factors applied by factor type",
		},
		[]string{"factor_type"},
	)

	// MonthlyMAPE exposes the latest refreshed MAPE per month
	MonthlyMAPE = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "performance",
			Name:      "mape_percent",
			Help:      "Mean absolute percentage error per month from the last snapshot refresh",
		},
		[]string{"month"},
	)

	// BatchOutcomes counts per-property batch outcomes
	BatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "batch",
			Name:      "outcomes_total",
			Help:      "Number of per-property batch outcomes by reason",
		},
		[]string{"reason"}, // "success" or a failure reason
	)

	// ForecastCacheLookups counts base forecast cache hits and misses
	ForecastCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "forecast_cache",
			Name:      "lookups_total",
			Help:      "Base forecast cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss"
	)

	// PublishFailures counts predictions that could not be published
	PublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.MetricsNamespace,
			Subsystem: "publish",
			Name:      "failures_total",
			Help:      "Number of predictions that failed to publish",
		},
	)
)

func init() {
	prometheus.MustRegister(PredictionsTotal)
	prometheus.MustRegister(PredictionConfidence)
	prometheus.MustRegister(PredictionLatency)
	prometheus.MustRegister(MeasurementsTotal)
	prometheus.MustRegister(ValidationsTotal)
	prometheus.MustRegister(ValidationPercentageError)
	prometheus.MustRegister(CalibrationFactorsApplied)
	prometheus.MustRegister(MonthlyMAPE)
	prometheus.MustRegister(BatchOutcomes)
	prometheus.MustRegister(ForecastCacheLookups)
	prometheus.MustRegister(PublishFailures)
}
