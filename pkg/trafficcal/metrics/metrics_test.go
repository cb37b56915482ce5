package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegistered(t *testing.T) {
	// Vec collectors only show up once a child exists
	PredictionsTotal.WithLabelValues("success")
	BatchOutcomes.WithLabelValues("success")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["trafficcal_engine_predictions_total"])
	assert.True(t, names["trafficcal_engine_prediction_duration_seconds"])
	assert.True(t, names["trafficcal_batch_outcomes_total"])
	assert.True(t, names["trafficcal_publish_failures_total"])
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(CalibrationFactorsApplied.WithLabelValues("property"))
	CalibrationFactorsApplied.WithLabelValues("property").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CalibrationFactorsApplied.WithLabelValues("property")))
}
