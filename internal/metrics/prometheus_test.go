package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/honeyclass/internal/events"
	"github.com/cvalentine99/honeyclass/internal/ml"
	"github.com/cvalentine99/honeyclass/internal/models"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		pred ml.Prediction
		want string
	}{
		{"confident", ml.Prediction{AttackType: "rce", IsConfident: true}, OutcomeConfident},
		{"uncertain", ml.Prediction{AttackType: "rce"}, OutcomeUncertain},
		{"not loaded", ml.Prediction{Err: ml.ErrNotLoaded}, OutcomeNotLoaded},
		{"malformed", ml.Prediction{Err: fmt.Errorf("%w: bad ip", ml.ErrMalformedInput)}, OutcomeMalformed},
		{"model", ml.Prediction{Err: fmt.Errorf("%w: boom", ml.ErrModel)}, OutcomeModelError},
		{"other", ml.Prediction{Err: errors.New("x")}, OutcomeOtherFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Outcome(tt.pred))
		})
	}
}

func TestMetrics_ObservePrediction(t *testing.T) {
	m := New()
	flag := true
	m.ObservePrediction(ml.Prediction{AttackType: "xss", IsConfident: true, IsAnomaly: &flag})
	m.ObservePrediction(ml.Prediction{AttackType: "xss", IsConfident: true})
	m.ObservePrediction(ml.Prediction{AttackType: "unknown", Err: ml.ErrNotLoaded})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Predictions.WithLabelValues(OutcomeConfident, "xss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Predictions.WithLabelValues(OutcomeNotLoaded, "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Anomalies))
}

func TestMetrics_ObserveLoadAndTraining(t *testing.T) {
	m := New()
	m.ObserveLoad(ml.LoadEvent{Success: true, Duration: time.Millisecond}, true)
	m.ObserveLoad(ml.LoadEvent{Success: false}, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelLoads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelLoads.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelLoaded))

	m.ObserveTraining(ml.TrainingRun{NumSamples: 500, Duration: time.Second}, nil)
	m.ObserveTraining(ml.TrainingRun{}, ml.ErrEmptyDataset)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrainingRuns.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TrainingRuns.WithLabelValues("failure")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.TrainingSamples))
}

func TestMetrics_InstrumentPredictor(t *testing.T) {
	cfg := ml.DefaultPredictorConfig()
	cfg.ModelDir = t.TempDir()
	p, err := ml.NewPredictor(cfg)
	require.NoError(t, err)

	m := New()
	m.InstrumentPredictor(p)

	assert.False(t, p.LoadModels(context.Background(), ml.LatestVersion))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelLoads.WithLabelValues("failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ModelLoaded))

	p.Predict(models.AttackRecord{SourceIP: "1.2.3.4"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Predictions.WithLabelValues(OutcomeNotLoaded, models.UnknownAttackType)))

	m.ObserveLatency("predict", 3*time.Millisecond)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{
		"honeyclass_predictions_total",
		"honeyclass_cache_hits_total",
		"honeyclass_cache_misses_total",
		"honeyclass_cache_entries",
		"honeyclass_prediction_duration_seconds_bucket",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, name), name)
	}
}

func TestMetrics_InstrumentBus(t *testing.T) {
	m := New()
	bus := events.NewEventBus(&events.EventBusConfig{EnableBatching: false})
	m.InstrumentBus(bus)

	bus.EmitError(errors.New("refused"), "nats_sink")
	bus.EmitError(errors.New("refused"), "nats_sink")
	bus.EmitImmediate(events.EventSystemError, "opaque")
	bus.EmitModelLoad(ml.LoadEvent{Success: true})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SystemErrors.WithLabelValues("nats_sink")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SystemErrors.WithLabelValues("unknown")))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.ObserveTraining(ml.TrainingRun{NumSamples: 42, Duration: time.Second}, nil)

	path := filepath.Join(t.TempDir(), "train.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `honeyclass_training_runs_total{result="success"} 1`)
	assert.Contains(t, string(data), "honeyclass_training_samples 42")
}
