// Package metrics provides Prometheus metrics export for honeyclass.
// Exposes predictor, cache, model load and training statistics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cvalentine99/honeyclass/internal/events"
	"github.com/cvalentine99/honeyclass/internal/ml"
	"github.com/cvalentine99/honeyclass/internal/models"
)

const namespace = "honeyclass"

// Prediction outcomes used as the "outcome" label.
const (
	OutcomeConfident   = "confident"
	OutcomeUncertain   = "uncertain"
	OutcomeNotLoaded   = "not_loaded"
	OutcomeMalformed   = "malformed"
	OutcomeModelError  = "model_error"
	OutcomeOtherFailed = "failed"
)

// Metrics holds all collectors for one registry.
type Metrics struct {
	registry *prometheus.Registry

	Predictions       *prometheus.CounterVec
	PredictionLatency *prometheus.HistogramVec
	Anomalies         prometheus.Counter
	ModelLoads        *prometheus.CounterVec
	ModelLoaded       prometheus.Gauge
	ModelLoadDuration prometheus.Histogram
	TrainingRuns      *prometheus.CounterVec
	TrainingDuration  prometheus.Histogram
	TrainingSamples   prometheus.Gauge
	SystemErrors      *prometheus.CounterVec
}

// New creates a registry carrying the process and Go collectors plus the
// honeyclass collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions returned, by outcome and attack type",
		}, []string{"outcome", "attack_type"}),
		PredictionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Prediction request latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"endpoint"}),
		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Predictions flagged as anomalous",
		}),
		ModelLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_loads_total",
			Help:      "Model load attempts by result",
		}, []string{"result"}),
		ModelLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_loaded",
			Help:      "1 when a model set is serving",
		}),
		ModelLoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_load_duration_seconds",
			Help:      "Model load latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		TrainingRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Training pipeline runs by result",
		}, []string{"result"}),
		TrainingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Training pipeline duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		TrainingSamples: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_samples",
			Help:      "Records used by the last training run",
		}),
		SystemErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "system_errors_total",
			Help:      "System error events by context",
		}, []string{"context"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry in the text exposition format to path,
// for the node_exporter textfile collector. Used by one-shot training runs
// that are never scraped.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Outcome classifies a prediction for the outcome label.
func Outcome(p ml.Prediction) string {
	switch {
	case !p.Failed() && p.IsConfident:
		return OutcomeConfident
	case !p.Failed():
		return OutcomeUncertain
	case errors.Is(p.Err, ml.ErrNotLoaded):
		return OutcomeNotLoaded
	case errors.Is(p.Err, ml.ErrMalformedInput):
		return OutcomeMalformed
	case errors.Is(p.Err, ml.ErrModel):
		return OutcomeModelError
	default:
		return OutcomeOtherFailed
	}
}

// ObservePrediction counts one returned prediction.
func (m *Metrics) ObservePrediction(p ml.Prediction) {
	m.Predictions.WithLabelValues(Outcome(p), p.AttackType).Inc()
	if p.Anomalous() {
		m.Anomalies.Inc()
	}
}

// ObserveLatency records a request duration for endpoint.
func (m *Metrics) ObserveLatency(endpoint string, d time.Duration) {
	m.PredictionLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveLoad records one model load attempt.
func (m *Metrics) ObserveLoad(ev ml.LoadEvent, loaded bool) {
	result := "success"
	if !ev.Success {
		result = "failure"
	}
	m.ModelLoads.WithLabelValues(result).Inc()
	m.ModelLoadDuration.Observe(ev.Duration.Seconds())
	if loaded {
		m.ModelLoaded.Set(1)
	} else {
		m.ModelLoaded.Set(0)
	}
}

// ObserveTraining records one finished training run.
func (m *Metrics) ObserveTraining(run ml.TrainingRun, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.TrainingRuns.WithLabelValues(result).Inc()
	m.TrainingDuration.Observe(run.Duration.Seconds())
	if err == nil {
		m.TrainingSamples.Set(float64(run.NumSamples))
	}
}

// InstrumentPredictor hooks p's load and prediction callbacks and exports
// its cache counters.
func (m *Metrics) InstrumentPredictor(p *ml.Predictor) {
	p.OnPrediction(func(_ models.AttackRecord, pred ml.Prediction) {
		m.ObservePrediction(pred)
	})
	p.OnLoad(func(ev ml.LoadEvent) {
		m.ObserveLoad(ev, p.IsLoaded())
	})

	factory := promauto.With(m.registry)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Prediction cache hits",
	}, func() float64 { return float64(p.Stats().CacheHits) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Prediction cache misses",
	}, func() float64 { return float64(p.Stats().CacheMisses) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries held by the prediction cache",
	}, func() float64 { return float64(p.Stats().CacheSize) })
}

// InstrumentTrainer hooks t's run callback.
func (m *Metrics) InstrumentTrainer(t *ml.Trainer) {
	t.OnRun(m.ObserveTraining)
}

// InstrumentBus counts the bus's system error events.
func (m *Metrics) InstrumentBus(bus *events.EventBus) {
	bus.Subscribe(events.EventSystemError, func(e *events.Event) {
		where := "unknown"
		if d, ok := e.Data.(*events.ErrorData); ok {
			where = d.Context
		}
		m.SystemErrors.WithLabelValues(where).Inc()
	})
}
