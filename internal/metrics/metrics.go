// Package metrics defines the Prometheus collectors for the prediction
// pipeline. A batch CLI has no scrape endpoint, so the registry is written to a
// node_exporter textfile after each run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error kinds used as the "kind" label of ErrorsTotal.
const (
	KindInsufficientData = "insufficient_data"
	KindOutOfRange       = "out_of_range"
	KindExplainability   = "explainability"
	KindLookupMiss       = "lookup_miss"
	KindOther            = "other"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ModelFits          prometheus.Counter   // Forests fitted
	CacheHits          prometheus.Counter   // Requests served by a cached forest
	FitDuration        prometheus.Histogram // Forest fit time
	Predictions        prometheus.Counter   // Completed predict/explain/compose runs
	ExplainDuration    prometheus.Histogram // Attribution time
	Evaluations        prometheus.Histogram // Model calls per attribution
	ClampedInputs      prometheus.Counter   // Features pinned to their bounds
	DatasetRecords     prometheus.Gauge     // Records in the active dataset
	AdditivityResidual prometheus.Gauge     // Last baseline+contributions-prediction gap
	LastPrediction     prometheus.Gauge     // Last predicted grade
	ErrorsTotal        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates metrics on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on registry.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		ModelFits: factory.NewCounter(prometheus.CounterOpts{
			Name: "yieldscope_model_fits_total",
			Help: "Total number of forests fitted",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "yieldscope_model_cache_hits_total",
			Help: "Total number of requests served by the cached forest",
		}),
		FitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "yieldscope_fit_duration_seconds",
			Help:    "Forest fit duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		Predictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "yieldscope_predictions_total",
			Help: "Total number of explained predictions",
		}),
		ExplainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "yieldscope_explain_duration_seconds",
			Help:    "Attribution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		Evaluations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "yieldscope_explain_evaluations",
			Help:    "Model evaluations per attribution",
			Buckets: prometheus.ExponentialBuckets(32, 2, 10),
		}),
		ClampedInputs: factory.NewCounter(prometheus.CounterOpts{
			Name: "yieldscope_clamped_inputs_total",
			Help: "Total number of input features clamped to their bounds",
		}),
		DatasetRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yieldscope_dataset_records",
			Help: "Number of records in the active dataset",
		}),
		AdditivityResidual: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yieldscope_additivity_residual",
			Help: "Baseline plus contributions minus prediction for the last attribution",
		}),
		LastPrediction: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yieldscope_last_prediction",
			Help: "Most recent predicted grade",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yieldscope_errors_total",
			Help: "Total number of pipeline errors by kind",
		}, []string{"kind"}),
		gatherer: registry,
	}
}

// ObserveFit records one forest fit.
func (m *Metrics) ObserveFit(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ModelFits.Inc()
	m.FitDuration.Observe(elapsed.Seconds())
}

// ObserveCacheHit records a request that reused the fitted forest.
func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// ObserveExplain records one finished attribution.
func (m *Metrics) ObserveExplain(elapsed time.Duration, evaluations int, residual, prediction float64) {
	if m == nil {
		return
	}
	m.Predictions.Inc()
	m.ExplainDuration.Observe(elapsed.Seconds())
	m.Evaluations.Observe(float64(evaluations))
	m.AdditivityResidual.Set(residual)
	m.LastPrediction.Set(prediction)
}

// ObserveClamped adds n clamped features.
func (m *Metrics) ObserveClamped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ClampedInputs.Add(float64(n))
}

// SetDatasetRecords tracks the active dataset size.
func (m *Metrics) SetDatasetRecords(n int) {
	if m == nil {
		return
	}
	m.DatasetRecords.Set(float64(n))
}

// ObserveError counts a failure of the given kind.
func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// WriteTextfile writes every collector in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
