// Package metrics provides Prometheus metrics collection for the mood
// ensemble service. It defines the model adapter and ensemble coordinator
// metrics exposed via the Prometheus metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Model adapter metrics, labelled by model ("xgboost", "pat").
	MLPredictions *prometheus.CounterVec   // Successful model invocations
	MLFailures    *prometheus.CounterVec   // Failed model invocations
	MLTimeouts    *prometheus.CounterVec   // Model invocations that timed out
	MLLatency     *prometheus.HistogramVec // Model invocation latency in seconds
	MLModelAge    *prometheus.GaugeVec     // Age of the loaded model file in seconds

	// Ensemble metrics
	EnsemblePredictions *prometheus.CounterVec   // Ensemble calls by merge outcome
	EnsembleConfidence  prometheus.Histogram     // Ensemble confidence distribution
	BranchLatency       *prometheus.HistogramVec // Branch latency from submission, by branch
	BranchFailures      *prometheus.CounterVec   // Branch failures by branch and reason

	// Storage metrics
	ActivitiesStored prometheus.Counter // Activity records written to the store
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		MLPredictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_predictions_total",
			Help: "Total number of successful model invocations",
		}, []string{"model"}),
		MLFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_failures_total",
			Help: "Total number of failed model invocations",
		}, []string{"model"}),
		MLTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ml_timeouts_total",
			Help: "Total number of model invocations that timed out",
		}, []string{"model"}),
		MLLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ml_latency_seconds",
			Help:    "Model invocation latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"model"}),
		MLModelAge: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ml_model_age_seconds",
			Help: "Age of the loaded model file in seconds",
		}, []string{"model"}),
		EnsemblePredictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_predictions_total",
			Help: "Total number of ensemble predictions by merge outcome",
		}, []string{"outcome"}),
		EnsembleConfidence: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ensemble_confidence",
			Help:    "Distribution of ensemble confidence scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		BranchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ensemble_branch_latency_seconds",
			Help:    "Branch latency from submission to retrieval in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"branch"}),
		BranchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ensemble_branch_failures_total",
			Help: "Total number of branch failures by branch and reason",
		}, []string{"branch", "reason"}),
		ActivitiesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "activities_stored_total",
			Help: "Total number of activity records written to the store",
		}),
	}
}
