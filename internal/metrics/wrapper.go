package metrics

// MetricsWrapper adapts Metrics to the narrow interfaces the model adapters,
// the coordinator and the store depend on.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) MLPredictionsInc(model string) {
	w.m.MLPredictions.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) MLFailuresInc(model string) {
	w.m.MLFailures.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) MLTimeoutsInc(model string) {
	w.m.MLTimeouts.WithLabelValues(model).Inc()
}

func (w *MetricsWrapper) MLLatencyObserve(model string, seconds float64) {
	w.m.MLLatency.WithLabelValues(model).Observe(seconds)
}

func (w *MetricsWrapper) MLModelAgeSet(model string, seconds float64) {
	w.m.MLModelAge.WithLabelValues(model).Set(seconds)
}

func (w *MetricsWrapper) EnsemblePredictionsInc(outcome string) {
	w.m.EnsemblePredictions.WithLabelValues(outcome).Inc()
}

func (w *MetricsWrapper) EnsembleConfidenceObserve(confidence float64) {
	w.m.EnsembleConfidence.Observe(confidence)
}

func (w *MetricsWrapper) BranchLatencyObserve(branch string, seconds float64) {
	w.m.BranchLatency.WithLabelValues(branch).Observe(seconds)
}

func (w *MetricsWrapper) BranchFailuresInc(branch, reason string) {
	w.m.BranchFailures.WithLabelValues(branch, reason).Inc()
}

func (w *MetricsWrapper) ActivitiesStoredAdd(n int) {
	w.m.ActivitiesStored.Add(float64(n))
}
