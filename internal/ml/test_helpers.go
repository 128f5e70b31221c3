package ml

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu          sync.Mutex
	predictions map[string]int
	failures    map[string]int
	timeouts    map[string]int
	latencySum  map[string]float64
	modelAge    map[string]float64
}

func (m *MockMetrics) init() {
	if m.predictions == nil {
		m.predictions = map[string]int{}
		m.failures = map[string]int{}
		m.timeouts = map[string]int{}
		m.latencySum = map[string]float64{}
		m.modelAge = map[string]float64{}
	}
}

func (m *MockMetrics) MLPredictionsInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.predictions[model]++
}

func (m *MockMetrics) MLFailuresInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.failures[model]++
}

func (m *MockMetrics) MLLatencyObserve(model string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.latencySum[model] += v
}

func (m *MockMetrics) MLModelAgeSet(model string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.modelAge[model] = v
}

func (m *MockMetrics) MLTimeoutsInc(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.timeouts[model]++
}

func (m *MockMetrics) Predictions(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.predictions[model]
}

func (m *MockMetrics) Failures(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[model]
}

func (m *MockMetrics) Timeouts(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeouts[model]
}
