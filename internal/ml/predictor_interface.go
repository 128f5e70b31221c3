// Package ml provides the model adapters used by the ensemble coordinator.
// It includes the primary mood classifier (local ONNX inference or a remote
// model server), the activity sequence encoder, model metadata loading and
// the on-disk model registry.
//
// Adapters are loaded once and shared by many concurrent callers. They hold
// no per-call state; an adapter whose model could not be loaded reports
// IsLoaded() == false and fails every call with ErrModelNotLoaded.
package ml

import (
	"context"
	"errors"
	"fmt"
	"math"

	"mood-ensemble/internal/sequence"
)

// DefaultFeatureLength is the statistical feature vector length of the
// reference deployment.
const DefaultFeatureLength = 36

var ErrModelNotLoaded = errors.New("model not loaded")

// FeatureVector is an ordered, fixed-length list of statistical features.
type FeatureVector []float64

// Prediction is the calibrated output of one model.
type Prediction struct {
	DepressionRisk float64 `json:"depression_risk"`
	HypomanicRisk  float64 `json:"hypomanic_risk"`
	ManicRisk      float64 `json:"manic_risk"`
	Confidence     float64 `json:"confidence"`
}

// NeutralPrediction is returned when no model produced a usable result.
func NeutralPrediction() Prediction {
	return Prediction{DepressionRisk: 0.5, HypomanicRisk: 0.5, ManicRisk: 0.5, Confidence: 0}
}

// Validate checks that every field is a probability.
func (p Prediction) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"depression_risk", p.DepressionRisk},
		{"hypomanic_risk", p.HypomanicRisk},
		{"manic_risk", p.ManicRisk},
		{"confidence", p.Confidence},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || f.value < 0 || f.value > 1 {
			return fmt.Errorf("%s %v outside [0, 1]", f.name, f.value)
		}
	}
	return nil
}

// Scorer is the primary mood classifier. Both ensemble branches score
// through the same Scorer, on different feature vectors.
type Scorer interface {
	// Predict scores a feature vector. Implementations must be safe for
	// concurrent use.
	Predict(ctx context.Context, features FeatureVector) (Prediction, error)

	// IsLoaded reports whether the underlying model is usable.
	IsLoaded() bool

	// ExpectedFeatures returns the vector length Predict accepts.
	ExpectedFeatures() int
}

// SequenceEncoder derives a learned embedding from an activity window.
type SequenceEncoder interface {
	ExtractEmbedding(ctx context.Context, seq sequence.Sequence) ([]float64, error)
	IsLoaded() bool
}

// MetricsInterface defines metrics methods needed by the adapters.
type MetricsInterface interface {
	MLPredictionsInc(model string)
	MLFailuresInc(model string)
	MLLatencyObserve(model string, seconds float64)
	MLModelAgeSet(model string, seconds float64)
	MLTimeoutsInc(model string)
}

// confidenceFromRisks measures how far the three risks sit from indecision.
func confidenceFromRisks(depression, hypomanic, manic float64) float64 {
	c := (math.Abs(2*depression-1) + math.Abs(2*hypomanic-1) + math.Abs(2*manic-1)) / 3
	return math.Max(0, math.Min(1, c))
}

func validateFeatures(features []float64, expected int) error {
	if len(features) != expected {
		return fmt.Errorf("expected %d features, got %d", expected, len(features))
	}
	for i, f := range features {
		if math.IsNaN(f) {
			return fmt.Errorf("feature %d is NaN", i)
		}
		if math.IsInf(f, 0) || f > 1e10 || f < -1e10 {
			return fmt.Errorf("feature %d has extreme value: %f", i, f)
		}
	}
	return nil
}
