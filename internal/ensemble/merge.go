package ensemble

import (
	"math"

	"mood-ensemble/internal/ml"
)

type mergeOutcome string

const (
	outcomeEnsemble mergeOutcome = "ensemble"
	outcomeSingle   mergeOutcome = "single"
	outcomeNeutral  mergeOutcome = "neutral"
)

// calculateEnsemble combines the surviving branch predictions. Risks are
// blended with the configured weights; confidence is the plain mean.
func calculateEnsemble(primary, pat *ml.Prediction, cfg Config) (ml.Prediction, mergeOutcome) {
	switch {
	case primary != nil && pat != nil:
		return ml.Prediction{
			DepressionRisk: clamp01(cfg.PrimaryWeight*primary.DepressionRisk + cfg.PATWeight*pat.DepressionRisk),
			HypomanicRisk:  clamp01(cfg.PrimaryWeight*primary.HypomanicRisk + cfg.PATWeight*pat.HypomanicRisk),
			ManicRisk:      clamp01(cfg.PrimaryWeight*primary.ManicRisk + cfg.PATWeight*pat.ManicRisk),
			Confidence:     clamp01((primary.Confidence + pat.Confidence) / 2),
		}, outcomeEnsemble
	case primary != nil && cfg.FallbackToSingleModel:
		return *primary, outcomeSingle
	case pat != nil && cfg.FallbackToSingleModel:
		return *pat, outcomeSingle
	default:
		return ml.NeutralPrediction(), outcomeNeutral
	}
}

// ensembleConfidence averages the positive branch confidences. Failed
// branches do not pull the mean down.
func ensembleConfidence(branchConfidence map[string]float64) float64 {
	var sum float64
	var n int
	for name, c := range branchConfidence {
		if name == ConfidenceEnsembleKey || c <= 0 {
			continue
		}
		sum += c
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Max(0, math.Min(1, v))
}
