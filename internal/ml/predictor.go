package ml

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// ClassifierModelName labels the mood classifier in metrics and logs.
const ClassifierModelName = "xgboost"

// classifierRoles are the per-risk model files expected in the model directory.
var classifierRoles = []string{"depression", "hypomanic", "manic"}

// ClassifierConfig configures a local MoodClassifier.
type ClassifierConfig struct {
	// ModelDir holds depression.onnx, hypomanic.onnx and manic.onnx plus an
	// optional model_metadata.json.
	ModelDir   string
	PythonPath string
	Timeout    time.Duration
}

// MoodClassifier scores feature vectors with the three gradient-boosted mood
// models through an ONNX Runtime subprocess.
type MoodClassifier struct {
	available    bool
	runner       pythonRunner
	features     int
	version      string
	modelCreated time.Time
	metrics      MetricsInterface
}

type classifierRequest struct {
	Features []float64 `json:"features"`
}

type classifierResponse struct {
	Depression float64  `json:"depression"`
	Hypomanic  float64  `json:"hypomanic"`
	Manic      float64  `json:"manic"`
	Confidence *float64 `json:"confidence,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// NewMoodClassifier loads the classifier. A missing model or interpreter is
// not an error: the classifier is returned unloaded and every Predict fails
// with ErrModelNotLoaded.
func NewMoodClassifier(cfg ClassifierConfig, metrics MetricsInterface) (*MoodClassifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	c := &MoodClassifier{
		runner:   pythonRunner{modelPath: cfg.ModelDir, timeout: cfg.Timeout},
		features: DefaultFeatureLength,
		version:  "unknown",
		metrics:  metrics,
	}

	if md, err := LoadModelMetadata(cfg.ModelDir); err == nil {
		if n := len(md.Features); n > 0 {
			c.features = n
		} else if n := lastDim(md.InputShape); n > 0 {
			c.features = n
		}
		if md.Version != "" {
			c.version = md.Version
		}
	} else {
		log.Debug().Err(err).Str("model_dir", cfg.ModelDir).Msg("no classifier metadata, using defaults")
	}

	for _, role := range classifierRoles {
		path := filepath.Join(cfg.ModelDir, role+".onnx")
		info, err := os.Stat(path)
		if err != nil {
			log.Warn().Str("model_path", path).Msg("mood model not found, classifier disabled")
			return c, nil
		}
		if info.ModTime().After(c.modelCreated) {
			c.modelCreated = info.ModTime()
		}
	}

	pythonPath := cfg.PythonPath
	if pythonPath == "" {
		var err error
		if pythonPath, err = findPython(); err != nil {
			log.Warn().Err(err).Msg("Python not found, classifier disabled")
			return c, nil
		}
	}

	scriptPath, err := resolveScript(cfg.ModelDir, "mood_inference.py", classifierScript)
	if err != nil {
		return nil, fmt.Errorf("prepare classifier script: %w", err)
	}
	c.runner.pythonPath = pythonPath
	c.runner.scriptPath = scriptPath

	if err := c.healthCheck(); err != nil {
		log.Warn().Err(err).Str("model_dir", cfg.ModelDir).Msg("classifier health check failed, classifier disabled")
		return c, nil
	}
	c.available = true

	if c.metrics != nil && !c.modelCreated.IsZero() {
		c.metrics.MLModelAgeSet(ClassifierModelName, time.Since(c.modelCreated).Seconds())
	}

	log.Info().
		Str("model_dir", cfg.ModelDir).
		Str("version", c.version).
		Int("features", c.features).
		Msg("mood classifier loaded")

	return c, nil
}

// IsLoaded reports whether all three mood models are usable.
func (c *MoodClassifier) IsLoaded() bool {
	return c != nil && c.available
}

// ExpectedFeatures returns the feature vector length the models were trained on.
func (c *MoodClassifier) ExpectedFeatures() int {
	if c == nil {
		return DefaultFeatureLength
	}
	return c.features
}

// Version returns the model version from metadata.
func (c *MoodClassifier) Version() string {
	if c == nil {
		return ""
	}
	return c.version
}

// Predict scores features with the three mood models.
func (c *MoodClassifier) Predict(ctx context.Context, features FeatureVector) (Prediction, error) {
	if c == nil {
		return Prediction{}, fmt.Errorf("classifier is nil")
	}
	if !c.available {
		return Prediction{}, ErrModelNotLoaded
	}

	start := time.Now()
	pred, err := c.predictInternal(ctx, features)
	if c.metrics != nil {
		c.metrics.MLLatencyObserve(ClassifierModelName, time.Since(start).Seconds())
		if err != nil {
			c.metrics.MLFailuresInc(ClassifierModelName)
		} else {
			c.metrics.MLPredictionsInc(ClassifierModelName)
		}
	}
	return pred, err
}

func (c *MoodClassifier) predictInternal(ctx context.Context, features FeatureVector) (Prediction, error) {
	if err := validateFeatures(features, c.features); err != nil {
		return Prediction{}, err
	}

	var resp classifierResponse
	if err := c.runner.run(ctx, classifierRequest{Features: features}, &resp); err != nil {
		if c.metrics != nil && isTimeout(err) {
			c.metrics.MLTimeoutsInc(ClassifierModelName)
		}
		return Prediction{}, err
	}

	pred, err := resp.toPrediction()
	if err != nil {
		log.Error().Err(err).Interface("response", resp).Msg("invalid classifier response")
		return Prediction{}, err
	}

	log.Debug().
		Float64("depression", pred.DepressionRisk).
		Float64("hypomanic", pred.HypomanicRisk).
		Float64("manic", pred.ManicRisk).
		Float64("confidence", pred.Confidence).
		Msg("classifier prediction successful")

	return pred, nil
}

func (r classifierResponse) toPrediction() (Prediction, error) {
	if r.Error != "" {
		return Prediction{}, fmt.Errorf("python inference error: %s", r.Error)
	}

	pred := Prediction{
		DepressionRisk: r.Depression,
		HypomanicRisk:  r.Hypomanic,
		ManicRisk:      r.Manic,
	}
	if r.Confidence != nil {
		pred.Confidence = *r.Confidence
	} else {
		pred.Confidence = confidenceFromRisks(r.Depression, r.Hypomanic, r.Manic)
	}

	if err := pred.Validate(); err != nil {
		return Prediction{}, err
	}
	return pred, nil
}

func (c *MoodClassifier) healthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.runner.timeout)
	defer cancel()

	_, err := c.predictInternal(ctx, make(FeatureVector, c.features))
	return err
}
