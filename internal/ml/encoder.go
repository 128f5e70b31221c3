package ml

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"mood-ensemble/internal/sequence"

	"github.com/rs/zerolog/log"
)

// EncoderModelName labels the activity encoder in metrics and logs.
const EncoderModelName = "pat"

// DefaultEmbeddingDim is the encoder width of the medium-sized transformer.
const DefaultEmbeddingDim = 96

// EncoderConfig configures a PATEncoder.
type EncoderConfig struct {
	ModelPath  string
	PythonPath string
	Timeout    time.Duration
	// InputLength is the number of minute buckets the model consumes.
	InputLength int
}

// PATEncoder wraps the pretrained actigraphy transformer, turning a
// minute-level activity window into a fixed-width embedding.
type PATEncoder struct {
	available    bool
	runner       pythonRunner
	inputLength  int
	embedDim     int
	modelCreated time.Time
	metrics      MetricsInterface
}

type encoderRequest struct {
	Sequence []float64 `json:"sequence"`
}

type encoderResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewPATEncoder loads the encoder. Like NewMoodClassifier it degrades to an
// unloaded encoder rather than failing when the model is unavailable.
func NewPATEncoder(cfg EncoderConfig, metrics MetricsInterface) (*PATEncoder, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.InputLength <= 0 {
		cfg.InputLength = sequence.DefaultDays * sequence.MinutesPerDay
	}

	e := &PATEncoder{
		runner:      pythonRunner{modelPath: cfg.ModelPath, timeout: cfg.Timeout},
		inputLength: cfg.InputLength,
		embedDim:    DefaultEmbeddingDim,
		metrics:     metrics,
	}

	dir := filepath.Dir(cfg.ModelPath)
	if md, err := LoadModelMetadata(dir); err == nil {
		if n := lastDim(md.OutputShape); n > 0 {
			e.embedDim = n
		}
	}

	info, err := os.Stat(cfg.ModelPath)
	if err != nil {
		log.Warn().Str("model_path", cfg.ModelPath).Msg("activity encoder not found, PAT features disabled")
		return e, nil
	}
	e.modelCreated = info.ModTime()

	pythonPath := cfg.PythonPath
	if pythonPath == "" {
		if pythonPath, err = findPython(); err != nil {
			log.Warn().Err(err).Msg("Python not found, PAT features disabled")
			return e, nil
		}
	}

	scriptPath, err := resolveScript(dir, "pat_inference.py", encoderScript)
	if err != nil {
		return nil, fmt.Errorf("prepare encoder script: %w", err)
	}
	e.runner.pythonPath = pythonPath
	e.runner.scriptPath = scriptPath
	e.available = true

	if e.metrics != nil {
		e.metrics.MLModelAgeSet(EncoderModelName, time.Since(e.modelCreated).Seconds())
	}

	log.Info().
		Str("model_path", cfg.ModelPath).
		Int("input_length", e.inputLength).
		Int("embed_dim", e.embedDim).
		Msg("activity encoder loaded")

	return e, nil
}

func (e *PATEncoder) IsLoaded() bool {
	return e != nil && e.available
}

// EmbeddingDim returns the expected embedding width.
func (e *PATEncoder) EmbeddingDim() int {
	return e.embedDim
}

// ExtractEmbedding runs the encoder over the normalised window.
func (e *PATEncoder) ExtractEmbedding(ctx context.Context, seq sequence.Sequence) ([]float64, error) {
	if e == nil {
		return nil, fmt.Errorf("encoder is nil")
	}
	if !e.available {
		return nil, ErrModelNotLoaded
	}
	if len(seq.Values) != e.inputLength {
		return nil, fmt.Errorf("expected sequence of %d values, got %d", e.inputLength, len(seq.Values))
	}

	start := time.Now()
	embedding, err := e.extract(ctx, seq)
	if e.metrics != nil {
		e.metrics.MLLatencyObserve(EncoderModelName, time.Since(start).Seconds())
		switch {
		case err == nil:
			e.metrics.MLPredictionsInc(EncoderModelName)
		case isTimeout(err):
			e.metrics.MLTimeoutsInc(EncoderModelName)
			e.metrics.MLFailuresInc(EncoderModelName)
		default:
			e.metrics.MLFailuresInc(EncoderModelName)
		}
	}
	return embedding, err
}

func (e *PATEncoder) extract(ctx context.Context, seq sequence.Sequence) ([]float64, error) {
	var resp encoderResponse
	if err := e.runner.run(ctx, encoderRequest{Sequence: seq.Normalized()}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("python inference error: %s", resp.Error)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding")
	}
	for i, v := range resp.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("embedding value %d is not finite", i)
		}
	}
	return resp.Embedding, nil
}
