// Package ensemble coordinates the two mood models. Each call fans out to a
// primary branch (the mood classifier on the statistical features) and,
// when activity data is available, a PAT-enhanced branch (the same classifier
// on features spliced with an activity embedding). Branches run on a shared
// worker pool under independent deadlines and are merged by weight.
//
// Branch failures never surface as errors. A degraded call still returns a
// well-formed Result; callers inspect ModelsUsed, Confidence["ensemble"] or
// Trusted to decide whether to act on it.
package ensemble

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"mood-ensemble/internal/ml"
	"mood-ensemble/internal/sequence"

	"github.com/rs/zerolog/log"
)

// Branch names as reported in Result.
const (
	BranchPrimary     = "xgboost"
	BranchPATEnhanced = "pat_enhanced"

	ConfidenceEnsembleKey = "ensemble"
	LatencyTotalKey       = "total"
)

// Branch failure reasons.
const (
	ReasonTimeout    = "timeout"
	ReasonModelError = "model_error"
	ReasonCanceled   = "canceled"
)

var (
	// ErrInvalidInput is returned for caller misuse. It is the same sentinel
	// the sequence builder wraps.
	ErrInvalidInput      = sequence.ErrInvalidInput
	ErrCoordinatorClosed = errors.New("ensemble coordinator closed")
)

// MetricsInterface defines the metrics the coordinator records.
type MetricsInterface interface {
	EnsemblePredictionsInc(outcome string)
	EnsembleConfidenceObserve(confidence float64)
	BranchLatencyObserve(branch string, seconds float64)
	BranchFailuresInc(branch, reason string)
}

// ActivitySource supplies stored activity records for a user.
type ActivitySource interface {
	ActivitiesInRange(ctx context.Context, userID string, start, end time.Time) ([]sequence.ActivityRecord, error)
	// LatestActivity returns the start of the user's newest record, or the
	// zero time when there is none.
	LatestActivity(ctx context.Context, userID string) (time.Time, error)
}

// Deps are the collaborators of a Coordinator. Only Scorer is required.
type Deps struct {
	Scorer     ml.Scorer
	Encoder    ml.SequenceEncoder
	Builder    *sequence.Builder
	Activities ActivitySource
	Metrics    MetricsInterface
}

// Request is the input of one ensemble call.
type Request struct {
	Features ml.FeatureVector
	Records  []sequence.ActivityRecord
	// ReferenceDate anchors the activity window. Zero means the last day
	// with activity.
	ReferenceDate time.Time
	// RequirePAT makes the call fail with ErrInvalidInput instead of
	// silently skipping the PAT-enhanced branch.
	RequirePAT bool
}

// BranchFailure records why a branch did not contribute.
type BranchFailure struct {
	Reason string `json:"reason"`
	Error  string `json:"error"`
}

// Result is the outcome of one ensemble call. It is not modified after
// Predict returns.
type Result struct {
	Primary     *ml.Prediction           `json:"xgboost_prediction,omitempty"`
	PATEnhanced *ml.Prediction           `json:"pat_enhanced_prediction,omitempty"`
	Ensemble    ml.Prediction            `json:"ensemble_prediction"`
	ModelsUsed  []string                 `json:"models_used"`
	Confidence  map[string]float64       `json:"confidence_scores"`
	LatencyMS   map[string]float64       `json:"processing_time_ms"`
	Failures    map[string]BranchFailure `json:"failures,omitempty"`
	Trusted     bool                     `json:"trusted"`
}

// Health reports adapter availability.
type Health struct {
	Status        string `json:"status"`
	PrimaryLoaded bool   `json:"xgboost_loaded"`
	PATLoaded     bool   `json:"pat_loaded"`
	PATEnabled    bool   `json:"pat_enabled"`
}

// Coordinator fans a prediction out to the model branches and merges the
// results. It keeps no per-call state and is safe for concurrent use.
type Coordinator struct {
	cfg        Config
	scorer     ml.Scorer
	encoder    ml.SequenceEncoder
	builder    *sequence.Builder
	activities ActivitySource
	metrics    MetricsInterface
	pool       *Pool
	closed     atomic.Bool
}

// NewCoordinator validates cfg and starts the worker pool.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Scorer == nil {
		return nil, fmt.Errorf("ensemble: scorer is required")
	}
	if deps.Builder == nil {
		deps.Builder = sequence.NewBuilder(sequence.DefaultDays, time.UTC)
	}

	if sum := cfg.PrimaryWeight + cfg.PATWeight; math.Abs(sum-1) > 1e-6 {
		log.Warn().
			Float64("xgboost_weight", cfg.PrimaryWeight).
			Float64("pat_weight", cfg.PATWeight).
			Float64("sum", sum).
			Msg("ensemble weights do not sum to 1")
	}

	c := &Coordinator{
		cfg:        cfg,
		scorer:     deps.Scorer,
		encoder:    deps.Encoder,
		builder:    deps.Builder,
		activities: deps.Activities,
		metrics:    deps.Metrics,
		pool:       NewPool(cfg.Workers, cfg.QueueSize),
	}

	log.Info().
		Bool("xgboost_loaded", deps.Scorer.IsLoaded()).
		Bool("pat_loaded", c.patAvailable()).
		Int("workers", cfg.Workers).
		Dur("xgboost_timeout", cfg.PrimaryTimeout).
		Dur("pat_timeout", cfg.PATTimeout).
		Msg("ensemble coordinator ready")

	return c, nil
}

// Config returns the coordinator settings.
func (c *Coordinator) Config() Config {
	return c.cfg
}

func (c *Coordinator) patAvailable() bool {
	return c.cfg.UsePATFeatures && c.encoder != nil && c.encoder.IsLoaded()
}

type branch struct {
	name    string
	timeout time.Duration
	task    Task
}

type pendingBranch struct {
	branch
	ctx       context.Context
	cancel    context.CancelFunc
	submitted time.Time
	outcome   <-chan Outcome
	submitErr error
}

// Predict runs one ensemble call. It returns an error only for invalid
// input or after Shutdown; model failures are reported inside the Result.
func (c *Coordinator) Predict(ctx context.Context, req Request) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}
	if len(req.Features) == 0 {
		return nil, fmt.Errorf("%w: empty feature vector", ErrInvalidInput)
	}

	withPAT := c.patAvailable() && len(req.Records) > 0
	if req.RequirePAT {
		if !c.patAvailable() {
			return nil, fmt.Errorf("%w: PAT-enhanced prediction requested but activity encoder is unavailable", ErrInvalidInput)
		}
		if len(req.Records) == 0 && req.ReferenceDate.IsZero() {
			return nil, fmt.Errorf("%w: PAT-enhanced prediction requested without records or reference date", ErrInvalidInput)
		}
		// An explicit reference date with no records scores an empty window.
		withPAT = true
	}

	start := time.Now()
	features := append(ml.FeatureVector(nil), req.Features...)

	branches := []branch{{
		name:    BranchPrimary,
		timeout: c.cfg.PrimaryTimeout,
		task:    c.primaryTask(features),
	}}
	if withPAT {
		branches = append(branches, branch{
			name:    BranchPATEnhanced,
			timeout: c.cfg.PATTimeout,
			task:    c.patTask(features, req.Records, req.ReferenceDate),
		})
	}

	pending := make([]*pendingBranch, 0, len(branches))
	for _, b := range branches {
		bctx, cancel := context.WithTimeout(ctx, b.timeout)
		p := &pendingBranch{branch: b, ctx: bctx, cancel: cancel, submitted: time.Now()}
		p.outcome, p.submitErr = c.pool.Submit(bctx, b.task)
		pending = append(pending, p)

		if errors.Is(p.submitErr, ErrPoolClosed) {
			for _, q := range pending {
				q.cancel()
			}
			return nil, ErrCoordinatorClosed
		}
	}

	result := &Result{
		ModelsUsed: make([]string, 0, len(pending)),
		Confidence: make(map[string]float64, len(pending)+1),
		LatencyMS:  make(map[string]float64, len(pending)+1),
		Failures:   make(map[string]BranchFailure),
	}

	for _, p := range pending {
		out := c.collect(p)
		latency := time.Since(p.submitted)
		p.cancel()

		result.LatencyMS[p.name] = float64(latency) / float64(time.Millisecond)
		if c.metrics != nil {
			c.metrics.BranchLatencyObserve(p.name, latency.Seconds())
		}

		if out.Err == nil {
			out.Err = out.Prediction.Validate()
		}
		if out.Err != nil {
			c.recordFailure(result, p.name, out.Err, latency)
			result.Confidence[p.name] = 0
			continue
		}

		pred := out.Prediction
		switch p.name {
		case BranchPrimary:
			result.Primary = &pred
		case BranchPATEnhanced:
			result.PATEnhanced = &pred
		}
		result.ModelsUsed = append(result.ModelsUsed, p.name)
		result.Confidence[p.name] = pred.Confidence
	}

	// The fallback switch only governs calls where both branches ran. A
	// primary-only call always returns the primary prediction as is.
	mergeCfg := c.cfg
	if !withPAT {
		mergeCfg.FallbackToSingleModel = true
	}
	ensemble, outcome := calculateEnsemble(result.Primary, result.PATEnhanced, mergeCfg)
	result.Ensemble = ensemble
	result.Confidence[ConfidenceEnsembleKey] = ensembleConfidence(result.Confidence)
	result.Trusted = outcome != outcomeNeutral && result.Confidence[ConfidenceEnsembleKey] >= c.cfg.ConfidenceThreshold
	result.LatencyMS[LatencyTotalKey] = float64(time.Since(start)) / float64(time.Millisecond)

	if c.metrics != nil {
		c.metrics.EnsemblePredictionsInc(string(outcome))
		c.metrics.EnsembleConfidenceObserve(result.Confidence[ConfidenceEnsembleKey])
	}

	log.Debug().
		Strs("models_used", result.ModelsUsed).
		Str("outcome", string(outcome)).
		Float64("depression", ensemble.DepressionRisk).
		Float64("hypomanic", ensemble.HypomanicRisk).
		Float64("manic", ensemble.ManicRisk).
		Float64("confidence", result.Confidence[ConfidenceEnsembleKey]).
		Float64("total_ms", result.LatencyMS[LatencyTotalKey]).
		Msg("ensemble prediction complete")

	return result, nil
}

// collect waits for a branch until its deadline. A late outcome stays in
// the buffered channel and is dropped with it.
func (c *Coordinator) collect(p *pendingBranch) Outcome {
	if p.submitErr != nil {
		return Outcome{Err: fmt.Errorf("submit: %w", p.submitErr)}
	}
	select {
	case out := <-p.outcome:
		return out
	case <-p.ctx.Done():
		return Outcome{Err: p.ctx.Err()}
	}
}

func (c *Coordinator) recordFailure(result *Result, name string, err error, latency time.Duration) {
	reason := failureReason(err)
	result.Failures[name] = BranchFailure{Reason: reason, Error: err.Error()}

	if c.metrics != nil {
		c.metrics.BranchFailuresInc(name, reason)
	}

	event := log.Error()
	if reason != ReasonModelError {
		event = log.Warn()
	}
	event.
		Err(err).
		Str("branch", name).
		Str("reason", reason).
		Dur("elapsed", latency).
		Msg("ensemble branch failed")
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ml.ErrInferenceTimeout):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	default:
		return ReasonModelError
	}
}

func (c *Coordinator) primaryTask(features ml.FeatureVector) Task {
	return func(ctx context.Context) (ml.Prediction, error) {
		return c.scorer.Predict(ctx, features)
	}
}

func (c *Coordinator) patTask(features ml.FeatureVector, records []sequence.ActivityRecord, refDate time.Time) Task {
	return func(ctx context.Context) (ml.Prediction, error) {
		seq, err := c.builder.Build(records, refDate)
		if err != nil {
			return ml.Prediction{}, fmt.Errorf("build activity sequence: %w", err)
		}
		embedding, err := c.encoder.ExtractEmbedding(ctx, seq)
		if err != nil {
			return ml.Prediction{}, fmt.Errorf("extract embedding: %w", err)
		}
		return c.scorer.Predict(ctx, c.splice(features, embedding))
	}
}

// splice keeps the leading statistical features and appends the first
// PATFeatureDim embedding values, zero-padding to the scorer's length.
func (c *Coordinator) splice(features ml.FeatureVector, embedding []float64) ml.FeatureVector {
	length := c.scorer.ExpectedFeatures()
	if length <= 0 {
		length = c.cfg.FeatureLength
	}
	return splice(features, embedding, c.cfg.PATFeatureDim, length)
}

func splice(features ml.FeatureVector, embedding []float64, dim, length int) ml.FeatureVector {
	keep := length - dim
	if keep < 0 {
		keep = 0
	}
	if keep > len(features) {
		keep = len(features)
	}
	take := dim
	if take > len(embedding) {
		take = len(embedding)
	}

	n := keep + take
	if n < length {
		n = length
	}
	out := make(ml.FeatureVector, n)
	copy(out, features[:keep])
	copy(out[keep:], embedding[:take])
	return out
}

// PredictForUser loads the user's activity window from the configured
// ActivitySource and runs Predict. A zero refDate anchors the window on the
// day of the user's newest stored record. A store failure degrades to a
// primary-only prediction.
func (c *Coordinator) PredictForUser(ctx context.Context, userID string, features ml.FeatureVector, refDate time.Time) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrCoordinatorClosed
	}

	req := Request{Features: features, ReferenceDate: refDate}
	if c.activities == nil || !c.patAvailable() {
		return c.Predict(ctx, req)
	}

	anchor := refDate
	if anchor.IsZero() {
		latest, err := c.activities.LatestActivity(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to find latest activity, predicting without PAT")
			return c.Predict(ctx, req)
		}
		if latest.IsZero() {
			return c.Predict(ctx, req)
		}
		anchor = latest
		req.ReferenceDate = anchor
	}
	start, end := c.builder.Window(anchor)

	records, err := c.activities.ActivitiesInRange(ctx, userID, start, end)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to load activity records, predicting without PAT")
	}
	req.Records = records

	return c.Predict(ctx, req)
}

// Health reports which adapters are usable.
func (c *Coordinator) Health() Health {
	h := Health{
		PrimaryLoaded: c.scorer.IsLoaded(),
		PATLoaded:     c.encoder != nil && c.encoder.IsLoaded(),
		PATEnabled:    c.cfg.UsePATFeatures,
	}
	switch {
	case c.closed.Load():
		h.Status = "closed"
	case h.PrimaryLoaded && (h.PATLoaded || !h.PATEnabled):
		h.Status = "healthy"
	case h.PrimaryLoaded:
		h.Status = "degraded"
	default:
		h.Status = "unavailable"
	}
	return h
}

// Shutdown stops accepting calls and drains in-flight branch work. Calling
// it again waits for the same drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.closed.Swap(true) {
		log.Info().Msg("shutting down ensemble coordinator")
	}
	return c.pool.Shutdown(ctx)
}
