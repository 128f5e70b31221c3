package ml

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RemoteConfig configures a RemoteClassifier.
type RemoteConfig struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Features          int
	// ReadyTimeout bounds the startup health check. Zero checks once.
	ReadyTimeout time.Duration
}

// RemoteClassifier scores feature vectors against a model server exposing
// GET /health and POST /v1/predict.
type RemoteClassifier struct {
	available bool
	client    *resty.Client
	limiter   *rate.Limiter
	features  int
	version   string
	metrics   MetricsInterface
}

type remoteHealth struct {
	Status       string `json:"status"`
	ModelLoaded  bool   `json:"model_loaded"`
	ModelVersion string `json:"model_version"`
}

type remoteError struct {
	Error string `json:"error"`
}

// NewRemoteClassifier builds the client and polls the server until it
// reports a loaded model or ReadyTimeout elapses. An unreachable server
// yields an unloaded classifier.
func NewRemoteClassifier(ctx context.Context, cfg RemoteConfig, metrics MetricsInterface) *RemoteClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Features <= 0 {
		cfg.Features = DefaultFeatureLength
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	rc := &RemoteClassifier{
		client: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		limiter:  rate.NewLimiter(limit, burst),
		features: cfg.Features,
		metrics:  metrics,
	}

	if err := rc.waitReady(ctx, cfg.ReadyTimeout); err != nil {
		log.Warn().Err(err).Str("base_url", cfg.BaseURL).Msg("model server not ready, classifier disabled")
		return rc
	}
	rc.available = true

	log.Info().
		Str("base_url", cfg.BaseURL).
		Str("version", rc.version).
		Msg("remote mood classifier ready")

	return rc
}

func (rc *RemoteClassifier) waitReady(ctx context.Context, readyTimeout time.Duration) error {
	check := func() error {
		var health remoteHealth
		resp, err := rc.client.R().SetContext(ctx).SetResult(&health).Get("/health")
		if err != nil {
			return err
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("health returned status %d", resp.StatusCode())
		}
		if !health.ModelLoaded {
			return errors.New("model server reports model not loaded")
		}
		rc.version = health.ModelVersion
		return nil
	}

	if readyTimeout <= 0 {
		return check()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = readyTimeout
	return backoff.Retry(check, backoff.WithContext(b, ctx))
}

func (rc *RemoteClassifier) IsLoaded() bool {
	return rc != nil && rc.available
}

func (rc *RemoteClassifier) ExpectedFeatures() int {
	return rc.features
}

// Predict posts the feature vector to the model server.
func (rc *RemoteClassifier) Predict(ctx context.Context, features FeatureVector) (Prediction, error) {
	if rc == nil {
		return Prediction{}, fmt.Errorf("classifier is nil")
	}
	if !rc.available {
		return Prediction{}, ErrModelNotLoaded
	}

	start := time.Now()
	pred, err := rc.predict(ctx, features)
	if rc.metrics != nil {
		rc.metrics.MLLatencyObserve(ClassifierModelName, time.Since(start).Seconds())
		switch {
		case err == nil:
			rc.metrics.MLPredictionsInc(ClassifierModelName)
		case isTimeout(err):
			rc.metrics.MLTimeoutsInc(ClassifierModelName)
			rc.metrics.MLFailuresInc(ClassifierModelName)
		default:
			rc.metrics.MLFailuresInc(ClassifierModelName)
		}
	}
	return pred, err
}

func (rc *RemoteClassifier) predict(ctx context.Context, features FeatureVector) (Prediction, error) {
	if err := validateFeatures(features, rc.features); err != nil {
		return Prediction{}, err
	}
	if err := rc.limiter.Wait(ctx); err != nil {
		return Prediction{}, fmt.Errorf("rate limiter: %w", err)
	}

	var (
		pred    Prediction
		errBody remoteError
	)
	resp, err := rc.client.R().
		SetContext(ctx).
		SetBody(classifierRequest{Features: features}).
		SetResult(&pred).
		SetError(&errBody).
		Post("/v1/predict")
	if err != nil {
		if ctx.Err() != nil {
			return Prediction{}, fmt.Errorf("predict request: %w", ctx.Err())
		}
		return Prediction{}, fmt.Errorf("predict request: %w", err)
	}
	if resp.IsError() {
		if errBody.Error != "" {
			return Prediction{}, fmt.Errorf("model server returned %d: %s", resp.StatusCode(), errBody.Error)
		}
		return Prediction{}, fmt.Errorf("model server returned %d", resp.StatusCode())
	}

	if err := pred.Validate(); err != nil {
		return Prediction{}, fmt.Errorf("invalid model server response: %w", err)
	}
	return pred, nil
}
