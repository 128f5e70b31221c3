package ensemble

import (
	"fmt"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Config holds the coordinator settings. It is read once at construction and
// never modified afterwards.
type Config struct {
	// Linear-combination coefficients for the two branches. They need not
	// sum to 1.
	PrimaryWeight float64 `yaml:"xgboostWeight" default:"0.6" validate:"gte=0,lte=1"`
	PATWeight     float64 `yaml:"patWeight" default:"0.4" validate:"gte=0,lte=1"`

	// Per-branch deadlines, measured from submission.
	PrimaryTimeout time.Duration `yaml:"xgboostTimeout" default:"5s" validate:"gt=0"`
	PATTimeout     time.Duration `yaml:"patTimeout" default:"10s" validate:"gt=0"`

	UsePATFeatures bool `yaml:"usePATFeatures" default:"true"`
	PATFeatureDim  int  `yaml:"patFeatureDim" default:"16" validate:"gte=0"`
	FeatureLength  int  `yaml:"featureLength" default:"36" validate:"gt=0"`

	ConfidenceThreshold   float64 `yaml:"confidenceThreshold" default:"0.7" validate:"gte=0,lte=1"`
	FallbackToSingleModel bool    `yaml:"fallbackToSingleModel" default:"true"`

	Workers   int `yaml:"workers" default:"3" validate:"gte=1,lte=64"`
	QueueSize int `yaml:"queueSize" default:"64" validate:"gte=1"`
}

var validate = validator.New()

// DefaultConfig returns the reference deployment settings.
func DefaultConfig() Config {
	var c Config
	if err := defaults.Set(&c); err != nil {
		panic(fmt.Sprintf("ensemble: invalid default tags: %v", err))
	}
	return c
}

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid ensemble config: %w", err)
	}
	if c.PATFeatureDim > c.FeatureLength {
		return fmt.Errorf("invalid ensemble config: pat_feature_dim %d exceeds feature_length %d", c.PATFeatureDim, c.FeatureLength)
	}
	if c.PrimaryWeight == 0 && c.PATWeight == 0 {
		return fmt.Errorf("invalid ensemble config: both branch weights are zero")
	}
	return nil
}
