package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"mood-ensemble/internal/common"
	"mood-ensemble/internal/ensemble"
	"mood-ensemble/internal/ml"
	"mood-ensemble/internal/sequence"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	Ensemble ensemble.Config `yaml:"ensemble"`
	Models   ModelSettings   `yaml:"models"`
	System   SystemSettings  `yaml:"system"`
}

type ModelSettings struct {
	Backend string `yaml:"backend" default:"local" validate:"oneof=local remote"`
	// ClassifierPath is the directory holding the three mood models.
	ClassifierPath   string        `yaml:"classifierPath" default:"models/xgboost"`
	PATModelPath     string        `yaml:"patModelPath" default:"models/pat/pat_medium.onnx"`
	ModelsDirectory  string        `yaml:"modelsDirectory" default:"models"`
	PythonPath       string        `yaml:"pythonPath"`
	ServerURL        string        `yaml:"serverURL" validate:"omitempty,url"`
	ServerRPS        float64       `yaml:"serverRPS" default:"50" validate:"gte=0"`
	ServerReady      time.Duration `yaml:"serverReadyTimeout" default:"30s" validate:"gte=0"`
	InferenceTimeout time.Duration `yaml:"inferenceTimeout" default:"30s" validate:"gt=0"`
	SequenceDays     int           `yaml:"sequenceDays" default:"7" validate:"gte=1,lte=30"`
}

type SystemSettings struct {
	DataPath    string `yaml:"dataPath" default:"data"`
	MetricsPort int    `yaml:"metricsPort" default:"8080" validate:"gte=1024,lte=65535"`
	LogLevel    string `yaml:"logLevel" default:"info" validate:"oneof=trace debug info warn error"`
	LogFormat   string `yaml:"logFormat" default:"console" validate:"oneof=console json"`
}

var validate = validator.New()

// Load builds Settings from defaults, the YAML file named by CONFIG_FILE (if
// set) and environment overrides, in that order.
func Load() (Settings, error) {
	var settings Settings
	if err := defaults.Set(&settings); err != nil {
		return Settings{}, fmt.Errorf("apply defaults: %w", err)
	}

	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		if err := loadFromYAML(configPath, &settings); err != nil {
			return Settings{}, err
		}
	}

	applyEnv(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// loadFromYAML decodes path over settings. Keys absent from the file keep
// their current values.
func loadFromYAML(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func applyEnv(s *Settings) {
	e := &s.Ensemble
	e.PrimaryWeight = getFloatOrDefault(common.EnvEnsembleXGBoostWeight, e.PrimaryWeight)
	e.PATWeight = getFloatOrDefault(common.EnvEnsemblePATWeight, e.PATWeight)
	e.PrimaryTimeout = getDurationOrDefault(common.EnvEnsembleXGBoostTimeout, e.PrimaryTimeout)
	e.PATTimeout = getDurationOrDefault(common.EnvEnsemblePATTimeout, e.PATTimeout)
	e.UsePATFeatures = getBoolOrDefault(common.EnvEnsembleUsePAT, e.UsePATFeatures)
	e.PATFeatureDim = getIntOrDefault(common.EnvEnsemblePATFeatureDim, e.PATFeatureDim)
	e.Workers = getIntOrDefault(common.EnvEnsembleWorkers, e.Workers)
	e.QueueSize = getIntOrDefault(common.EnvEnsembleQueueSize, e.QueueSize)
	e.FeatureLength = getIntOrDefault(common.EnvEnsembleFeatureLength, e.FeatureLength)
	e.FallbackToSingleModel = getBoolOrDefault(common.EnvEnsembleFallback, e.FallbackToSingleModel)
	e.ConfidenceThreshold = getFloatOrDefault(common.EnvConfidenceThreshold, e.ConfidenceThreshold)

	m := &s.Models
	m.ClassifierPath = getEnvOrDefault(common.EnvModelPath, m.ClassifierPath)
	m.PATModelPath = getEnvOrDefault(common.EnvPATModelPath, m.PATModelPath)
	m.ModelsDirectory = getEnvOrDefault(common.EnvModelsDirectory, m.ModelsDirectory)
	m.Backend = getEnvOrDefault(common.EnvModelBackend, m.Backend)
	m.ServerURL = getEnvOrDefault(common.EnvModelServerURL, m.ServerURL)
	m.ServerRPS = getFloatOrDefault(common.EnvModelServerRPS, m.ServerRPS)
	m.InferenceTimeout = getDurationOrDefault(common.EnvInferenceTimeout, m.InferenceTimeout)
	m.SequenceDays = getIntOrDefault(common.EnvSequenceDays, m.SequenceDays)

	sys := &s.System
	sys.DataPath = getEnvOrDefault(common.EnvDataPath, sys.DataPath)
	sys.MetricsPort = getIntOrDefault(common.EnvMetricsPort, sys.MetricsPort)
	sys.LogLevel = getEnvOrDefault(common.EnvLogLevel, sys.LogLevel)
	sys.LogFormat = getEnvOrDefault(common.EnvLogFormat, sys.LogFormat)
}

// ClassifierConfig returns the local classifier settings.
func (s Settings) ClassifierConfig() ml.ClassifierConfig {
	return ml.ClassifierConfig{
		ModelDir:   s.Models.ClassifierPath,
		PythonPath: s.Models.PythonPath,
		Timeout:    s.Models.InferenceTimeout,
	}
}

// RemoteConfig returns the model server client settings.
func (s Settings) RemoteConfig() ml.RemoteConfig {
	return ml.RemoteConfig{
		BaseURL:           s.Models.ServerURL,
		Timeout:           s.Models.InferenceTimeout,
		RequestsPerSecond: s.Models.ServerRPS,
		Features:          s.Ensemble.FeatureLength,
		ReadyTimeout:      s.Models.ServerReady,
	}
}

// EncoderConfig returns the activity encoder settings.
func (s Settings) EncoderConfig() ml.EncoderConfig {
	return ml.EncoderConfig{
		ModelPath:   s.Models.PATModelPath,
		PythonPath:  s.Models.PythonPath,
		Timeout:     s.Models.InferenceTimeout,
		InputLength: s.Models.SequenceDays * sequence.MinutesPerDay,
	}
}

// ResolveModelPaths replaces the model paths with the active registry
// versions, when the registry has any.
func (s *Settings) ResolveModelPaths(registry *ml.ModelRegistry) {
	s.Models.ClassifierPath = registry.ResolvePath(ml.RoleClassifier, s.Models.ClassifierPath)
	s.Models.PATModelPath = registry.ResolvePath(ml.RoleEncoder, s.Models.PATModelPath)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration")
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid integer")
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid number")
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid boolean")
	}
	return defaultValue
}

// validateSettings checks tag constraints and the rules tags cannot express.
func validateSettings(settings *Settings) error {
	if err := validate.Struct(settings); err != nil {
		return err
	}
	if err := settings.Ensemble.Validate(); err != nil {
		return err
	}

	if settings.Models.Backend == common.BackendRemote && settings.Models.ServerURL == "" {
		return fmt.Errorf("model server URL is required when backend is %q", common.BackendRemote)
	}
	if settings.Models.Backend == common.BackendLocal && settings.Models.ClassifierPath == "" {
		return fmt.Errorf("classifier model path cannot be empty")
	}

	if settings.Models.InferenceTimeout < settings.Ensemble.PrimaryTimeout {
		log.Warn().
			Dur("inference_timeout", settings.Models.InferenceTimeout).
			Dur("xgboost_timeout", settings.Ensemble.PrimaryTimeout).
			Msg("inference timeout is shorter than the branch timeout")
	}
	if settings.System.DataPath == "" {
		return fmt.Errorf("data path cannot be empty")
	}

	return nil
}
