package common

// Environment variable keys
const (
	EnvConfigFile = "CONFIG_FILE"

	EnvEnsembleXGBoostWeight  = "ENSEMBLE_XGBOOST_WEIGHT"
	EnvEnsemblePATWeight      = "ENSEMBLE_PAT_WEIGHT"
	EnvEnsembleXGBoostTimeout = "ENSEMBLE_XGBOOST_TIMEOUT"
	EnvEnsemblePATTimeout     = "ENSEMBLE_PAT_TIMEOUT"
	EnvEnsembleUsePAT         = "ENSEMBLE_USE_PAT"
	EnvEnsemblePATFeatureDim  = "ENSEMBLE_PAT_FEATURE_DIM"
	EnvEnsembleWorkers        = "ENSEMBLE_WORKERS"
	EnvEnsembleQueueSize      = "ENSEMBLE_QUEUE_SIZE"
	EnvEnsembleFeatureLength  = "ENSEMBLE_FEATURE_LENGTH"
	EnvEnsembleFallback       = "ENSEMBLE_FALLBACK_ENABLED"
	EnvConfidenceThreshold    = "CONFIDENCE_THRESHOLD"

	EnvModelPath        = "MODEL_PATH"
	EnvPATModelPath     = "PAT_MODEL_PATH"
	EnvModelsDirectory  = "MODELS_DIRECTORY"
	EnvModelBackend     = "MODEL_BACKEND"
	EnvModelServerURL   = "MODEL_SERVER_URL"
	EnvModelServerRPS   = "MODEL_SERVER_RPS"
	EnvInferenceTimeout = "INFERENCE_TIMEOUT"
	EnvSequenceDays     = "SEQUENCE_DAYS"

	EnvDataPath    = "DATA_PATH"
	EnvMetricsPort = "METRICS_PORT"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogFormat   = "LOG_FORMAT"
)

// Model backends
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Validation constants
const (
	MinMetricsPort  = 1024
	MaxMetricsPort  = 65535
	MaxSequenceDays = 30
)
