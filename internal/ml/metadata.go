package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ModelMetadata describes a trained model stored next to its weights.
type ModelMetadata struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trained_at"`
	Features      []string  `json:"features"`
	Accuracy      float64   `json:"accuracy"`
	InputShape    []int64   `json:"input_shape"`
	OutputShape   []int64   `json:"output_shape"`
	TrainingRows  int       `json:"training_rows"`
	ValidationAcc float64   `json:"validation_accuracy"`
}

// LoadModelMetadata reads model_metadata.json from dir, falling back to the
// newest model_metadata_*.json.
func LoadModelMetadata(dir string) (*ModelMetadata, error) {
	primary := filepath.Join(dir, "model_metadata.json")
	if md, err := decodeMetadata(primary); err == nil {
		return md, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "model_metadata_*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob metadata: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no metadata files found in %s", dir)
	}
	sort.Strings(matches)
	return decodeMetadata(matches[len(matches)-1])
}

func decodeMetadata(path string) (*ModelMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var md ModelMetadata
	if err := json.NewDecoder(file).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &md, nil
}

// lastDim returns the trailing dimension of shape, or 0 if unknown.
func lastDim(shape []int64) int {
	if len(shape) == 0 || shape[len(shape)-1] <= 0 {
		return 0
	}
	return int(shape[len(shape)-1])
}
