package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Model roles tracked by the registry.
const (
	RoleClassifier = "xgboost"
	RoleEncoder    = "pat"
)

// ModelVersion is one registered model artefact.
type ModelVersion struct {
	Role      string    `json:"role"`
	Version   string    `json:"version"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// ModelRegistry tracks model versions per role in model_versions.json so the
// process can resolve which artefact to load and roll back a bad release.
type ModelRegistry struct {
	mu           sync.RWMutex
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
}

// NewModelRegistry opens the registry in modelsDir. A missing versions file
// yields an empty registry.
func NewModelRegistry(modelsDir string) (*ModelRegistry, error) {
	mr := &ModelRegistry{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, "model_versions.json"),
	}
	if err := mr.loadVersions(); err != nil {
		return nil, fmt.Errorf("load model versions: %w", err)
	}
	return mr, nil
}

// AddVersion registers a new, inactive version for role. Relative paths are
// resolved against the models directory.
func (mr *ModelRegistry) AddVersion(role, version, path string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	for _, v := range mr.versions {
		if v.Role == role && v.Version == version {
			return fmt.Errorf("%s version %s already registered", role, version)
		}
	}

	mr.versions = append(mr.versions, ModelVersion{
		Role:      role,
		Version:   version,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	})
	return mr.saveLocked()
}

// ActivateVersion makes version the active one for role.
func (mr *ModelRegistry) ActivateVersion(role, version string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.activateLocked(role, version)
}

func (mr *ModelRegistry) activateLocked(role, version string) error {
	found := false
	for i := range mr.versions {
		if mr.versions[i].Role != role {
			continue
		}
		mr.versions[i].IsActive = mr.versions[i].Version == version
		found = found || mr.versions[i].IsActive
	}
	if !found {
		return fmt.Errorf("%s version %s not found", role, version)
	}
	return mr.saveLocked()
}

// Rollback activates the version registered immediately before the active one.
func (mr *ModelRegistry) Rollback(role string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	roleVersions := mr.byRoleLocked(role)
	for i, v := range roleVersions {
		if !v.IsActive {
			continue
		}
		if i == 0 {
			return fmt.Errorf("no previous %s version available for rollback", role)
		}
		prev := roleVersions[i-1].Version
		log.Info().Str("role", role).Str("from", v.Version).Str("to", prev).Msg("rolling back model")
		return mr.activateLocked(role, prev)
	}
	return fmt.Errorf("no active %s version found", role)
}

// Active returns the active version for role, if any.
func (mr *ModelRegistry) Active(role string) (ModelVersion, bool) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	for _, v := range mr.versions {
		if v.Role == role && v.IsActive {
			return v, true
		}
	}
	return ModelVersion{}, false
}

// ResolvePath returns the absolute path of the active artefact for role, or
// fallback when nothing is active.
func (mr *ModelRegistry) ResolvePath(role, fallback string) string {
	v, ok := mr.Active(role)
	if !ok {
		return fallback
	}
	if filepath.IsAbs(v.Path) {
		return v.Path
	}
	return filepath.Join(mr.modelsDir, v.Path)
}

// ListVersions returns a copy of all versions in registration order.
func (mr *ModelRegistry) ListVersions() []ModelVersion {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	out := make([]ModelVersion, len(mr.versions))
	copy(out, mr.versions)
	return out
}

func (mr *ModelRegistry) byRoleLocked(role string) []ModelVersion {
	var out []ModelVersion
	for _, v := range mr.versions {
		if v.Role == role {
			out = append(out, v)
		}
	}
	return out
}

func (mr *ModelRegistry) loadVersions() error {
	data, err := os.ReadFile(mr.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &mr.versions)
}

func (mr *ModelRegistry) saveLocked() error {
	data, err := json.MarshalIndent(mr.versions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mr.versionsFile, data, 0o600)
}
