package anomaly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Scorer serves scores from the currently installed model.
// It is safe for concurrent use; a model is never mutated once installed.
type Scorer struct {
	fingerprint string
	dim         int
	model       atomic.Pointer[Model]
}

// NewScorer creates a scorer that accepts only models trained for the
// given feature schema. It starts without a model.
func NewScorer(fingerprint string, dim int) *Scorer {
	return &Scorer{fingerprint: fingerprint, dim: dim}
}

// Install verifies m against the scorer's schema and makes it current.
func (s *Scorer) Install(m *Model) error {
	if m == nil {
		return fmt.Errorf("model is nil")
	}
	if m.Fingerprint != s.fingerprint {
		return fmt.Errorf("%w: model fingerprint %q, schema %q", domain.ErrSchemaMismatch, m.Fingerprint, s.fingerprint)
	}
	if m.Dim != s.dim {
		return fmt.Errorf("%w: model has %d features, schema has %d", domain.ErrSchemaMismatch, m.Dim, s.dim)
	}
	if len(m.Trees) == 0 {
		return fmt.Errorf("model has no trees")
	}
	s.model.Store(m)
	return nil
}

// Score returns the anomaly score for v, or ErrModelUnavailable when no model is installed.
func (s *Scorer) Score(v []float64) (float64, error) {
	m := s.model.Load()
	if m == nil {
		return 0, domain.ErrModelUnavailable
	}
	if len(v) != m.Dim {
		return 0, fmt.Errorf("%w: vector has %d features, model expects %d", domain.ErrSchemaMismatch, len(v), m.Dim)
	}
	return m.Score(v), nil
}

// Available reports whether a model is installed.
func (s *Scorer) Available() bool {
	return s.model.Load() != nil
}

// Model returns the installed model, or nil.
func (s *Scorer) Model() *Model {
	return s.model.Load()
}

// Save writes m as JSON to path, creating parent directories.
// The file is replaced atomically.
func Save(path string, m *Model) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp model file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a model saved by Save. A missing file yields an error
// matching fs.ErrNotExist.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}
	return &m, nil
}
