package predict

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Scaler is the feature-standardization transform fitted alongside the
// regression. Zero-variance columns keep Std=1 so Transform stays total.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func (s Scaler) Transform(f Features) []float64 {
	out := make([]float64, FeatureCount)
	for i := 0; i < FeatureCount; i++ {
		std := 1.0
		if i < len(s.Std) && s.Std[i] != 0 {
			std = s.Std[i]
		}
		mean := 0.0
		if i < len(s.Mean) {
			mean = s.Mean[i]
		}
		out[i] = (f[i] - mean) / std
	}
	return out
}

// Model is the persisted regression artifact: linear weights over scaled
// features plus the evaluation metrics recorded at training time. Loaded
// once per process and swapped atomically on retrain.
type Model struct {
	Weights     []float64 `json:"weights"`
	Intercept   float64   `json:"intercept"`
	Scaler      Scaler    `json:"scaler"`
	TrainedAt   time.Time `json:"trained_at"`
	SampleCount int       `json:"sample_count"`
	MAE         float64   `json:"mae"`
	R2          float64   `json:"r2"`
}

func (m *Model) Predict(f Features) float64 {
	scaled := m.Scaler.Transform(f)
	sum := m.Intercept
	for i, w := range m.Weights {
		if i < len(scaled) {
			sum += w * scaled[i]
		}
	}
	return sum
}

func (m *Model) validate() error {
	if len(m.Weights) != FeatureCount {
		return fmt.Errorf("model has %d weights, want %d", len(m.Weights), FeatureCount)
	}
	return nil
}

// LoadModel reads a persisted artifact. A missing file is not an error
// condition for callers that treat "no model yet" as a valid state.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Save persists the artifact with a temp-file rename so a concurrent loader
// never reads a half-written model.
func (m *Model) Save(path string) error {
	if err := m.validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// IsNotExist reports whether a LoadModel failure just means no artifact has
// been published yet.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
