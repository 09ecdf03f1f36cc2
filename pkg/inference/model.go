package inference

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// ErrSchemaMismatch is returned when a feature vector does not match the
// model's trained schema. Mismatches are never truncated or padded.
var ErrSchemaMismatch = fmt.Errorf("feature schema mismatch")

// Model is a trained logistic win-probability model. Artifacts are plain
// JSON so a promoted version can be inspected by hand.
type Model struct {
	Version      int       `json:"version"`
	Tag          string    `json:"tag"`
	FeatureNames []string  `json:"feature_names"`
	Weights      []float64 `json:"weights"`
	Bias         float64   `json:"bias"`
	Means        []float64 `json:"means"`
	Scales       []float64 `json:"scales"`
}

// LoadModel reads a model artifact from disk.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if len(m.Weights) != len(m.FeatureNames) {
		return nil, fmt.Errorf("model artifact inconsistent: %d weights for %d features",
			len(m.Weights), len(m.FeatureNames))
	}
	return &m, nil
}

// Save writes the model artifact to disk.
func (m *Model) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return nil
}

// Predict scores a raw feature vector. The vector length must equal the
// trained schema length.
func (m *Model) Predict(features []float64) (float64, error) {
	if len(features) != len(m.Weights) {
		return 0, fmt.Errorf("%w: got %d features, model expects %d",
			ErrSchemaMismatch, len(features), len(m.Weights))
	}
	z := m.Bias
	for i, x := range features {
		z += m.Weights[i] * m.standardize(i, x)
	}
	return sigmoid(z), nil
}

// standardize applies the training-time feature scaling when the
// artifact carries it.
func (m *Model) standardize(i int, x float64) float64 {
	if i >= len(m.Means) || i >= len(m.Scales) {
		return x
	}
	scale := m.Scales[i]
	if scale == 0 {
		scale = 1
	}
	return (x - m.Means[i]) / scale
}

// FeatureImportance returns |weight| per feature, normalized to sum
// to 1.
func (m *Model) FeatureImportance() map[string]float64 {
	out := make(map[string]float64, len(m.FeatureNames))
	var total float64
	for _, w := range m.Weights {
		total += math.Abs(w)
	}
	if total == 0 {
		total = 1
	}
	for i, name := range m.FeatureNames {
		out[name] = math.Abs(m.Weights[i]) / total
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
