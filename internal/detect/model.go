package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/banshee-data/biostream/internal/feature"
)

// CentroidModel is a frozen nearest-centroid classifier. Each class holds
// a centroid in feature space plus a per-feature scale used to normalize
// distances. Training happens offline; the runtime only consumes the
// exported JSON.
type CentroidModel struct {
	Features []string           `json:"features"`
	Scales   map[string]float64 `json:"scales,omitempty"`
	Classes  []CentroidClass    `json:"classes"`
}

// CentroidClass is one labelled centroid.
type CentroidClass struct {
	Label    string             `json:"label"`
	Centroid map[string]float64 `json:"centroid"`
}

// LoadCentroidModel reads a frozen model from a JSON file.
func LoadCentroidModel(path string) (*CentroidModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var m CentroidModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model file: %w", err)
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("model %s defines no classes", path)
	}
	if len(m.Features) == 0 {
		return nil, fmt.Errorf("model %s defines no feature list", path)
	}
	return &m, nil
}

// distance computes the scaled Euclidean distance from the vector to the
// class centroid over the model's feature list.
func (m *CentroidModel) distance(values map[string]float64, c CentroidClass) float64 {
	var sum float64
	for _, name := range m.Features {
		d := values[name] - c.Centroid[name]
		if s, ok := m.Scales[name]; ok && s > 0 {
			d /= s
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Predict returns the nearest class label with a confidence derived from
// the margin between the best and second-best centroid: 0.5 when both are
// equally close, approaching 1 as the runner-up falls away.
func (m *CentroidModel) Predict(v feature.Vector) (string, float64) {
	best, second := math.Inf(1), math.Inf(1)
	label := ""
	for _, c := range m.Classes {
		d := m.distance(v.Values, c)
		switch {
		case d < best:
			second = best
			best = d
			label = c.Label
		case d < second:
			second = d
		}
	}
	if len(m.Classes) == 1 || math.IsInf(second, 1) {
		return label, 1
	}
	if best+second == 0 {
		return label, 0.5
	}
	return label, second / (best + second)
}
