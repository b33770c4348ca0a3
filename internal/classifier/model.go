package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"tenebrinet/internal/event"
	"tenebrinet/internal/features"
)

// ModelArtifact is the on-disk model format: one centroid per threat
// category in feature space, plus per-feature scaling. The format is JSON
// so retraining on one node and shipping the artifact to others stays
// trivial.
type ModelArtifact struct {
	SchemaVersion int                  `json:"schema_version"`
	TrainedAt     time.Time            `json:"trained_at"`
	SampleCount   int                  `json:"sample_count"`
	FeatureScale  []float64            `json:"feature_scale"`
	Centroids     map[string][]float64 `json:"centroids"`
}

// TrainingSample pairs a feature vector with its ground-truth label.
type TrainingSample struct {
	Vector   features.Vector
	Category event.ThreatCategory
}

// model is the in-memory, immutable form. Instances are swapped atomically
// and never mutated after construction.
type model struct {
	scale     *mat.VecDense
	centroids []centroid
}

type centroid struct {
	category event.ThreatCategory
	values   *mat.VecDense
}

// newModel validates and compiles an artifact.
func newModel(art *ModelArtifact) (*model, error) {
	if art.SchemaVersion != features.SchemaVersion {
		return nil, fmt.Errorf("model schema version %d does not match feature schema %d",
			art.SchemaVersion, features.SchemaVersion)
	}
	if len(art.Centroids) == 0 {
		return nil, fmt.Errorf("model has no centroids")
	}
	if len(art.FeatureScale) != features.NumFeatures {
		return nil, fmt.Errorf("feature scale has %d entries, want %d",
			len(art.FeatureScale), features.NumFeatures)
	}

	m := &model{scale: mat.NewVecDense(features.NumFeatures, art.FeatureScale)}

	for name, values := range art.Centroids {
		cat := event.ThreatCategory(name)
		if !cat.Valid() {
			return nil, fmt.Errorf("model centroid for unknown category %q", name)
		}
		if len(values) != features.NumFeatures {
			return nil, fmt.Errorf("centroid %q has %d values, want %d",
				name, len(values), features.NumFeatures)
		}
		m.centroids = append(m.centroids, centroid{
			category: cat,
			values:   mat.NewVecDense(features.NumFeatures, values),
		})
	}

	return m, nil
}

// classify returns the nearest centroid's category and a confidence from
// the softmax over negative scaled distances. Confidence is always in
// [0,1]; a vector equidistant from all centroids gets 1/k.
func (m *model) classify(v features.Vector) (event.ThreatCategory, float64) {
	scaled := mat.NewVecDense(features.NumFeatures, nil)
	scaled.MulElemVec(mat.NewVecDense(features.NumFeatures, v.Slice()), m.scale)

	dists := make([]float64, len(m.centroids))
	for i, c := range m.centroids {
		diff := mat.NewVecDense(features.NumFeatures, nil)
		diff.SubVec(scaled, c.values)
		dists[i] = mat.Norm(diff, 2)
	}

	best := floats.MinIdx(dists)

	// Softmax over negative distances, shifted by the minimum for
	// numerical stability.
	minDist := dists[best]
	sum := 0.0
	weights := make([]float64, len(dists))
	for i, d := range dists {
		weights[i] = math.Exp(minDist - d)
		sum += weights[i]
	}

	return m.centroids[best].category, weights[best] / sum
}

// Train builds an artifact from labelled samples: per-feature inverse
// standard-deviation scaling, then one mean centroid per category. Runs
// out-of-band; it never touches the live classification path.
func Train(samples []TrainingSample) (*ModelArtifact, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no training samples")
	}

	n := len(samples)
	data := mat.NewDense(n, features.NumFeatures, nil)
	for i, s := range samples {
		if s.Vector.Version != features.SchemaVersion {
			return nil, fmt.Errorf("sample %d has schema version %d, want %d",
				i, s.Vector.Version, features.SchemaVersion)
		}
		if !s.Category.Valid() {
			return nil, fmt.Errorf("sample %d has invalid category %q", i, s.Category)
		}
		data.SetRow(i, s.Vector.Slice())
	}

	// Inverse-stddev scale, so large-magnitude features (payload bytes)
	// do not drown binary flags.
	scale := make([]float64, features.NumFeatures)
	col := make([]float64, n)
	for j := 0; j < features.NumFeatures; j++ {
		mat.Col(col, j, data)
		mean := floats.Sum(col) / float64(n)
		variance := 0.0
		for _, x := range col {
			variance += (x - mean) * (x - mean)
		}
		sd := math.Sqrt(variance / float64(n))
		if sd > 0 {
			scale[j] = 1 / sd
		} else {
			scale[j] = 1
		}
	}

	// Mean centroid per category, in scaled space.
	sums := make(map[event.ThreatCategory][]float64)
	counts := make(map[event.ThreatCategory]int)
	for _, s := range samples {
		acc, ok := sums[s.Category]
		if !ok {
			acc = make([]float64, features.NumFeatures)
			sums[s.Category] = acc
		}
		for j, x := range s.Vector.Slice() {
			acc[j] += x * scale[j]
		}
		counts[s.Category]++
	}

	centroids := make(map[string][]float64, len(sums))
	for cat, acc := range sums {
		floats.Scale(1/float64(counts[cat]), acc)
		centroids[string(cat)] = acc
	}

	return &ModelArtifact{
		SchemaVersion: features.SchemaVersion,
		TrainedAt:     time.Now().UTC(),
		SampleCount:   n,
		FeatureScale:  scale,
		Centroids:     centroids,
	}, nil
}

// SaveArtifact writes a model artifact to path, creating parent
// directories as needed.
func SaveArtifact(art *ModelArtifact, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}

	// Write-and-rename so a watcher never reads a half-written artifact.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return os.Rename(tmp, path)
}

func loadArtifact(path string) (*ModelArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var art ModelArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}
	return &art, nil
}
