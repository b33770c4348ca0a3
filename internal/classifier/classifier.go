package classifier

import (
	"sync/atomic"

	"go.uber.org/zap"

	"tenebrinet/internal/event"
	"tenebrinet/internal/features"
)

// Result is a classification decision. Category unknown with confidence 0
// means "classifier unavailable" and is a valid outcome, never an error.
type Result struct {
	Category   event.ThreatCategory
	Confidence float64
	Features   features.Vector

	// BelowThreshold flags results under the advisory confidence
	// threshold. Consumers decide what to do with it; the classifier
	// does not suppress the category.
	BelowThreshold bool
}

// Classifier maps feature vectors to threat categories. Classify never
// blocks on model loading: with no model (or one mid-swap) it returns
// unknown with confidence 0 and the pipeline carries on.
type Classifier struct {
	logger    *zap.Logger
	threshold float64

	// The loaded model. Classification reads whatever pointer is current;
	// LoadModel swaps the whole pointer, so in-flight calls see either the
	// old model or the new one, never a half-loaded state.
	model atomic.Pointer[model]
}

// New creates a classifier with no model loaded. threshold is the advisory
// confidence threshold attached to results.
func New(logger *zap.Logger, threshold float64) *Classifier {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.7
	}
	return &Classifier{
		logger:    logger,
		threshold: threshold,
	}
}

// Classify maps a feature vector to a category and confidence. The
// category is always from the fixed set and confidence is always in [0,1].
func (c *Classifier) Classify(v features.Vector) Result {
	m := c.model.Load()
	if m == nil || v.Version != features.SchemaVersion {
		return Result{
			Category:   event.CategoryUnknown,
			Confidence: 0,
			Features:   v,
		}
	}

	category, confidence := m.classify(v)
	return Result{
		Category:       category,
		Confidence:     confidence,
		Features:       v,
		BelowThreshold: confidence < c.threshold,
	}
}

// LoadModel reads a model artifact from path and swaps it in atomically.
// On any error the previous model stays active.
func (c *Classifier) LoadModel(path string) error {
	art, err := loadArtifact(path)
	if err != nil {
		return err
	}

	m, err := newModel(art)
	if err != nil {
		return err
	}

	c.model.Store(m)
	c.logger.Info("Threat model loaded",
		zap.String("path", path),
		zap.Int("categories", len(m.centroids)),
		zap.Int("samples", art.SampleCount),
		zap.Time("trained_at", art.TrainedAt),
	)
	return nil
}

// Ready reports whether a model is loaded.
func (c *Classifier) Ready() bool {
	return c.model.Load() != nil
}

// Threshold returns the advisory confidence threshold.
func (c *Classifier) Threshold() float64 { return c.threshold }
