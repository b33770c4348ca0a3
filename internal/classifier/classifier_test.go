package classifier

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tenebrinet/internal/event"
	"tenebrinet/internal/features"
)

func vectorWith(set map[int]float64) features.Vector {
	v := features.Vector{Version: features.SchemaVersion}
	for i, x := range set {
		v.Values[i] = x
	}
	return v
}

// trainingSet builds a small separable corpus: reconnaissance is
// low-volume probing, exploitation is keyword-heavy, brute-force is
// credential-heavy.
func trainingSet() []TrainingSample {
	var samples []TrainingSample
	for i := 0; i < 10; i++ {
		samples = append(samples,
			TrainingSample{
				Category: event.CategoryReconnaissance,
				Vector: vectorWith(map[int]float64{
					features.FeatRequestCount: 2 + float64(i%3),
					features.FeatScannerAgent: 1,
					features.FeatPayloadSize:  200,
				}),
			},
			TrainingSample{
				Category: event.CategoryExploitation,
				Vector: vectorWith(map[int]float64{
					features.FeatSQLKeywords:  3 + float64(i%2),
					features.FeatRequestCount: 1,
					features.FeatPayloadSize:  600,
				}),
			},
			TrainingSample{
				Category: event.CategoryBruteForce,
				Vector: vectorWith(map[int]float64{
					features.FeatCredentialCount: 8 + float64(i%4),
					features.FeatFailedAuthRate:  0.9,
					features.FeatPayloadSize:     400,
				}),
			},
		)
	}
	return samples
}

func TestClassifyWithoutModel(t *testing.T) {
	c := New(zaptest.NewLogger(t), 0.7)

	res := c.Classify(vectorWith(map[int]float64{features.FeatSQLKeywords: 5}))
	assert.Equal(t, event.CategoryUnknown, res.Category)
	assert.Equal(t, float64(0), res.Confidence)
	assert.False(t, c.Ready())
}

func TestTrainSaveLoadClassify(t *testing.T) {
	art, err := Train(trainingSet())
	require.NoError(t, err)
	assert.Equal(t, features.SchemaVersion, art.SchemaVersion)
	assert.Len(t, art.Centroids, 3)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, SaveArtifact(art, path))

	c := New(zaptest.NewLogger(t), 0.7)
	require.NoError(t, c.LoadModel(path))
	require.True(t, c.Ready())

	// An injection-shaped vector lands on the exploitation centroid with
	// dominant confidence.
	res := c.Classify(vectorWith(map[int]float64{
		features.FeatSQLKeywords:  4,
		features.FeatRequestCount: 1,
		features.FeatPayloadSize:  600,
	}))
	assert.Equal(t, event.CategoryExploitation, res.Category)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.False(t, res.BelowThreshold)

	// Confidence is always a probability.
	for _, v := range []features.Vector{
		{Version: features.SchemaVersion},
		vectorWith(map[int]float64{features.FeatPayloadSize: 1e9}),
	} {
		res := c.Classify(v)
		assert.True(t, res.Category.Valid())
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
	}
}

func TestClassifyRejectsSchemaMismatch(t *testing.T) {
	art, err := Train(trainingSet())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, SaveArtifact(art, path))

	c := New(zaptest.NewLogger(t), 0.7)
	require.NoError(t, c.LoadModel(path))

	res := c.Classify(features.Vector{Version: features.SchemaVersion + 1})
	assert.Equal(t, event.CategoryUnknown, res.Category)
	assert.Equal(t, float64(0), res.Confidence)
}

func TestLoadModelKeepsPreviousOnError(t *testing.T) {
	art, err := Train(trainingSet())
	require.NoError(t, err)

	dir := t.TempDir()
	good := filepath.Join(dir, "model.json")
	require.NoError(t, SaveArtifact(art, good))

	c := New(zaptest.NewLogger(t), 0.7)
	require.NoError(t, c.LoadModel(good))

	assert.Error(t, c.LoadModel(filepath.Join(dir, "missing.json")))
	assert.True(t, c.Ready(), "previous model must survive a failed load")
}

func TestTrainValidation(t *testing.T) {
	_, err := Train(nil)
	assert.Error(t, err)

	_, err = Train([]TrainingSample{{
		Category: event.ThreatCategory("not-a-category"),
		Vector:   features.Vector{Version: features.SchemaVersion},
	}})
	assert.Error(t, err)
}

func TestConcurrentClassifyDuringSwap(t *testing.T) {
	art, err := Train(trainingSet())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, SaveArtifact(art, path))

	c := New(zaptest.NewLogger(t), 0.7)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := vectorWith(map[int]float64{features.FeatSQLKeywords: 2})
			for {
				select {
				case <-stop:
					return
				default:
				}
				res := c.Classify(v)
				// Either no model yet (unknown/0) or a consistent model.
				assert.True(t, res.Category.Valid())
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, c.LoadModel(path))
	}
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestWatcherReloadsOnArtifactSwap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.json")

	c := New(zaptest.NewLogger(t), 0.7)
	w, err := NewWatcher(zaptest.NewLogger(t), c, path)
	require.NoError(t, err)
	defer w.Close()

	art, err := Train(trainingSet())
	require.NoError(t, err)
	require.NoError(t, SaveArtifact(art, path))

	assert.Eventually(t, c.Ready, 5*time.Second, 50*time.Millisecond,
		"watcher should load the model after the artifact appears")
}
