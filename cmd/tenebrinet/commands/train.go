package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tenebrinet/internal/classifier"
	"tenebrinet/internal/event"
	"tenebrinet/internal/features"
	"tenebrinet/internal/logging"
)

var trainOutput string

var trainCmd = &cobra.Command{
	Use:   "train <labelled-events.json>",
	Short: "Train a threat model from labelled captures",
	Long: `Reads a JSON array of labelled attack events, extracts feature vectors
and writes a model artifact. The running server picks the new artifact up
automatically when model watching is enabled; training never touches the
live classification path.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVarP(&trainOutput, "output", "o", "models/threat_model.json", "model artifact path")
	rootCmd.AddCommand(trainCmd)
}

// labelledEvent pairs a captured event with its ground-truth category.
type labelledEvent struct {
	Category event.ThreatCategory `json:"category"`
	Event    *event.AttackEvent   `json:"event"`
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read training set: %w", err)
	}

	var labelled []labelledEvent
	if err := json.Unmarshal(data, &labelled); err != nil {
		return fmt.Errorf("failed to parse training set: %w", err)
	}

	samples := make([]classifier.TrainingSample, 0, len(labelled))
	for i, l := range labelled {
		if l.Event == nil {
			return fmt.Errorf("entry %d has no event", i)
		}
		samples = append(samples, classifier.TrainingSample{
			Vector:   features.Extract(l.Event),
			Category: l.Category,
		})
	}

	artifact, err := classifier.Train(samples)
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	if err := classifier.SaveArtifact(artifact, trainOutput); err != nil {
		return err
	}

	logger.Info("Model trained",
		zap.String("output", trainOutput),
		zap.Int("samples", artifact.SampleCount),
		zap.Int("categories", len(artifact.Centroids)),
	)
	return nil
}
