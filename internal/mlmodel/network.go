package mlmodel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Amr204/Analytical-Intelligence/internal/features"
)

// Artifact file names under the network model directory.
const (
	networkFeaturesFile   = "feature_list.json"
	networkLabelMapFile   = "label_map.json"
	networkPreprocessFile = "preprocess_config.json"
)

// preprocessConfig mirrors the preprocessing artifact written at
// training time.
type preprocessConfig struct {
	MedianMap     map[string]float64 `json:"median_map"`
	ColumnsToClip []string           `json:"columns_to_clip"`
}

// NetworkClassifier scores flow feature vectors against the pretrained
// multi-class traffic model.
type NetworkClassifier struct {
	schema *features.Schema

	// labels is ordered by class index.
	labels []string

	scorer *scorerClient
	logger *slog.Logger
}

// LoadNetworkClassifier reads the model artifacts from modelDir and
// wires the scorer at scorerURL. Any missing or malformed artifact is
// an error; the caller decides whether to run without the classifier.
func LoadNetworkClassifier(modelDir, scorerURL string, timeout time.Duration, logger *slog.Logger) (*NetworkClassifier, error) {
	var featureList []string
	if err := loadJSONArtifact(modelDir, networkFeaturesFile, &featureList); err != nil {
		return nil, err
	}
	if len(featureList) == 0 {
		return nil, fmt.Errorf("model artifact %s lists no features", networkFeaturesFile)
	}

	// The label map artifact is class name to index.
	var labelMap map[string]int
	if err := loadJSONArtifact(modelDir, networkLabelMapFile, &labelMap); err != nil {
		return nil, err
	}
	if len(labelMap) == 0 {
		return nil, fmt.Errorf("model artifact %s is empty", networkLabelMapFile)
	}
	labels := make([]string, len(labelMap))
	for name, idx := range labelMap {
		if idx < 0 || idx >= len(labels) {
			return nil, fmt.Errorf("label %q has out-of-range index %d", name, idx)
		}
		labels[idx] = name
	}

	var pre preprocessConfig
	if err := loadJSONArtifact(modelDir, networkPreprocessFile, &pre); err != nil {
		return nil, err
	}

	c := &NetworkClassifier{
		schema: &features.Schema{
			FeatureList: featureList,
			MedianMap:   pre.MedianMap,
			ClipColumns: pre.ColumnsToClip,
		},
		labels: labels,
		scorer: newScorerClient(scorerURL, timeout),
		logger: logger,
	}
	logger.Info("Network classifier loaded",
		"model_dir", modelDir,
		"features", len(featureList),
		"labels", len(labels))
	return c, nil
}

// Predict scores one feature vector.
func (c *NetworkClassifier) Predict(featureVec []float64) (string, float64, map[string]float64, error) {
	if len(featureVec) != len(c.schema.FeatureList) {
		return "", 0, nil, fmt.Errorf("feature vector has %d values, model expects %d",
			len(featureVec), len(c.schema.FeatureList))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.scorer.client.Timeout)
	defer cancel()
	resp, err := c.scorer.score(ctx, "/v1/models/network/score", scoreRequest{Features: featureVec})
	if err != nil {
		return "", 0, nil, err
	}

	if resp.ClassIndex < 0 || resp.ClassIndex >= len(c.labels) {
		return "", 0, nil, fmt.Errorf("scorer returned out-of-range class index %d", resp.ClassIndex)
	}
	label := c.labels[resp.ClassIndex]

	var probs map[string]float64
	if len(resp.Probabilities) == len(c.labels) {
		probs = make(map[string]float64, len(c.labels))
		for i, p := range resp.Probabilities {
			probs[c.labels[i]] = p
		}
	}
	return label, resp.Score, probs, nil
}

// Schema exposes the feature description the model was trained with.
func (c *NetworkClassifier) Schema() *features.Schema {
	return c.schema
}

// Labels returns the trained label set sorted by name.
func (c *NetworkClassifier) Labels() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	sort.Strings(out)
	return out
}
