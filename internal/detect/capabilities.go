// Package detect holds the two stateful detectors at the core of the
// analysis pipeline: the SSH brute-force/anomaly tracker and the network
// flow classification pipeline. Model inference is consumed through the
// Classifier and AnomalyScorer capabilities; concrete implementations
// live in internal/mlmodel.
package detect

import "github.com/Amr204/Analytical-Intelligence/internal/features"

// Classifier is the pretrained flow classification capability.
type Classifier interface {
	// Predict scores a feature vector and returns the raw label, the
	// winning-class score in [0,1] and the full per-class distribution.
	Predict(featureVec []float64) (label string, score float64, probabilities map[string]float64, err error)

	// Schema exposes the ordered feature names, median fallbacks and
	// clip columns the model was trained with.
	Schema() *features.Schema

	// Labels returns the trained label set.
	Labels() []string
}

// AnomalyScorer is the pretrained SSH token-sequence scoring capability.
type AnomalyScorer interface {
	// Predict scores a token-id sequence and reports whether it crosses
	// the model's anomaly threshold.
	Predict(tokens []int) (score float64, anomaly bool, err error)

	// WindowSize is the sequence length the model consumes.
	WindowSize() int

	// TokenID maps a token class name to the model's vocabulary id,
	// falling back to the OTHER id for unknown names.
	TokenID(token string) int
}
