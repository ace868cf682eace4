package mlmodel

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Artifact file names under the SSH model directory.
const (
	sshVocabFile  = "token2id.json"
	sshConfigFile = "config.json"
)

// otherToken is the vocabulary fallback class for unrecognized tokens.
const otherToken = "OTHER"

// sshModelConfig mirrors the sequence model's training configuration.
type sshModelConfig struct {
	WindowSize int     `json:"window_size"`
	Threshold  float64 `json:"threshold"`
}

// SSHSequenceModel scores auth-log token sequences for anomalous
// ordering against the pretrained sequence model.
type SSHSequenceModel struct {
	vocab     map[string]int
	otherID   int
	window    int
	threshold float64

	scorer *scorerClient
	logger *slog.Logger
}

// LoadSSHSequenceModel reads the model artifacts from modelDir and
// wires the scorer at scorerURL.
func LoadSSHSequenceModel(modelDir, scorerURL string, timeout time.Duration, logger *slog.Logger) (*SSHSequenceModel, error) {
	var vocab map[string]int
	if err := loadJSONArtifact(modelDir, sshVocabFile, &vocab); err != nil {
		return nil, err
	}
	otherID, ok := vocab[otherToken]
	if !ok {
		return nil, fmt.Errorf("model artifact %s lacks the %s token", sshVocabFile, otherToken)
	}

	var cfg sshModelConfig
	if err := loadJSONArtifact(modelDir, sshConfigFile, &cfg); err != nil {
		return nil, err
	}
	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("model artifact %s has invalid window_size %d", sshConfigFile, cfg.WindowSize)
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("model artifact %s has invalid threshold %v", sshConfigFile, cfg.Threshold)
	}

	m := &SSHSequenceModel{
		vocab:     vocab,
		otherID:   otherID,
		window:    cfg.WindowSize,
		threshold: cfg.Threshold,
		scorer:    newScorerClient(scorerURL, timeout),
		logger:    logger,
	}
	logger.Info("SSH sequence model loaded",
		"model_dir", modelDir,
		"vocab_size", len(vocab),
		"window_size", cfg.WindowSize,
		"threshold", cfg.Threshold)
	return m, nil
}

// Predict scores one token-id sequence and reports whether the score
// crosses the anomaly threshold.
func (m *SSHSequenceModel) Predict(tokens []int) (float64, bool, error) {
	if len(tokens) != m.window {
		return 0, false, fmt.Errorf("sequence has %d tokens, model expects %d", len(tokens), m.window)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.scorer.client.Timeout)
	defer cancel()
	resp, err := m.scorer.score(ctx, "/v1/models/ssh/score", scoreRequest{Tokens: tokens})
	if err != nil {
		return 0, false, err
	}
	return resp.Score, resp.Score >= m.threshold, nil
}

// WindowSize is the sequence length the model consumes.
func (m *SSHSequenceModel) WindowSize() int {
	return m.window
}

// Threshold is the anomaly cutoff the model ships with.
func (m *SSHSequenceModel) Threshold() float64 {
	return m.threshold
}

// TokenID maps a token class name to its vocabulary id, falling back
// to the OTHER id for names outside the training vocabulary.
func (m *SSHSequenceModel) TokenID(token string) int {
	if id, ok := m.vocab[token]; ok {
		return id
	}
	return m.otherID
}
