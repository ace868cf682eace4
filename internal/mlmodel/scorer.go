// Package mlmodel loads pretrained model artifacts from disk and runs
// inference through a scoring sidecar over HTTP. Training is out of
// scope; the artifacts describe models trained elsewhere.
package mlmodel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// scorerClient calls the inference sidecar. One client serves both the
// flow classifier and the SSH sequence model; the model is selected by
// the request path.
type scorerClient struct {
	baseURL string
	client  *http.Client
}

func newScorerClient(baseURL string, timeout time.Duration) *scorerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &scorerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Features []float64 `json:"features,omitempty"`
	Tokens   []int     `json:"tokens,omitempty"`
}

type scoreResponse struct {
	ClassIndex    int       `json:"class_index"`
	Score         float64   `json:"score"`
	Probabilities []float64 `json:"probabilities,omitempty"`
}

// score posts one inference request to modelPath under the base URL.
func (c *scorerClient) score(ctx context.Context, modelPath string, req scoreRequest) (*scoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal score request: %w", err)
	}

	url := c.baseURL + modelPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("score request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("scorer returned status %d for %s", resp.StatusCode, modelPath)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode score response: %w", err)
	}
	return &out, nil
}

// loadJSONArtifact reads one JSON artifact from the model directory.
func loadJSONArtifact(modelDir, name string, v any) error {
	path := filepath.Join(modelDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model artifact %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse model artifact %s: %w", path, err)
	}
	return nil
}
