package mlmodel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeArtifact(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func writeNetworkArtifacts(t *testing.T, dir string) {
	t.Helper()
	writeArtifact(t, dir, networkFeaturesFile, []string{"FlowDuration", "TotalFwdPackets"})
	writeArtifact(t, dir, networkLabelMapFile, map[string]int{"BENIGN": 0, "DDoS": 1, "PortScan": 2})
	writeArtifact(t, dir, networkPreprocessFile, preprocessConfig{
		MedianMap:     map[string]float64{"FlowDuration": 1000},
		ColumnsToClip: []string{"Flow Bytes/s"},
	})
}

func TestLoadNetworkClassifier(t *testing.T) {
	dir := t.TempDir()
	writeNetworkArtifacts(t, dir)

	c, err := LoadNetworkClassifier(dir, "http://localhost:9000", time.Second, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"FlowDuration", "TotalFwdPackets"}, c.Schema().FeatureList)
	assert.Equal(t, []string{"BENIGN", "DDoS", "PortScan"}, c.Labels())
}

func TestLoadNetworkClassifier_MissingArtifact(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, networkFeaturesFile, []string{"FlowDuration"})

	_, err := LoadNetworkClassifier(dir, "http://localhost:9000", time.Second, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), networkLabelMapFile)
}

func TestNetworkClassifier_Predict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/network/score", r.URL.Path)
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Features, 2)
		json.NewEncoder(w).Encode(scoreResponse{
			ClassIndex:    1,
			Score:         0.92,
			Probabilities: []float64{0.05, 0.92, 0.03},
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeNetworkArtifacts(t, dir)
	c, err := LoadNetworkClassifier(dir, srv.URL, time.Second, testLogger())
	require.NoError(t, err)

	label, score, probs, err := c.Predict([]float64{1500, 12})
	require.NoError(t, err)
	assert.Equal(t, "DDoS", label)
	assert.InDelta(t, 0.92, score, 1e-9)
	assert.InDelta(t, 0.05, probs["BENIGN"], 1e-9)
}

func TestNetworkClassifier_PredictVectorLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	writeNetworkArtifacts(t, dir)
	c, err := LoadNetworkClassifier(dir, "http://localhost:9000", time.Second, testLogger())
	require.NoError(t, err)

	_, _, _, err = c.Predict([]float64{1})
	assert.Error(t, err)
}

func TestNetworkClassifier_ScorerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeNetworkArtifacts(t, dir)
	c, err := LoadNetworkClassifier(dir, srv.URL, time.Second, testLogger())
	require.NoError(t, err)

	_, _, _, err = c.Predict([]float64{1, 2})
	assert.Error(t, err)
}

func TestSSHSequenceModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/ssh/score", r.URL.Path)
		var req scoreRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Tokens, 10)
		json.NewEncoder(w).Encode(scoreResponse{Score: 0.73})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeArtifact(t, dir, sshVocabFile, map[string]int{
		"FAILED_PASSWORD": 3, "ACCEPTED_PASSWORD": 1, "OTHER": 7,
	})
	writeArtifact(t, dir, sshConfigFile, sshModelConfig{WindowSize: 10, Threshold: 0.5})

	m, err := LoadSSHSequenceModel(dir, srv.URL, time.Second, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 10, m.WindowSize())
	assert.Equal(t, 3, m.TokenID("FAILED_PASSWORD"))
	assert.Equal(t, 7, m.TokenID("NEVER_SEEN"))

	score, anomaly, err := m.Predict(make([]int, 10))
	require.NoError(t, err)
	assert.InDelta(t, 0.73, score, 1e-9)
	assert.True(t, anomaly)

	_, _, err = m.Predict(make([]int, 3))
	assert.Error(t, err)
}

func TestLoadSSHSequenceModel_MissingOtherToken(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, sshVocabFile, map[string]int{"FAILED_PASSWORD": 3})
	writeArtifact(t, dir, sshConfigFile, sshModelConfig{WindowSize: 10, Threshold: 0.5})

	_, err := LoadSSHSequenceModel(dir, "http://localhost:9000", time.Second, testLogger())
	assert.Error(t, err)
}
