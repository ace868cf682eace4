package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amr204/Analytical-Intelligence/internal/dedup"
	"github.com/Amr204/Analytical-Intelligence/internal/detect"
	"github.com/Amr204/Analytical-Intelligence/internal/ingest"
	"github.com/Amr204/Analytical-Intelligence/internal/model"
	"github.com/Amr204/Analytical-Intelligence/internal/policy"
	"github.com/Amr204/Analytical-Intelligence/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubStore satisfies store.Store with canned responses.
type stubStore struct {
	rawEvents  int64
	detections []model.Detection
}

func (s *stubStore) EnsureDevice(context.Context, string, string, string) error { return nil }

func (s *stubStore) InsertRawEvent(context.Context, time.Time, string, string, map[string]any) (int64, error) {
	s.rawEvents++
	return s.rawEvents, nil
}

func (s *stubStore) InsertDetection(_ context.Context, d *model.Detection) (int64, error) {
	clone := *d
	clone.ID = int64(len(s.detections) + 1)
	s.detections = append(s.detections, clone)
	return clone.ID, nil
}

func (s *stubStore) UpdateDetectionOccurrence(context.Context, int64, int64, time.Time) error {
	return nil
}

func (s *stubStore) FindRecentDetectionByKey(context.Context, model.DedupKey, time.Time) (*model.Detection, error) {
	return nil, nil
}

func (s *stubStore) FindRecentDetectionBySrcLabel(context.Context, string, string, time.Time) (*model.Detection, error) {
	return nil, nil
}

func (s *stubStore) RecentDetections(context.Context, int) ([]model.Detection, error) {
	return s.detections, nil
}

func (s *stubStore) DetectionsFiltered(context.Context, store.DetectionFilter) ([]model.Detection, error) {
	return s.detections, nil
}

func (s *stubStore) RawEvents(context.Context, string, int) ([]model.RawEvent, error) {
	return []model.RawEvent{}, nil
}

func (s *stubStore) DevicesSummary(context.Context) ([]store.DeviceSummary, error) {
	return []store.DeviceSummary{}, nil
}

func (s *stubStore) Stats(context.Context) (*store.DashboardStats, error) {
	return &store.DashboardStats{TotalEvents: 42}, nil
}

func (s *stubStore) Close() error { return nil }

func newTestServer(t *testing.T, st *stubStore, ingestKey string) *Server {
	t.Helper()
	logger := testLogger()
	validator, err := NewValidator()
	require.NoError(t, err)

	ssh := detect.NewSSHTracker(nil, 300*time.Second, 5, logger)
	flows := detect.NewFlowPipeline(nil, policy.Default, logger)
	engine := dedup.NewEngine(st, 300*time.Second, 3600*time.Second, logger)
	service := ingest.NewService(st, ssh, flows, engine, nil, nil, nil, logger)
	return NewServer(service, st, validator, ingestKey, ModelStatus{}, nil, logger)
}

func postJSON(t *testing.T, handler http.Handler, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-Ingest-Key", key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestIngest_RejectsBadKey(t *testing.T) {
	srv := newTestServer(t, &stubStore{}, "secret")

	rec := postJSON(t, srv.Handler(), "/api/v1/ingest/auth", "wrong", map[string]any{
		"device_id": "dev-1",
		"line":      "some line",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, srv.Handler(), "/api/v1/ingest/auth", "", map[string]any{
		"device_id": "dev-1",
		"line":      "some line",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIngestAuth_AcceptsValidEvent(t *testing.T) {
	st := &stubStore{}
	srv := newTestServer(t, st, "secret")

	rec := postJSON(t, srv.Handler(), "/api/v1/ingest/auth", "secret", map[string]any{
		"device_id": "dev-1",
		"hostname":  "web-01",
		"device_ip": "192.168.1.5",
		"timestamp": "2026-01-12T10:00:00Z",
		"line":      "Jan 12 10:00:00 server sshd[1234]: Accepted password for admin from 10.0.0.5 port 44000 ssh2",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(1), res.RawEventID)
	assert.Empty(t, res.Detections)
}

func TestIngestAuth_RejectsMissingDeviceID(t *testing.T) {
	srv := newTestServer(t, &stubStore{}, "secret")

	rec := postJSON(t, srv.Handler(), "/api/v1/ingest/auth", "secret", map[string]any{
		"line": "some line",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestAuth_RejectsEventWithoutLines(t *testing.T) {
	srv := newTestServer(t, &stubStore{}, "secret")

	rec := postJSON(t, srv.Handler(), "/api/v1/ingest/auth", "secret", map[string]any{
		"device_id": "dev-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestFlow_AcceptsValidEvent(t *testing.T) {
	srv := newTestServer(t, &stubStore{}, "secret")

	rec := postJSON(t, srv.Handler(), "/api/v1/ingest/flow", "secret", map[string]any{
		"device_id": "dev-2",
		"timestamp": "2026-01-12T10:00:00Z",
		"flow": map[string]any{
			"src_ip":   "192.168.1.10",
			"dst_ip":   "10.0.0.1",
			"dst_port": 80,
			"protocol": 6,
		},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestIngestIDS_AcceptsValidEvent(t *testing.T) {
	st := &stubStore{}
	srv := newTestServer(t, st, "secret")

	rec := postJSON(t, srv.Handler(), "/api/v1/ingest/ids", "secret", map[string]any{
		"device_id": "dev-3",
		"event": map[string]any{
			"event_type": "alert",
			"src_ip":     "203.0.113.9",
			"dest_ip":    "10.0.0.1",
			"alert": map[string]any{
				"signature": "ET SCAN Potential SSH Scan",
				"category":  "Attempted Information Leak",
				"severity":  2,
			},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Detections, 1)
	assert.Equal(t, "create", res.Detections[0].Action)
	require.Len(t, st.detections, 1)
}

func TestIngest_MalformedJSON(t *testing.T) {
	srv := newTestServer(t, &stubStore{}, "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest/flow", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-Ingest-Key", "secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth_NoKeyRequired(t *testing.T) {
	srv := newTestServer(t, &stubStore{}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth_ReportsModelStatus(t *testing.T) {
	logger := testLogger()
	validator, err := NewValidator()
	require.NoError(t, err)

	st := &stubStore{}
	ssh := detect.NewSSHTracker(nil, 300*time.Second, 5, logger)
	flows := detect.NewFlowPipeline(nil, policy.Default, logger)
	engine := dedup.NewEngine(st, 300*time.Second, 3600*time.Second, logger)
	service := ingest.NewService(st, ssh, flows, engine, nil, nil, nil, logger)
	srv := NewServer(service, st, validator, "", ModelStatus{NetworkClassifier: true}, nil, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string      `json:"status"`
		Models ModelStatus `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.Models.NetworkClassifier)
	assert.False(t, body.Models.SSHSequenceModel)
}

func TestDetections_ReturnsStoredRows(t *testing.T) {
	st := &stubStore{detections: []model.Detection{
		{ID: 1, Label: "DDoS", Severity: model.SeverityCritical},
	}}
	srv := newTestServer(t, st, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/detections?severity=CRITICAL&limit=10", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Detections []model.Detection `json:"detections"`
		Count      int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "DDoS", body.Detections[0].Label)
}

func TestStats_ReturnsAggregates(t *testing.T) {
	srv := newTestServer(t, &stubStore{}, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.DashboardStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(42), stats.TotalEvents)
}
