package sensor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPostAuthLine(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Ingest-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "dev-1", "web-01", "192.168.1.5", testLogger())
	err := c.PostAuthLine(context.Background(), "Failed password for root from 10.0.0.5 port 44000 ssh2")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/ingest/auth", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "dev-1", gotBody["device_id"])
	assert.Equal(t, "web-01", gotBody["hostname"])
	assert.Contains(t, gotBody["line"], "Failed password")
}

func TestPostIDSLine_SkipsNonJSON(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "dev-1", "", "", testLogger())
	require.NoError(t, c.PostIDSLine(context.Background(), "not json at all"))
	assert.False(t, called)

	require.NoError(t, c.PostIDSLine(context.Background(), `{"event_type":"alert","alert":{"signature":"x"}}`))
	assert.True(t, called)
}

func TestPost_RejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong", "dev-1", "", "", testLogger())
	err := c.PostAuthLine(context.Background(), "line")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest key rejected")
}

func TestShip_DropsFailedLinesAndContinues(t *testing.T) {
	lines := make(chan string, 3)
	lines <- "a"
	lines <- "b"
	lines <- "c"
	close(lines)

	var shipped []string
	Ship(context.Background(), lines, func(_ context.Context, line string) error {
		if line == "b" {
			return assert.AnError
		}
		shipped = append(shipped, line)
		return nil
	}, testLogger())

	assert.Equal(t, []string{"a", "c"}, shipped)
}
