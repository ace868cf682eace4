// Package sensor ships tailed log lines and flow records to the
// analyzer's ingestion API.
package sensor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Client posts events to the analyzer.
type Client struct {
	baseURL   string
	ingestKey string
	deviceID  string
	hostname  string
	deviceIP  string
	client    *http.Client
	logger    *slog.Logger
}

// NewClient builds a sensor client. hostname falls back to the OS
// hostname when empty.
func NewClient(baseURL, ingestKey, deviceID, hostname, deviceIP string, logger *slog.Logger) *Client {
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &Client{
		baseURL:   baseURL,
		ingestKey: ingestKey,
		deviceID:  deviceID,
		hostname:  hostname,
		deviceIP:  deviceIP,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
	}
}

func (c *Client) envelope() map[string]any {
	return map[string]any{
		"device_id": c.deviceID,
		"hostname":  c.hostname,
		"device_ip": c.deviceIP,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// PostAuthLine ships one auth log line.
func (c *Client) PostAuthLine(ctx context.Context, line string) error {
	body := c.envelope()
	body["line"] = line
	return c.post(ctx, "/api/v1/ingest/auth", body)
}

// PostIDSLine ships one IDS EVE JSON line. Lines that do not decode to
// an object are skipped with a debug log.
func (c *Client) PostIDSLine(ctx context.Context, line string) error {
	var event map[string]any
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		c.logger.Debug("Skipping non-JSON IDS line", "error", err)
		return nil
	}
	body := c.envelope()
	body["event"] = event
	return c.post(ctx, "/api/v1/ingest/ids", body)
}

// PostFlowLine ships one flow record encoded as a JSON line.
func (c *Client) PostFlowLine(ctx context.Context, line string) error {
	var flow map[string]any
	if err := json.Unmarshal([]byte(line), &flow); err != nil {
		c.logger.Debug("Skipping non-JSON flow line", "error", err)
		return nil
	}
	body := c.envelope()
	body["flow"] = flow
	return c.post(ctx, "/api/v1/ingest/flow", body)
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal ingest body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ingestKey != "" {
		req.Header.Set("X-Ingest-Key", c.ingestKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingest request to %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("ingest key rejected by %s", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingest to %s failed with status %d", path, resp.StatusCode)
	}
	return nil
}

// Ship drains lines into send until the channel closes or the context
// is cancelled. Send errors are logged and the line is dropped; the
// tail position advances regardless.
func Ship(ctx context.Context, lines <-chan string, send func(context.Context, string) error, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := send(ctx, line); err != nil {
				logger.Warn("Failed to ship line", "error", err)
			}
		}
	}
}
