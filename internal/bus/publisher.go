// Package bus publishes finalized detections to NATS for downstream
// consumers such as SOAR pipelines and archival sinks.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

const (
	// DefaultSubject is the subject detections are published to.
	DefaultSubject = "detections.created"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Envelope is the wire form of a published detection.
type Envelope struct {
	FindingID   string          `json:"finding_id"`
	PublishedAt string          `json:"published_at"`
	Action      string          `json:"action"` // "created" or "merged"
	Detection   model.Detection `json:"detection"`
}

// Publisher fans detections out over a NATS connection. It is safe for
// concurrent use.
type Publisher struct {
	mu      sync.RWMutex
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewPublisher connects to NATS and returns a ready publisher. The
// connection retries in the background after network drops.
func NewPublisher(natsURL, subject string, logger *slog.Logger) (*Publisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}

	conn, err := nats.Connect(natsURL,
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "subject", subject)
	return &Publisher{conn: conn, subject: subject, logger: logger}, nil
}

// PublishDetection publishes one detection with a fresh finding ID.
// action describes how the dedup engine resolved it.
func (p *Publisher) PublishDetection(ctx context.Context, d *model.Detection, action string) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return fmt.Errorf("NATS publisher not connected")
	}

	env := Envelope{
		FindingID:   uuid.New().String(),
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
		Action:      action,
		Detection:   *d,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal detection envelope: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("x-finding-id", env.FindingID)
	msg.Header.Set("x-model", d.ModelName)
	msg.Header.Set("x-severity", string(d.Severity))
	if d.DeviceID != "" {
		msg.Header.Set("x-device-id", d.DeviceID)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return fmt.Errorf("publish timeout: %w", ctx.Err())
	default:
		if err := conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish detection: %w", err)
		}
	}

	p.logger.Debug("Detection published",
		"finding_id", env.FindingID,
		"subject", p.subject,
		"model", d.ModelName,
		"label", d.Label)
	return nil
}

// IsReady reports whether the underlying connection is usable.
func (p *Publisher) IsReady() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn != nil && p.conn.IsConnected()
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		if err := p.conn.Drain(); err != nil {
			p.conn.Close()
		}
		p.conn = nil
	}
	p.logger.Info("NATS publisher closed")
	return nil
}
