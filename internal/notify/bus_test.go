package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeChannel records sends and can fail a configurable number of times.
type fakeChannel struct {
	mu       sync.Mutex
	sent     []string
	failures int
	attempts int
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) Send(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failures > 0 {
		c.failures--
		return errors.New("send failed")
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func highAlert(label, srcIP string) *model.DetectionAlert {
	return &model.DetectionAlert{
		DetectionID: 1,
		Timestamp:   "2026-01-12T10:00:00Z",
		DeviceID:    "dev-1",
		ModelName:   "network_ml",
		Label:       label,
		Score:       0.95,
		Severity:    model.SeverityHigh,
		SrcIP:       srcIP,
		DstIP:       "10.0.0.1",
		DstPort:     80,
	}
}

// newSyncBus returns a bus wired for synchronous testing via process().
func newSyncBus(ch Channel, opts Options) *Bus {
	b := NewBus(ch, opts, nil, testLogger())
	b.sleep = func(time.Duration) {}
	return b
}

func TestProcess_SeverityGate(t *testing.T) {
	ch := &fakeChannel{}
	b := newSyncBus(ch, Options{MinSeverity: model.SeverityHigh, DedupWindow: time.Minute})

	low := highAlert("SSH_SUSPICIOUS", "1.2.3.4")
	low.Severity = model.SeverityMedium
	b.process(low)
	assert.Equal(t, 0, ch.sentCount())

	b.process(highAlert("DDoS", "1.2.3.4"))
	assert.Equal(t, 1, ch.sentCount())
}

func TestProcess_DuplicatesSuppressedWithinWindow(t *testing.T) {
	ch := &fakeChannel{}
	b := newSyncBus(ch, Options{MinSeverity: model.SeverityMedium, DedupWindow: 5 * time.Minute, RateLimitPerMin: 100})
	base := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	for i := 0; i < 11; i++ {
		b.process(highAlert("DDoS", "1.2.3.4"))
	}
	assert.Equal(t, 1, ch.sentCount())

	// A different source is a different hash.
	b.process(highAlert("DDoS", "5.6.7.8"))
	assert.Equal(t, 2, ch.sentCount())

	// After the window lapses the same alert sends again.
	b.now = func() time.Time { return base.Add(6 * time.Minute) }
	b.process(highAlert("DDoS", "1.2.3.4"))
	assert.Equal(t, 3, ch.sentCount())
}

func TestProcess_RateLimitPerMinute(t *testing.T) {
	ch := &fakeChannel{}
	b := newSyncBus(ch, Options{MinSeverity: model.SeverityMedium, DedupWindow: time.Minute, RateLimitPerMin: 5})
	base := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		alert := highAlert("DDoS", "1.2.3.4")
		alert.DstPort = 1000 + i // distinct hashes
		b.process(alert)
	}
	assert.Equal(t, 5, ch.sentCount())

	// A minute later the window has drained.
	b.now = func() time.Time { return base.Add(61 * time.Second) }
	b.process(highAlert("Port Scanning", "1.2.3.4"))
	assert.Equal(t, 6, ch.sentCount())
}

func TestProcess_RetriesThenSucceeds(t *testing.T) {
	ch := &fakeChannel{failures: 2}
	var delays []time.Duration
	b := NewBus(ch, Options{MinSeverity: model.SeverityMedium, DedupWindow: time.Minute}, nil, testLogger())
	b.sleep = func(d time.Duration) { delays = append(delays, d) }

	b.process(highAlert("DDoS", "1.2.3.4"))
	assert.Equal(t, 1, ch.sentCount())
	assert.Equal(t, 3, ch.attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, delays)
}

func TestProcess_LastRetryUsesFinalDelay(t *testing.T) {
	ch := &fakeChannel{failures: 3}
	var delays []time.Duration
	b := NewBus(ch, Options{MinSeverity: model.SeverityMedium, DedupWindow: time.Minute}, nil, testLogger())
	b.sleep = func(d time.Duration) { delays = append(delays, d) }

	b.process(highAlert("DDoS", "1.2.3.4"))
	assert.Equal(t, 1, ch.sentCount())
	assert.Equal(t, 4, ch.attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, delays)
}

func TestProcess_DropsAfterAllRetriesFail(t *testing.T) {
	ch := &fakeChannel{failures: 10}
	b := newSyncBus(ch, Options{MinSeverity: model.SeverityMedium, DedupWindow: time.Minute})

	b.process(highAlert("DDoS", "1.2.3.4"))
	assert.Equal(t, 0, ch.sentCount())
	assert.Equal(t, 4, ch.attempts)

	// A failed send does not poison the dedup cache.
	ch.failures = 0
	b.process(highAlert("DDoS", "1.2.3.4"))
	assert.Equal(t, 1, ch.sentCount())
}

func TestBus_ShutdownDrainsQueue(t *testing.T) {
	ch := &fakeChannel{}
	b := newSyncBus(ch, Options{MinSeverity: model.SeverityMedium, DedupWindow: time.Minute, RateLimitPerMin: 100})
	b.Start()

	for i := 0; i < 5; i++ {
		alert := highAlert("DDoS", "1.2.3.4")
		alert.DstPort = 2000 + i
		b.Enqueue(alert)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Shutdown(ctx)
	assert.Equal(t, 5, ch.sentCount())
}

func TestEnqueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	ch := &fakeChannel{}
	b := newSyncBus(ch, Options{MinSeverity: model.SeverityMedium, DedupWindow: time.Minute, QueueSize: 2})

	// Worker not started: the queue fills and further enqueues return.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Enqueue(highAlert("DDoS", "1.2.3.4"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestAlertHash_FieldSensitivity(t *testing.T) {
	a := highAlert("DDoS", "1.2.3.4")
	b := highAlert("DDoS", "1.2.3.4")
	require.Equal(t, AlertHash(a), AlertHash(b))

	b.DstPort = 443
	assert.NotEqual(t, AlertHash(a), AlertHash(b))

	c := highAlert("DDoS", "1.2.3.4")
	c.Severity = model.SeverityCritical
	assert.NotEqual(t, AlertHash(a), AlertHash(c))

	// Score does not participate in the hash.
	d := highAlert("DDoS", "1.2.3.4")
	d.Score = 0.5
	assert.Equal(t, AlertHash(a), AlertHash(d))
}

func TestFormatAlert(t *testing.T) {
	text := FormatAlert(highAlert("DDoS", "1.2.3.4"), "http://localhost:8080")
	assert.Contains(t, text, "[HIGH] DDoS")
	assert.Contains(t, text, "Model: network_ml")
	assert.Contains(t, text, "Source: 1.2.3.4")
	assert.Contains(t, text, "Destination: 10.0.0.1:80")
	assert.Contains(t, text, "Dashboard: http://localhost:8080")
}
