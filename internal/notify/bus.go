// Package notify dispatches detection alerts to an external channel
// asynchronously, with severity gating, deduplication, rate limiting
// and bounded retry. The producer side never blocks and never fails the
// detection path.
package notify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Amr204/Analytical-Intelligence/internal/metrics"
	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

// Channel is an outbound notification transport. Send failures surface
// to the retry logic and never crash the worker.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// retryDelays are the fixed backoff delays between delivery attempts.
var retryDelays = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// dedupCacheSize bounds the dedup cache; entries also expire lazily by
// their window timestamp.
const dedupCacheSize = 4096

// Options configures the bus.
type Options struct {
	MinSeverity     model.Severity
	DedupWindow     time.Duration
	RateLimitPerMin int
	QueueSize       int
	DashboardURL    string
}

// Bus is the asynchronous notification dispatcher. A single background
// worker drains the queue sequentially.
type Bus struct {
	channel Channel
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan *model.DetectionAlert
	done  chan struct{}

	// dedupCache maps alert hashes to the time the hash expires.
	dedupCache *lru.Cache[string, time.Time]

	// sendTimes is the trailing window of successful sends.
	sendTimes []time.Time

	// test seams
	now   func() time.Time
	sleep func(time.Duration)
}

// NewBus creates a bus over the given channel. metrics may be nil.
func NewBus(channel Channel, opts Options, m *metrics.Metrics, logger *slog.Logger) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RateLimitPerMin <= 0 {
		opts.RateLimitPerMin = 20
	}
	cache, _ := lru.New[string, time.Time](dedupCacheSize)
	return &Bus{
		channel:    channel,
		opts:       opts,
		logger:     logger,
		metrics:    m,
		queue:      make(chan *model.DetectionAlert, opts.QueueSize),
		done:       make(chan struct{}),
		dedupCache: cache,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Start launches the background worker.
func (b *Bus) Start() {
	go b.worker()
	b.logger.Info("Notification bus started",
		"channel", b.channel.Name(),
		"min_severity", string(b.opts.MinSeverity),
		"rate_limit_per_min", b.opts.RateLimitPerMin,
		"dedup_window", b.opts.DedupWindow)
}

// Enqueue hands an alert to the worker. It returns immediately; when
// the queue is full the alert is dropped with a log entry.
func (b *Bus) Enqueue(alert *model.DetectionAlert) {
	if alert == nil {
		return
	}
	select {
	case b.queue <- alert:
	default:
		b.logger.Warn("Notification queue full, alert dropped",
			"label", alert.Label, "severity", string(alert.Severity))
		b.dropped("queue_full")
	}
}

// Shutdown enqueues a sentinel so the worker drains and exits, waiting
// at most until ctx is done before giving up on it.
func (b *Bus) Shutdown(ctx context.Context) {
	// nil is the drain sentinel; a full queue at shutdown means the
	// remaining alerts are abandoned with the worker.
	select {
	case b.queue <- nil:
	default:
	}
	select {
	case <-b.done:
		b.logger.Info("Notification bus stopped")
	case <-ctx.Done():
		b.logger.Warn("Notification bus shutdown timed out, abandoning worker")
	}
}

func (b *Bus) worker() {
	defer close(b.done)
	for alert := range b.queue {
		if alert == nil {
			return
		}
		b.process(alert)
	}
}

func (b *Bus) process(alert *model.DetectionAlert) {
	// Severity gate.
	if !alert.Severity.AtLeast(b.opts.MinSeverity) {
		b.logger.Debug("Alert below severity threshold",
			"severity", string(alert.Severity), "min", string(b.opts.MinSeverity))
		b.dropped("severity")
		return
	}

	now := b.now()

	// Dedup: the cache is expired lazily, on lookup.
	hash := AlertHash(alert)
	if expiry, ok := b.dedupCache.Get(hash); ok {
		if expiry.After(now) {
			b.logger.Debug("Duplicate alert within dedup window", "label", alert.Label)
			b.dropped("duplicate")
			return
		}
		b.dedupCache.Remove(hash)
	}

	// Rate limit over the trailing 60 seconds.
	b.pruneSendWindow(now)
	if len(b.sendTimes) >= b.opts.RateLimitPerMin {
		b.logger.Warn("Notification rate limit exceeded, alert dropped",
			"limit_per_min", b.opts.RateLimitPerMin, "label", alert.Label)
		b.dropped("rate_limit")
		return
	}

	if !b.sendWithRetry(alert) {
		if b.metrics != nil {
			b.metrics.NotificationsFailed.Inc()
		}
		return
	}

	// Record only successful sends for dedup and rate limiting.
	sentAt := b.now()
	b.dedupCache.Add(hash, sentAt.Add(b.opts.DedupWindow))
	b.sendTimes = append(b.sendTimes, sentAt)
	if b.metrics != nil {
		b.metrics.NotificationsSent.Inc()
	}
}

// sendWithRetry makes an initial delivery attempt plus one retry per
// backoff delay, four sends in total.
func (b *Bus) sendWithRetry(alert *model.DetectionAlert) bool {
	text := FormatAlert(alert, b.opts.DashboardURL)
	attempts := len(retryDelays) + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		err := b.channel.Send(context.Background(), text)
		if err == nil {
			b.logger.Info("Alert sent",
				"channel", b.channel.Name(),
				"label", alert.Label,
				"severity", string(alert.Severity))
			return true
		}

		if attempt < attempts {
			delay := retryDelays[attempt-1]
			b.logger.Warn("Alert delivery failed, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"delay", delay,
				"error", err)
			b.sleep(delay)
		} else {
			b.logger.Error("Alert delivery failed after all attempts",
				"attempts", attempts, "label", alert.Label, "error", err)
		}
	}
	return false
}

func (b *Bus) pruneSendWindow(now time.Time) {
	cutoff := now.Add(-time.Minute)
	kept := b.sendTimes[:0]
	for _, ts := range b.sendTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.sendTimes = kept
}

func (b *Bus) dropped(reason string) {
	if b.metrics != nil {
		b.metrics.NotificationsDropped.WithLabelValues(reason).Inc()
	}
}

// AlertHash computes the dedup hash over the alert's identifying fields.
func AlertHash(alert *model.DetectionAlert) string {
	key := strings.Join([]string{
		alert.Label,
		string(alert.Severity),
		alert.DeviceID,
		alert.SrcIP,
		alert.DstIP,
		fmt.Sprintf("%d", alert.DstPort),
		alert.ModelName,
	}, "|")
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
