// Package ingest orchestrates the event path: persist the raw event,
// run the matching detector, resolve the candidate through the dedup
// engine and fan finalized detections out to notifications and the
// message bus.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Amr204/Analytical-Intelligence/internal/dedup"
	"github.com/Amr204/Analytical-Intelligence/internal/detect"
	"github.com/Amr204/Analytical-Intelligence/internal/metrics"
	"github.com/Amr204/Analytical-Intelligence/internal/model"
	"github.com/Amr204/Analytical-Intelligence/internal/severity"
	"github.com/Amr204/Analytical-Intelligence/internal/store"
)

// Alerter receives finalized detections for asynchronous notification.
type Alerter interface {
	Enqueue(alert *model.DetectionAlert)
}

// Publisher fans finalized detections out to the message bus.
type Publisher interface {
	PublishDetection(ctx context.Context, d *model.Detection, action string) error
}

// Event is a decoded ingest request. Payload carries the event body as
// received; Lines is set for auth events carrying multiple log lines.
type Event struct {
	DeviceID string
	Hostname string
	SourceIP string
	TS       string
	Payload  map[string]any
	Lines    []string
}

// Result summarizes what one ingest call produced.
type Result struct {
	RawEventID int64               `json:"raw_event_id"`
	Detections []ResolvedDetection `json:"detections,omitempty"`
}

// ResolvedDetection is the per-candidate outcome reported to the sensor.
type ResolvedDetection struct {
	DetectionID int64  `json:"detection_id"`
	Label       string `json:"label"`
	Severity    string `json:"severity"`
	Action      string `json:"action"`
}

// Service wires the detectors to storage, dedup and the alert sinks.
// Detector failures degrade to "stored without detection"; the raw
// event is never lost to a model error.
type Service struct {
	store     store.Store
	ssh       *detect.SSHTracker
	flows     *detect.FlowPipeline
	engine    *dedup.Engine
	alerter   Alerter   // nil disables notifications
	publisher Publisher // nil disables bus fan-out
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now func() time.Time
}

// NewService builds the ingest service. alerter, publisher and metrics
// may each be nil.
func NewService(st store.Store, ssh *detect.SSHTracker, flows *detect.FlowPipeline, engine *dedup.Engine, alerter Alerter, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		ssh:       ssh,
		flows:     flows,
		engine:    engine,
		alerter:   alerter,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// eventTime parses the event's RFC3339 timestamp, falling back to the
// ingest time when absent or malformed.
func (s *Service) eventTime(raw string) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
		s.logger.Debug("Unparseable event timestamp, using ingest time", "ts", raw)
	}
	return s.now()
}

func (s *Service) persistEvent(ctx context.Context, ev *Event, eventType string, ts time.Time) (int64, error) {
	if err := s.store.EnsureDevice(ctx, ev.DeviceID, ev.Hostname, ev.SourceIP); err != nil {
		return 0, fmt.Errorf("device upsert failed: %w", err)
	}
	id, err := s.store.InsertRawEvent(ctx, ts, ev.DeviceID, eventType, ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("raw event insert failed: %w", err)
	}
	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(eventType).Inc()
	}
	return id, nil
}

// HandleAuth ingests an auth log event. Each line runs through the SSH
// tracker independently.
func (s *Service) HandleAuth(ctx context.Context, ev *Event) (*Result, error) {
	ts := s.eventTime(ev.TS)
	rawID, err := s.persistEvent(ctx, ev, "auth", ts)
	if err != nil {
		return nil, err
	}

	res := &Result{RawEventID: rawID}
	for _, line := range ev.Lines {
		cand := s.ssh.Observe(line, ts)
		if cand == nil {
			continue
		}
		if err := s.finalize(ctx, cand, ev.DeviceID, rawID, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// HandleFlow ingests one network flow event.
func (s *Service) HandleFlow(ctx context.Context, ev *Event) (*Result, error) {
	ts := s.eventTime(ev.TS)
	rawID, err := s.persistEvent(ctx, ev, "flow", ts)
	if err != nil {
		return nil, err
	}

	res := &Result{RawEventID: rawID}
	cand, err := s.flows.Analyze(ev.Payload)
	if err != nil {
		// The event is already stored; classification failure only
		// costs the detection.
		s.logger.Warn("Flow analysis failed", "device_id", ev.DeviceID, "error", err)
		return res, nil
	}
	if cand != nil {
		cand.TS = ts
		if err := s.finalize(ctx, cand, ev.DeviceID, rawID, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// HandleIDS ingests an upstream IDS alert event and promotes it to a
// detection candidate directly.
func (s *Service) HandleIDS(ctx context.Context, ev *Event) (*Result, error) {
	ts := s.eventTime(ev.TS)
	rawID, err := s.persistEvent(ctx, ev, "ids", ts)
	if err != nil {
		return nil, err
	}

	res := &Result{RawEventID: rawID}
	cand := s.idsCandidate(ev.Payload, ts)
	if cand != nil {
		if err := s.finalize(ctx, cand, ev.DeviceID, rawID, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// idsCandidate maps a Suricata EVE alert object to a candidate. Events
// without an alert block are stored but produce no detection.
func (s *Service) idsCandidate(payload map[string]any, ts time.Time) *model.DetectionCandidate {
	alertObj, ok := payload["alert"].(map[string]any)
	if !ok {
		return nil
	}

	signature, _ := alertObj["signature"].(string)
	category, _ := alertObj["category"].(string)
	if signature == "" && category == "" {
		return nil
	}

	var upstream *int
	if v, ok := numValue(alertObj["severity"]); ok {
		n := int(v)
		upstream = &n
	}

	label := signature
	if label == "" {
		label = category
	} else if category != "" {
		label = fmt.Sprintf("%s [%s]", signature, category)
	}

	var sigID int64
	if v, ok := numValue(alertObj["signature_id"]); ok {
		sigID = int64(v)
	}
	action, _ := alertObj["action"].(string)

	details := model.IDSDetails{
		SignatureID:      sigID,
		Signature:        signature,
		Category:         category,
		UpstreamSeverity: upstream,
		Action:           action,
		SrcIP:            strValue(payload["src_ip"]),
		SrcPort:          intValue(payload["src_port"]),
		DstIP:            strValue(payload["dest_ip"]),
		DstPort:          intValue(payload["dest_port"]),
		Proto:            strValue(payload["proto"]),
	}

	return &model.DetectionCandidate{
		ModelName: "suricata",
		Label:     label,
		Score:     1.0,
		Severity:  severity.ForIDS(signature, category, upstream),
		SrcIP:     details.SrcIP,
		DstIP:     details.DstIP,
		SrcPort:   details.SrcPort,
		DstPort:   details.DstPort,
		Proto:     details.Proto,
		TS:        ts,
		Details:   details,
	}
}

// finalize runs a candidate through the dedup engine and fans the
// outcome out. Storage failures while resolving the detection propagate
// and fail the ingest request; the raw event is already persisted and
// stays durable.
func (s *Service) finalize(ctx context.Context, cand *model.DetectionCandidate, deviceID string, rawEventID int64, res *Result) error {
	resolution, err := s.engine.Resolve(ctx, cand, deviceID, rawEventID)
	if err != nil {
		s.logger.Error("Dedup resolution failed",
			"label", cand.Label, "model", cand.ModelName, "error", err)
		return fmt.Errorf("detection write failed: %w", err)
	}

	res.Detections = append(res.Detections, ResolvedDetection{
		DetectionID: resolution.DetectionID,
		Label:       cand.Label,
		Severity:    string(cand.Severity),
		Action:      resolution.Action.String(),
	})

	switch resolution.Action {
	case dedup.ActionCreate:
		if s.metrics != nil {
			s.metrics.DetectionsCreated.WithLabelValues(cand.ModelName, string(cand.Severity)).Inc()
		}
		s.logger.Info("Detection created",
			"detection_id", resolution.DetectionID,
			"model", cand.ModelName,
			"label", cand.Label,
			"severity", string(cand.Severity),
			"device_id", deviceID)

		if s.alerter != nil {
			s.alerter.Enqueue(&model.DetectionAlert{
				DetectionID: resolution.DetectionID,
				Timestamp:   cand.TS.UTC().Format(time.RFC3339),
				DeviceID:    deviceID,
				ModelName:   cand.ModelName,
				Label:       cand.Label,
				Score:       cand.Score,
				Severity:    cand.Severity,
				SrcIP:       cand.SrcIP,
				DstIP:       cand.DstIP,
				SrcPort:     cand.SrcPort,
				DstPort:     cand.DstPort,
				Protocol:    cand.Proto,
			})
		}
		s.publish(ctx, cand, deviceID, rawEventID, resolution)

	case dedup.ActionMerge:
		if s.metrics != nil {
			s.metrics.DetectionsMerged.Inc()
		}

	case dedup.ActionSuppress:
		if s.metrics != nil {
			s.metrics.DetectionsSuppressed.Inc()
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, cand *model.DetectionCandidate, deviceID string, rawEventID int64, resolution dedup.Resolution) {
	if s.publisher == nil {
		return
	}
	d := &model.Detection{
		ID:          resolution.DetectionID,
		TS:          cand.TS,
		DeviceID:    deviceID,
		RawEventID:  rawEventID,
		ModelName:   cand.ModelName,
		Label:       cand.Label,
		Score:       cand.Score,
		Severity:    cand.Severity,
		Details:     cand.Details.Flatten(),
		Occurrences: resolution.Occurrences,
		SrcIP:       cand.SrcIP,
		DstIP:       cand.DstIP,
		SrcPort:     cand.SrcPort,
		DstPort:     cand.DstPort,
		Proto:       cand.Proto,
	}
	if err := s.publisher.PublishDetection(ctx, d, resolution.Action.String()); err != nil {
		s.logger.Error("Detection publish failed", "detection_id", d.ID, "error", err)
		if s.metrics != nil {
			s.metrics.PublishErrors.Inc()
		}
	}
}

func strValue(v any) string {
	s, _ := v.(string)
	return s
}

func numValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func intValue(v any) int {
	n, _ := numValue(v)
	return int(n)
}
