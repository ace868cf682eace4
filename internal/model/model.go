package model

import (
	"fmt"
	"time"
)

// Severity is the coarse urgency ranking assigned to detections.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank maps severities to comparable levels. Unknown values rank below LOW.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric level of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether the severity meets or exceeds min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// ParseSeverity normalizes a severity string, falling back to def when unknown.
func ParseSeverity(s string, def Severity) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	}
	return def
}

// RawEvent is a stored sensor event. The analysis core only reads the
// event type, payload, timestamp and device ID.
type RawEvent struct {
	ID        int64          `json:"id"`
	TS        time.Time      `json:"ts"`
	DeviceID  string         `json:"device_id"`
	EventType string         `json:"event_type"` // "auth", "flow", "ids"
	Payload   map[string]any `json:"payload"`
}

// DetectionCandidate is the ephemeral output of a detector. It is never
// persisted directly; the dedup engine decides its fate.
type DetectionCandidate struct {
	ModelName string
	Label     string
	Score     float64
	Severity  Severity
	Details   DetailPayload
	SrcIP     string
	DstIP     string
	SrcPort   int
	DstPort   int
	Proto     string
	TS        time.Time
}

// DedupKey identifies the bucket a candidate merges into.
type DedupKey struct {
	ModelName string
	Label     string
	SrcIP     string
	DstIP     string
	DstPort   int
}

// String renders the key in a stable form usable for lock striping.
func (k DedupKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", k.ModelName, k.Label, k.SrcIP, k.DstIP, k.DstPort)
}

// DedupKey returns the candidate's dedup bucket key.
func (c *DetectionCandidate) DedupKey() DedupKey {
	return DedupKey{
		ModelName: c.ModelName,
		Label:     c.Label,
		SrcIP:     c.SrcIP,
		DstIP:     c.DstIP,
		DstPort:   c.DstPort,
	}
}

// Detection is a persisted record of an identified security-relevant condition.
// Occurrences only grows via merges and first_seen never exceeds last_seen.
type Detection struct {
	ID          int64          `json:"id"`
	TS          time.Time      `json:"ts"`
	DeviceID    string         `json:"device_id"`
	RawEventID  int64          `json:"raw_event_id"`
	ModelName   string         `json:"model_name"`
	Label       string         `json:"label"`
	Score       float64        `json:"score"`
	Severity    Severity       `json:"severity"`
	Details     map[string]any `json:"details"`
	Occurrences int64          `json:"occurrences"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	SrcIP       string         `json:"src_ip,omitempty"`
	DstIP       string         `json:"dst_ip,omitempty"`
	SrcPort     int            `json:"src_port,omitempty"`
	DstPort     int            `json:"dst_port,omitempty"`
	Proto       string         `json:"proto,omitempty"`
}

// Key returns the detection's dedup bucket key.
func (d *Detection) Key() DedupKey {
	return DedupKey{
		ModelName: d.ModelName,
		Label:     d.Label,
		SrcIP:     d.SrcIP,
		DstIP:     d.DstIP,
		DstPort:   d.DstPort,
	}
}

// DetectionAlert is the notification-facing view of a finalized detection.
type DetectionAlert struct {
	DetectionID int64    `json:"detection_id"`
	Timestamp   string   `json:"timestamp"`
	DeviceID    string   `json:"device_id"`
	ModelName   string   `json:"model_name"`
	Label       string   `json:"label"`
	Score       float64  `json:"score"`
	Severity    Severity `json:"severity"`
	SrcIP       string   `json:"src_ip,omitempty"`
	DstIP       string   `json:"dst_ip,omitempty"`
	SrcPort     int      `json:"src_port,omitempty"`
	DstPort     int      `json:"dst_port,omitempty"`
	Protocol    string   `json:"protocol,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}
