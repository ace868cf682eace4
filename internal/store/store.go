// Package store persists devices, raw events and detections.
package store

import (
	"context"
	"time"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

// DetectionFilter narrows detection queries for the dashboard API.
type DetectionFilter struct {
	Severity    string
	ModelName   string
	Label       string
	DeviceID    string
	LastMinutes int
	Limit       int
}

// DeviceSummary is one row of the devices overview.
type DeviceSummary struct {
	DeviceID      string     `json:"device_id"`
	Hostname      string     `json:"hostname,omitempty"`
	IP            string     `json:"ip,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSeen      time.Time  `json:"last_seen"`
	Status        string     `json:"status"` // online / offline
	AlertsCount24 int64      `json:"alerts_count_24h"`
	AlertsCount1h int64      `json:"alerts_count_1h"`
	LastAlertTS   *time.Time `json:"last_alert_ts,omitempty"`
}

// DashboardStats aggregates counts for the stats endpoint.
type DashboardStats struct {
	TotalEvents          int64            `json:"total_events"`
	TotalDetections      int64            `json:"total_detections"`
	TotalDevices         int64            `json:"total_devices"`
	Detections24h        int64            `json:"detections_24h"`
	EventsByType         map[string]int64 `json:"events_by_type"`
	DetectionsByModel    map[string]int64 `json:"detections_by_model"`
	DetectionsBySeverity map[string]int64 `json:"detections_by_severity"`
}

// Store is the storage collaborator consumed by the ingestion service
// and the dedup engine.
type Store interface {
	// EnsureDevice upserts a device and bumps its last_seen timestamp.
	EnsureDevice(ctx context.Context, deviceID, hostname, ip string) error

	// InsertRawEvent stores an ingested event and returns its ID.
	InsertRawEvent(ctx context.Context, ts time.Time, deviceID, eventType string, payload map[string]any) (int64, error)

	// InsertDetection stores a new detection and returns its ID.
	InsertDetection(ctx context.Context, d *model.Detection) (int64, error)

	// UpdateDetectionOccurrence bumps a detection's occurrence count and
	// last_seen timestamp after a merge.
	UpdateDetectionOccurrence(ctx context.Context, id int64, occurrences int64, lastSeen time.Time) error

	// FindRecentDetectionByKey returns the most recent detection with
	// the exact dedup key last active after cutoff, or nil.
	FindRecentDetectionByKey(ctx context.Context, key model.DedupKey, cutoff time.Time) (*model.Detection, error)

	// FindRecentDetectionBySrcLabel returns the most recent detection
	// from srcIP with label last active after cutoff, or nil.
	FindRecentDetectionBySrcLabel(ctx context.Context, srcIP, label string, cutoff time.Time) (*model.Detection, error)

	// RecentDetections lists detections ordered by most recent activity.
	RecentDetections(ctx context.Context, limit int) ([]model.Detection, error)

	// DetectionsFiltered lists detections matching the filter.
	DetectionsFiltered(ctx context.Context, f DetectionFilter) ([]model.Detection, error)

	// RawEvents lists stored raw events, optionally by type.
	RawEvents(ctx context.Context, eventType string, limit int) ([]model.RawEvent, error)

	// DevicesSummary lists all devices with alert counts and status.
	DevicesSummary(ctx context.Context) ([]DeviceSummary, error)

	// Stats aggregates dashboard statistics.
	Stats(ctx context.Context) (*DashboardStats, error)

	Close() error
}
