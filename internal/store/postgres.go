package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

// deviceOnlineThreshold marks devices seen within this window as online.
const deviceOnlineThreshold = 10 * time.Minute

// PostgresStore implements Store over PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool against dsn and verifies it.
func NewPostgresStore(dsn string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the tables and indexes the service needs.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id  TEXT PRIMARY KEY,
			hostname   TEXT,
			ip         TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS raw_events (
			id         BIGSERIAL PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			device_id  TEXT,
			event_type TEXT NOT NULL,
			payload    JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS raw_events_ts_idx ON raw_events (ts DESC)`,
		`CREATE TABLE IF NOT EXISTS detections (
			id           BIGSERIAL PRIMARY KEY,
			ts           TIMESTAMPTZ NOT NULL,
			device_id    TEXT,
			raw_event_id BIGINT,
			model_name   TEXT NOT NULL,
			label        TEXT NOT NULL,
			score        DOUBLE PRECISION NOT NULL,
			severity     TEXT NOT NULL,
			details      JSONB NOT NULL,
			occurrences  BIGINT NOT NULL DEFAULT 1,
			first_seen   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			src_ip       TEXT,
			dst_ip       TEXT,
			src_port     BIGINT,
			dst_port     BIGINT,
			proto        TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS detections_last_seen_idx ON detections (last_seen DESC)`,
		`CREATE INDEX IF NOT EXISTS detections_dedup_idx
			ON detections (model_name, label, src_ip, dst_ip, dst_port, last_seen DESC)`,
		`CREATE INDEX IF NOT EXISTS detections_cooldown_idx
			ON detections (src_ip, label, last_seen DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// EnsureDevice upserts a device and bumps last_seen.
func (s *PostgresStore) EnsureDevice(ctx context.Context, deviceID, hostname, ip string) error {
	query := `
		INSERT INTO devices (device_id, hostname, ip, created_at, last_seen)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NOW(), NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			hostname  = COALESCE(EXCLUDED.hostname, devices.hostname),
			ip        = COALESCE(EXCLUDED.ip, devices.ip),
			last_seen = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, deviceID, hostname, ip); err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", deviceID, err)
	}
	return nil
}

// InsertRawEvent stores a raw event and returns its ID.
func (s *PostgresStore) InsertRawEvent(ctx context.Context, ts time.Time, deviceID, eventType string, payload map[string]any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	var id int64
	query := `
		INSERT INTO raw_events (ts, device_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, ts, deviceID, eventType, data).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert raw event: %w", err)
	}
	return id, nil
}

// InsertDetection stores a detection and returns its ID.
func (s *PostgresStore) InsertDetection(ctx context.Context, d *model.Detection) (int64, error) {
	details, err := json.Marshal(d.Details)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal detection details: %w", err)
	}

	var id int64
	query := `
		INSERT INTO detections (
			ts, device_id, raw_event_id, model_name, label, score, severity,
			details, occurrences, first_seen, last_seen,
			src_ip, dst_ip, src_port, dst_port, proto
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			NULLIF($12, ''), NULLIF($13, ''), $14, $15, NULLIF($16, ''))
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, query,
		d.TS, d.DeviceID, d.RawEventID, d.ModelName, d.Label, d.Score, string(d.Severity),
		details, d.Occurrences, d.FirstSeen, d.LastSeen,
		d.SrcIP, d.DstIP, d.SrcPort, d.DstPort, d.Proto,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert detection: %w", err)
	}
	return id, nil
}

// UpdateDetectionOccurrence bumps occurrences and last_seen after a merge.
func (s *PostgresStore) UpdateDetectionOccurrence(ctx context.Context, id int64, occurrences int64, lastSeen time.Time) error {
	query := `
		UPDATE detections
		SET occurrences = $2, last_seen = $3
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query, id, occurrences, lastSeen)
	if err != nil {
		return fmt.Errorf("failed to update detection %d: %w", id, err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("detection %d not found", id)
	}
	return nil
}

const detectionColumns = `
	id, ts, COALESCE(device_id, ''), COALESCE(raw_event_id, 0),
	model_name, label, score, severity, details,
	occurrences, first_seen, last_seen,
	COALESCE(src_ip, ''), COALESCE(dst_ip, ''),
	COALESCE(src_port, 0), COALESCE(dst_port, 0), COALESCE(proto, '')
`

func scanDetection(row interface{ Scan(...any) error }) (*model.Detection, error) {
	var d model.Detection
	var details []byte
	var severityStr string
	err := row.Scan(
		&d.ID, &d.TS, &d.DeviceID, &d.RawEventID,
		&d.ModelName, &d.Label, &d.Score, &severityStr, &details,
		&d.Occurrences, &d.FirstSeen, &d.LastSeen,
		&d.SrcIP, &d.DstIP, &d.SrcPort, &d.DstPort, &d.Proto,
	)
	if err != nil {
		return nil, err
	}
	d.Severity = model.Severity(severityStr)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &d.Details); err != nil {
			return nil, fmt.Errorf("failed to decode detection details: %w", err)
		}
	}
	return &d, nil
}

// FindRecentDetectionByKey returns the latest detection with the exact
// dedup key active after cutoff, or nil.
func (s *PostgresStore) FindRecentDetectionByKey(ctx context.Context, key model.DedupKey, cutoff time.Time) (*model.Detection, error) {
	query := `
		SELECT ` + detectionColumns + `
		FROM detections
		WHERE model_name = $1 AND label = $2
		  AND COALESCE(src_ip, '') = $3 AND COALESCE(dst_ip, '') = $4
		  AND COALESCE(dst_port, 0) = $5
		  AND last_seen > $6
		ORDER BY last_seen DESC
		LIMIT 1
	`
	d, err := scanDetection(s.db.QueryRowContext(ctx, query,
		key.ModelName, key.Label, key.SrcIP, key.DstIP, key.DstPort, cutoff))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query detection by key: %w", err)
	}
	return d, nil
}

// FindRecentDetectionBySrcLabel returns the latest detection from srcIP
// with label active after cutoff, or nil.
func (s *PostgresStore) FindRecentDetectionBySrcLabel(ctx context.Context, srcIP, label string, cutoff time.Time) (*model.Detection, error) {
	query := `
		SELECT ` + detectionColumns + `
		FROM detections
		WHERE COALESCE(src_ip, '') = $1 AND label = $2 AND last_seen > $3
		ORDER BY last_seen DESC
		LIMIT 1
	`
	d, err := scanDetection(s.db.QueryRowContext(ctx, query, srcIP, label, cutoff))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query detection by source/label: %w", err)
	}
	return d, nil
}

// RecentDetections lists detections ordered by most recent activity.
func (s *PostgresStore) RecentDetections(ctx context.Context, limit int) ([]model.Detection, error) {
	query := `
		SELECT ` + detectionColumns + `
		FROM detections
		ORDER BY COALESCE(last_seen, ts) DESC
		LIMIT $1
	`
	return s.queryDetections(ctx, query, limit)
}

// DetectionsFiltered lists detections matching the filter.
func (s *PostgresStore) DetectionsFiltered(ctx context.Context, f DetectionFilter) ([]model.Detection, error) {
	var conditions []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Severity != "" {
		conditions = append(conditions, "severity = "+arg(f.Severity))
	}
	if f.ModelName != "" {
		conditions = append(conditions, "model_name = "+arg(f.ModelName))
	}
	if f.Label != "" {
		conditions = append(conditions, "label ILIKE "+arg("%"+f.Label+"%"))
	}
	if f.DeviceID != "" {
		conditions = append(conditions, "device_id = "+arg(f.DeviceID))
	}
	if f.LastMinutes > 0 {
		conditions = append(conditions, fmt.Sprintf("ts > NOW() - INTERVAL '%d minutes'", f.LastMinutes))
	}

	query := `SELECT ` + detectionColumns + ` FROM detections`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY ts DESC LIMIT " + arg(limit)

	return s.queryDetections(ctx, query, args...)
}

func (s *PostgresStore) queryDetections(ctx context.Context, query string, args ...any) ([]model.Detection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var detections []model.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		detections = append(detections, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating detections: %w", err)
	}
	return detections, nil
}

// RawEvents lists stored raw events, optionally filtered by type.
func (s *PostgresStore) RawEvents(ctx context.Context, eventType string, limit int) ([]model.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, ts, COALESCE(device_id, ''), event_type, payload
		FROM raw_events
	`
	var args []any
	if eventType != "" {
		query += " WHERE event_type = $1 ORDER BY ts DESC LIMIT $2"
		args = []any{eventType, limit}
	} else {
		query += " ORDER BY ts DESC LIMIT $1"
		args = []any{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw events: %w", err)
	}
	defer rows.Close()

	var events []model.RawEvent
	for rows.Next() {
		var ev model.RawEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.DeviceID, &ev.EventType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan raw event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating raw events: %w", err)
	}
	return events, nil
}

// DevicesSummary lists all devices with alert counts and online status.
func (s *PostgresStore) DevicesSummary(ctx context.Context) ([]DeviceSummary, error) {
	query := `
		SELECT
			d.device_id,
			COALESCE(d.hostname, ''),
			COALESCE(d.ip, ''),
			d.created_at,
			d.last_seen,
			COALESCE(stats.alerts_24h, 0),
			COALESCE(stats.alerts_1h, 0),
			stats.last_alert_ts
		FROM devices d
		LEFT JOIN (
			SELECT
				device_id,
				COUNT(*) FILTER (WHERE ts > NOW() - INTERVAL '24 hours') AS alerts_24h,
				COUNT(*) FILTER (WHERE ts > NOW() - INTERVAL '1 hour') AS alerts_1h,
				MAX(ts) AS last_alert_ts
			FROM detections
			GROUP BY device_id
		) stats ON d.device_id = stats.device_id
		ORDER BY d.last_seen DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var devices []DeviceSummary
	for rows.Next() {
		var d DeviceSummary
		var lastAlert sql.NullTime
		if err := rows.Scan(&d.DeviceID, &d.Hostname, &d.IP, &d.CreatedAt, &d.LastSeen,
			&d.AlertsCount24, &d.AlertsCount1h, &lastAlert); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if lastAlert.Valid {
			t := lastAlert.Time
			d.LastAlertTS = &t
		}
		if now.Sub(d.LastSeen) < deviceOnlineThreshold {
			d.Status = "online"
		} else {
			d.Status = "offline"
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return devices, nil
}

// Stats aggregates dashboard statistics.
func (s *PostgresStore) Stats(ctx context.Context) (*DashboardStats, error) {
	stats := &DashboardStats{
		EventsByType:         map[string]int64{},
		DetectionsByModel:    map[string]int64{},
		DetectionsBySeverity: map[string]int64{},
	}

	if err := s.countsInto(ctx, stats.EventsByType,
		`SELECT event_type, COUNT(*) FROM raw_events GROUP BY event_type`); err != nil {
		return nil, err
	}
	if err := s.countsInto(ctx, stats.DetectionsByModel,
		`SELECT model_name, COUNT(*) FROM detections GROUP BY model_name`); err != nil {
		return nil, err
	}
	if err := s.countsInto(ctx, stats.DetectionsBySeverity,
		`SELECT severity, COUNT(*) FROM detections GROUP BY severity`); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM raw_events),
			(SELECT COUNT(*) FROM detections),
			(SELECT COUNT(*) FROM devices),
			(SELECT COUNT(*) FROM detections WHERE ts > NOW() - INTERVAL '24 hours')
	`)
	if err := row.Scan(&stats.TotalEvents, &stats.TotalDetections, &stats.TotalDevices, &stats.Detections24h); err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) countsInto(ctx context.Context, dst map[string]int64, query string) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan count row: %w", err)
		}
		dst[key] = count
	}
	return rows.Err()
}
