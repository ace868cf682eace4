// Package dedup decides whether a detection candidate becomes a new
// persisted detection, merges into a recent one, or is suppressed.
package dedup

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

// Action is the engine's verdict for a candidate.
type Action int

const (
	ActionCreate Action = iota
	ActionMerge
	ActionSuppress
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionMerge:
		return "merge"
	case ActionSuppress:
		return "suppress"
	}
	return "unknown"
}

// Resolution reports what happened to a candidate.
type Resolution struct {
	Action      Action
	DetectionID int64 // the created or merged-into detection
	Occurrences int64 // occurrence count after a merge
	Reason      string
}

// DetectionStore is the slice of storage the engine needs. Lookups and
// writes happen under the engine's per-key lock, forming the atomic unit
// required for concurrent events sharing a dedup key.
type DetectionStore interface {
	FindRecentDetectionByKey(ctx context.Context, key model.DedupKey, cutoff time.Time) (*model.Detection, error)
	FindRecentDetectionBySrcLabel(ctx context.Context, srcIP, label string, cutoff time.Time) (*model.Detection, error)
	InsertDetection(ctx context.Context, d *model.Detection) (int64, error)
	UpdateDetectionOccurrence(ctx context.Context, id int64, occurrences int64, lastSeen time.Time) error
}

// lockStripes bounds lock memory; collisions only cost extra serialization.
const lockStripes = 64

// Engine implements the two-tier dedup/cooldown decision. Tier one
// merges candidates whose full dedup key was recently active ("same
// ongoing condition"); tier two suppresses further alerts from a source
// already alerting for the same label even when the rest of the 5-tuple
// varies across flows. A different label from the same source still
// alerts independently.
type Engine struct {
	store          DetectionStore
	dedupWindow    time.Duration
	cooldownWindow time.Duration
	logger         *slog.Logger
	locks          [lockStripes]sync.Mutex
	now            func() time.Time
}

// NewEngine creates a dedup/cooldown engine over the given store.
func NewEngine(store DetectionStore, dedupWindow, cooldownWindow time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		store:          store,
		dedupWindow:    dedupWindow,
		cooldownWindow: cooldownWindow,
		logger:         logger,
		now:            time.Now,
	}
}

func (e *Engine) stripe(key model.DedupKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &e.locks[h.Sum32()%lockStripes]
}

// Resolve runs the candidate through the two-tier decision and performs
// the corresponding write. The lookup and the insert/update are executed
// under one per-key lock so two concurrent events with the same dedup
// key cannot both create a row.
func (e *Engine) Resolve(ctx context.Context, cand *model.DetectionCandidate, deviceID string, rawEventID int64) (Resolution, error) {
	now := e.now()
	key := cand.DedupKey()

	mu := e.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	// Tier one: same ongoing condition merges into the growing alert.
	existing, err := e.store.FindRecentDetectionByKey(ctx, key, now.Add(-e.dedupWindow))
	if err != nil {
		return Resolution{}, fmt.Errorf("dedup lookup failed: %w", err)
	}
	if existing != nil {
		occurrences := existing.Occurrences + 1
		if err := e.store.UpdateDetectionOccurrence(ctx, existing.ID, occurrences, now); err != nil {
			return Resolution{}, fmt.Errorf("merge update failed: %w", err)
		}
		e.logger.Debug("Detection merged",
			"detection_id", existing.ID,
			"label", cand.Label,
			"occurrences", occurrences)
		return Resolution{
			Action:      ActionMerge,
			DetectionID: existing.ID,
			Occurrences: occurrences,
			Reason:      "recent detection with identical dedup key",
		}, nil
	}

	// Tier two: the source is already alerting for this label.
	if cand.SrcIP != "" {
		cooling, err := e.store.FindRecentDetectionBySrcLabel(ctx, cand.SrcIP, cand.Label, now.Add(-e.cooldownWindow))
		if err != nil {
			return Resolution{}, fmt.Errorf("cooldown lookup failed: %w", err)
		}
		if cooling != nil {
			e.logger.Debug("Detection suppressed by cooldown",
				"src_ip", cand.SrcIP,
				"label", cand.Label,
				"cooling_detection_id", cooling.ID)
			return Resolution{
				Action:      ActionSuppress,
				DetectionID: cooling.ID,
				Reason:      fmt.Sprintf("cooldown active for %s/%s", cand.SrcIP, cand.Label),
			}, nil
		}
	}

	d := &model.Detection{
		TS:          cand.TS,
		DeviceID:    deviceID,
		RawEventID:  rawEventID,
		ModelName:   cand.ModelName,
		Label:       cand.Label,
		Score:       cand.Score,
		Severity:    cand.Severity,
		Details:     cand.Details.Flatten(),
		Occurrences: 1,
		FirstSeen:   now,
		LastSeen:    now,
		SrcIP:       cand.SrcIP,
		DstIP:       cand.DstIP,
		SrcPort:     cand.SrcPort,
		DstPort:     cand.DstPort,
		Proto:       cand.Proto,
	}
	id, err := e.store.InsertDetection(ctx, d)
	if err != nil {
		return Resolution{}, fmt.Errorf("detection insert failed: %w", err)
	}
	d.ID = id

	return Resolution{
		Action:      ActionCreate,
		DetectionID: id,
		Occurrences: 1,
	}, nil
}
