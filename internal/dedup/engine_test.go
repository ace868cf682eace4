package dedup

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amr204/Analytical-Intelligence/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory DetectionStore for engine tests.
type memStore struct {
	detections []*model.Detection
	nextID     int64
}

func (s *memStore) FindRecentDetectionByKey(_ context.Context, key model.DedupKey, cutoff time.Time) (*model.Detection, error) {
	for i := len(s.detections) - 1; i >= 0; i-- {
		d := s.detections[i]
		if d.Key() == key && d.LastSeen.After(cutoff) {
			return d, nil
		}
	}
	return nil, nil
}

func (s *memStore) FindRecentDetectionBySrcLabel(_ context.Context, srcIP, label string, cutoff time.Time) (*model.Detection, error) {
	for i := len(s.detections) - 1; i >= 0; i-- {
		d := s.detections[i]
		if d.SrcIP == srcIP && d.Label == label && d.LastSeen.After(cutoff) {
			return d, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertDetection(_ context.Context, d *model.Detection) (int64, error) {
	s.nextID++
	clone := *d
	clone.ID = s.nextID
	s.detections = append(s.detections, &clone)
	return s.nextID, nil
}

func (s *memStore) UpdateDetectionOccurrence(_ context.Context, id int64, occurrences int64, lastSeen time.Time) error {
	for _, d := range s.detections {
		if d.ID == id {
			d.Occurrences = occurrences
			d.LastSeen = lastSeen
			return nil
		}
	}
	return nil
}

func flowCandidate(label, srcIP, dstIP string, dstPort int) *model.DetectionCandidate {
	return &model.DetectionCandidate{
		ModelName: "network_ml",
		Label:     label,
		Score:     0.9,
		Severity:  model.SeverityHigh,
		SrcIP:     srcIP,
		DstIP:     dstIP,
		DstPort:   dstPort,
		Proto:     "TCP",
		TS:        time.Now(),
		Details:   model.FlowDetails{Label: label},
	}
}

func newTestEngine(store DetectionStore) *Engine {
	return NewEngine(store, 300*time.Second, 3600*time.Second, testLogger())
}

func TestResolve_IdenticalKeyMergesWithinWindow(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(store)
	base := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

	eng.now = func() time.Time { return base }
	res1, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 80), "dev-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res1.Action)

	// Same key 10 seconds later merges.
	eng.now = func() time.Time { return base.Add(10 * time.Second) }
	res2, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 80), "dev-1", 2)
	require.NoError(t, err)
	assert.Equal(t, ActionMerge, res2.Action)
	assert.Equal(t, res1.DetectionID, res2.DetectionID)
	assert.Equal(t, int64(2), res2.Occurrences)

	require.Len(t, store.detections, 1)
	d := store.detections[0]
	assert.Equal(t, int64(2), d.Occurrences)
	assert.True(t, d.LastSeen.After(d.FirstSeen))
}

func TestResolve_DifferentDstPortDoesNotMerge(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(store)
	base := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

	eng.now = func() time.Time { return base }
	res1, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 80), "dev-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res1.Action)

	eng.now = func() time.Time { return base.Add(10 * time.Second) }
	res2, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 443), "dev-1", 2)
	require.NoError(t, err)

	// Key differs so no merge; the cooldown tier suppresses instead.
	assert.Equal(t, ActionSuppress, res2.Action)
	require.Len(t, store.detections, 1)
	assert.Equal(t, int64(1), store.detections[0].Occurrences)
}

func TestResolve_CooldownSuppressesSameSrcLabel(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(store)
	base := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

	eng.now = func() time.Time { return base }
	_, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 80), "dev-1", 1)
	require.NoError(t, err)

	// 10 minutes later, the dedup window has lapsed but the cooldown
	// has not: a slightly different flow from the same source with the
	// same label stays suppressed.
	eng.now = func() time.Time { return base.Add(10 * time.Minute) }
	res, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.2", 8080), "dev-1", 2)
	require.NoError(t, err)
	assert.Equal(t, ActionSuppress, res.Action)
	assert.Contains(t, res.Reason, "cooldown active")
	assert.Len(t, store.detections, 1)
}

func TestResolve_DifferentLabelSameSourceStillAlerts(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(store)
	base := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

	eng.now = func() time.Time { return base }
	_, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 80), "dev-1", 1)
	require.NoError(t, err)

	eng.now = func() time.Time { return base.Add(10 * time.Minute) }
	res, err := eng.Resolve(context.Background(), flowCandidate("Port Scanning", "1.2.3.4", "10.0.0.1", 80), "dev-1", 2)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Len(t, store.detections, 2)
}

func TestResolve_ExpiredWindowsCreateFresh(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(store)
	base := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)

	eng.now = func() time.Time { return base }
	_, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 80), "dev-1", 1)
	require.NoError(t, err)

	// Two hours later both windows have lapsed.
	eng.now = func() time.Time { return base.Add(2 * time.Hour) }
	res, err := eng.Resolve(context.Background(), flowCandidate("DDoS", "1.2.3.4", "10.0.0.1", 80), "dev-1", 2)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
	assert.Len(t, store.detections, 2)
}

func TestResolve_EmptySrcIPSkipsCooldownTier(t *testing.T) {
	store := &memStore{}
	eng := newTestEngine(store)

	cand := flowCandidate("DDoS", "", "10.0.0.1", 80)
	res, err := eng.Resolve(context.Background(), cand, "dev-1", 1)
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, res.Action)
}
