package policy

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads the detection policy from a YAML file and optionally
// watches it for changes.
type Loader struct {
	path        string
	hotReload   bool
	debounce    time.Duration
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *Policy
	watcher     *fsnotify.Watcher
	stopWatch   chan struct{}
	subscribers []func(*Policy)
}

// NewLoader creates a policy loader. path may be empty, in which case
// Snapshot always returns the defaults.
func NewLoader(path string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		path:      path,
		hotReload: hotReload,
		debounce:  time.Duration(debounceMs) * time.Millisecond,
		logger:    logger,
		current:   Default(),
	}
}

// Load reads and applies the policy file. Missing file is not an error
// when no path was configured.
func (l *Loader) Load() (*Policy, error) {
	if l.path == "" {
		return l.Snapshot(), nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", l.path, err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", l.path, err)
	}
	if p.LabelConfidence == nil {
		p.LabelConfidence = map[string]float64{}
	}
	switch p.NonAllowedAction {
	case ActionIgnore, ActionLogOnly, ActionMapToNormal:
	default:
		l.logger.Warn("Unknown non_allowed_action, falling back to ignore",
			"action", p.NonAllowedAction)
		p.NonAllowedAction = ActionIgnore
	}

	l.mu.Lock()
	l.current = p
	subs := append([]func(*Policy){}, l.subscribers...)
	l.mu.Unlock()

	l.logger.Info("Detection policy loaded",
		"path", l.path,
		"allowed_labels", len(p.AllowedLabels),
		"default_confidence", p.DefaultConfidence,
		"volume_gate_enabled", p.VolumeGateEnabled,
		"broadcast_filter", p.BroadcastFilter)

	for _, fn := range subs {
		fn(p)
	}
	return p, nil
}

// Snapshot returns the currently active policy.
func (l *Loader) Snapshot() *Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Subscribe registers a callback invoked after every successful reload.
func (l *Loader) Subscribe(fn func(*Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// WatchForChanges starts watching the policy file when hot reload is
// enabled. Reloads are debounced so editors that write in several steps
// trigger a single reload.
func (l *Loader) WatchForChanges() error {
	if !l.hotReload || l.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(l.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy file %s: %w", l.path, err)
	}

	l.watcher = watcher
	l.stopWatch = make(chan struct{})

	go l.watchLoop()
	l.logger.Info("Policy hot reload enabled", "path", l.path, "debounce", l.debounce)
	return nil
}

// StopWatching stops the file watcher.
func (l *Loader) StopWatching() {
	if l.watcher != nil {
		close(l.stopWatch)
		l.watcher.Close()
		l.watcher = nil
	}
}

func (l *Loader) watchLoop() {
	var timer *time.Timer
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, func() {
				if _, err := l.Load(); err != nil {
					l.logger.Error("Policy reload failed, keeping previous policy", "error", err)
				}
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("Policy watcher error", "error", err)
		case <-l.stopWatch:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
