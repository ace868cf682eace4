// Package tailer follows a log file across rotations and truncations,
// emitting lines on a channel for the sensor's shippers.
package tailer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nxadm/tail"
)

// maxLineLength truncates pathological lines before shipping.
const maxLineLength = 8192

// FileTailer follows one file. Safe for a single Start/Stop cycle.
type FileTailer struct {
	path          string
	bufferSize    int
	fromBeginning bool
	logger        *slog.Logger

	mu      sync.Mutex
	tail    *tail.Tail
	running bool
	stop    chan struct{}
}

// New creates a tailer for path that starts at the end of the file.
func New(path string, bufferSize int, logger *slog.Logger) *FileTailer {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &FileTailer{
		path:       path,
		bufferSize: bufferSize,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// FromBeginning makes Start read the file from offset zero.
func (t *FileTailer) FromBeginning() *FileTailer {
	t.fromBeginning = true
	return t
}

// Start begins following the file. The returned channel closes when the
// context is cancelled or Stop is called.
func (t *FileTailer) Start(ctx context.Context) <-chan string {
	lines := make(chan string, t.bufferSize)

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		close(lines)
		return lines
	}
	t.running = true
	t.stop = make(chan struct{})
	t.mu.Unlock()

	go func() {
		defer close(lines)

		whence := 2 // io.SeekEnd
		if t.fromBeginning {
			whence = 0
		}

		tf, err := tail.TailFile(t.path, tail.Config{
			Follow:    true,
			ReOpen:    true,
			MustExist: false,
			Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
			Logger:    tail.DiscardingLogger,
		})
		if err != nil {
			t.logger.Error("Failed to tail file", "file", t.path, "error", err)
			return
		}

		t.mu.Lock()
		t.tail = tf
		t.mu.Unlock()

		t.logger.Info("Tailing log file", "file", t.path, "from_beginning", t.fromBeginning)

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			case line, ok := <-tf.Lines:
				if !ok {
					t.logger.Info("Tail channel closed", "file", t.path)
					return
				}
				if line.Err != nil {
					t.logger.Warn("Error reading line", "file", t.path, "error", line.Err)
					continue
				}
				if line.Text == "" {
					continue
				}

				text := line.Text
				if len(text) > maxLineLength {
					t.logger.Warn("Truncated oversized log line",
						"file", t.path, "original_size", len(line.Text))
					text = text[:maxLineLength]
				}

				select {
				case lines <- text:
				case <-ctx.Done():
					return
				case <-t.stop:
					return
				}
			}
		}
	}()

	return lines
}

// Stop halts the tailer. Safe to call more than once.
func (t *FileTailer) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return nil
	}
	close(t.stop)
	t.running = false

	if t.tail != nil {
		return t.tail.Stop()
	}
	return nil
}
