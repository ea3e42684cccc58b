package processor

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// outputMirror is the append-only buffer container output streams into. It
// mirrors the accumulated output to the execution record on an interval, so
// a worker crash mid-run preserves everything the container already
// produced. Mirror failures never fail the run.
type outputMirror struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	store     Store
	taskID    string
	interval  time.Duration
	lastFlush time.Time
	logger    *slog.Logger
}

func newOutputMirror(store Store, taskID string, interval time.Duration, logger *slog.Logger) *outputMirror {
	return &outputMirror{
		store:     store,
		taskID:    taskID,
		interval:  interval,
		lastFlush: time.Now(),
		logger:    logger,
	}
}

func (m *outputMirror) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.buf.Write(p)
	if time.Since(m.lastFlush) >= m.interval {
		m.flushLocked()
	}
	return len(p), nil
}

// Flush writes whatever is buffered, regardless of the interval.
func (m *outputMirror) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushLocked()
}

func (m *outputMirror) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

func (m *outputMirror) flushLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.MirrorOutput(ctx, m.taskID, m.buf.String()); err != nil {
		m.logger.Warn("failed to mirror output", "task", m.taskID, "error", err)
	}
	m.lastFlush = time.Now()
}
