package processor

import (
	"context"
	"fmt"
	"log/slog"

	"testpilotworker/src/scheduler"
)

// Enqueuer computes a tenant's fair-share priority and inserts the task on
// the queue. The priority is consumed once, here; it has no lifecycle of
// its own.
type Enqueuer struct {
	store  Store
	logger *slog.Logger
}

func NewEnqueuer(store Store, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{store: store, logger: logger}
}

// Enqueue inserts the raw descriptor payload as a PENDING task. The
// payload is stored as received; validation happens on the consumer side
// against the original bytes. Returns the computed priority.
func (e *Enqueuer) Enqueue(ctx context.Context, taskID, orgID string, payload []byte) (int, error) {
	priority := scheduler.ForTenant(ctx, e.store, orgID, e.logger)
	if err := e.store.Enqueue(ctx, taskID, orgID, payload, priority); err != nil {
		return 0, fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	e.logger.Info("enqueued task", "task", taskID, "org", orgID, "priority", priority)
	return priority, nil
}
