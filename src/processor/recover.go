package processor

import (
	"context"
	"log/slog"
	"time"

	"testpilotworker/src/logging"
)

// RecoverStale heals rows whose lock outlived the TTL: RUNNING and
// claimed-but-unstarted PENDING rows fail with ERROR, and interrupted
// ANALYZING rows resolve back to FAILED. Mirrored output survives on the
// record.
func RecoverStale(ctx context.Context, store Store, ttl time.Duration, stats *logging.WorkerStats, logger *slog.Logger) {
	count, err := store.RecoverStale(ctx, ttl)
	if err != nil {
		logger.Error("stale task recovery failed", "error", err)
		stats.Apply(logging.Delta{DatabaseFailures: 1})
		return
	}
	if count > 0 {
		logger.Info("recovered stale tasks", "count", count)
	}
}
