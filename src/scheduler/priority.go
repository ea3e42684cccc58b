// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package scheduler

import (
	"context"
	"log/slog"
)

const (
	// MaxPriority goes to tenants with no in-flight work.
	MaxPriority = 10
	// FloorPriority keeps a saturated tenant de-prioritized but never
	// starved entirely.
	FloorPriority = 1

	perRunPenalty = 2
)

// RunningCounter reports a tenant's currently running task count.
type RunningCounter interface {
	CountRunning(ctx context.Context, orgID string) (int, error)
}

// Priority computes the fair-share priority for a tenant with the given
// running count: max(1, 10 - 2*running). Non-increasing in the count and
// never below the floor.
func Priority(runningCount int) int {
	p := MaxPriority - perRunPenalty*runningCount
	if p < FloorPriority {
		return FloorPriority
	}
	return p
}

// ForTenant looks up the tenant's running count and computes its priority.
// Fails open: a counting error yields the floor priority rather than
// blocking enqueue on a scheduling hiccup.
func ForTenant(ctx context.Context, counter RunningCounter, orgID string, logger *slog.Logger) int {
	running, err := counter.CountRunning(ctx, orgID)
	if err != nil {
		logger.Warn("running count lookup failed, using floor priority",
			"org", orgID, "error", err)
		return FloorPriority
	}
	return Priority(running)
}
