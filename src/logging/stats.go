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

package logging

import (
	"sync"
	"time"
)

// StatusResponse for JSON output on the status API.
type StatusResponse struct {
	ID               string    `json:"id"`
	StartTime        time.Time `json:"start_time"`
	Uptime           string    `json:"uptime"`
	TasksProcessed   uint64    `json:"tasks_processed"`
	TasksPassed      uint64    `json:"tasks_passed"`
	TasksFailed      uint64    `json:"tasks_failed"`
	TasksErrored     uint64    `json:"tasks_errored"`
	TasksDeadLetter  uint64    `json:"tasks_dead_letter"`
	DatabaseFailures uint64    `json:"database_failures"`
	InFlight         int64     `json:"in_flight"`
}

// WorkerStats tracks the internal state of the worker. Safe for use from any
// number of concurrent pipelines.
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(workerID string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        workerID,
			StartTime: time.Now(),
		},
	}
}

// Delta is a bundle of counter increments applied atomically to the stats.
type Delta struct {
	Processed        uint64
	Passed           uint64
	Failed           uint64
	Errored          uint64
	DeadLettered     uint64
	DatabaseFailures uint64
	InFlight         int64
}

func (s *WorkerStats) Apply(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksProcessed += d.Processed
	s.statusResponse.TasksPassed += d.Passed
	s.statusResponse.TasksFailed += d.Failed
	s.statusResponse.TasksErrored += d.Errored
	s.statusResponse.TasksDeadLetter += d.DeadLettered
	s.statusResponse.DatabaseFailures += d.DatabaseFailures
	s.statusResponse.InFlight += d.InFlight
}

// Snapshot returns the current statistics as a response struct.
func (s *WorkerStats) Snapshot() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}
