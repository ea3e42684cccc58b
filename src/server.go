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

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"testpilotworker/src/logging"
)

// GlobalStats represents system-wide metrics across all workers.
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	PassedTasks     int     `json:"passed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	ErroredTasks    int     `json:"errored_tasks"`
	DeadLetterTasks int     `json:"dead_letter_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	db    *sql.DB
	stats *logging.WorkerStats
}

// StartAPIServer starts the status HTTP server with graceful shutdown.
func StartAPIServer(ctx context.Context, port string, db *sql.DB, workerStats *logging.WorkerStats) error {
	srv := &APIServer{
		db:    db,
		stats: workerStats,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", srv.statusHandler)
	mux.HandleFunc("/global-status", srv.globalStatusHandler)

	// CRITICAL: We must use the returned handler from otelhttp.NewHandler
	otelHandler := otelhttp.NewHandler(mux, "worker-api-server")

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: otelHandler,
	}

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.Snapshot())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var gs GlobalStats

	// Combined query for better performance
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status = 'pending') as pending,
				COUNT(*) FILTER (WHERE status = 'running') as running,
				COUNT(*) FILTER (WHERE status IN ('passed', 'unstable')) as passed,
				COUNT(*) FILTER (WHERE status IN ('failed', 'analyzing')) as failed,
				COUNT(*) FILTER (WHERE status = 'error') as errored,
				COUNT(*) FILTER (WHERE status = 'dead_letter') as dead_letter
			FROM tasks
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (finished - started))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE finished > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM tasks
			WHERE finished IS NOT NULL AND started IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`

	err := s.db.QueryRowContext(r.Context(), query).Scan(
		&gs.TotalTasks, &gs.PendingTasks, &gs.RunningTasks,
		&gs.PassedTasks, &gs.FailedTasks, &gs.ErroredTasks, &gs.DeadLetterTasks,
		&gs.AvgExecutionSec, &gs.ThroughputTasks,
	)

	if err != nil {
		http.Error(w, "Failed to query system stats", http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(gs)
}
