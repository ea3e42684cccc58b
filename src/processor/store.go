package processor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"testpilotworker/src/model"
)

// Store is the durable side of the work queue and execution records. The
// Postgres implementation doubles as the queue itself: a claim locks the
// row, and neither dead-lettering nor finalizing ever returns a claimed row
// to PENDING, which is exactly ack-without-redelivery.
type Store interface {
	ClaimNext(ctx context.Context, workerID string) (*model.ExecutionRecord, error)
	MarkRunning(ctx context.Context, taskID string) error
	DeadLetter(ctx context.Context, taskID, reason string) error
	Finalize(ctx context.Context, taskID string, status model.RunStatus, output, lastError string, hasArtifact bool) error
	MirrorOutput(ctx context.Context, taskID, output string) error

	MarkAnalyzing(ctx context.Context, taskID string) error
	SaveAnalysis(ctx context.Context, taskID, analysis string) error
	FinalizeAnalysis(ctx context.Context, taskID string) error

	CountRunning(ctx context.Context, orgID string) (int, error)
	Enqueue(ctx context.Context, taskID, orgID string, payload []byte, priority int) error
	NotificationSettings(ctx context.Context, orgID string) (*model.NotificationSettings, error)
	GetRecord(ctx context.Context, taskID string) (*model.ExecutionRecord, error)
	RecoverStale(ctx context.Context, ttl time.Duration) (int64, error)
}

// PostgresStore backs the Store on the platform database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ClaimNext locks the highest-priority pending task for this worker.
// Returns nil when the queue is empty. The claim only locks the row; the
// status stays PENDING until the validation outcome is known.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string) (*model.ExecutionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer tx.Rollback()

	rec := &model.ExecutionRecord{}
	query := `
		SELECT task_id, org_id, priority, status, payload, enqueued_at
		FROM tasks
		WHERE status = 'pending'
		AND locked_at IS NULL
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	err = tx.QueryRowContext(ctx, query).Scan(
		&rec.TaskID, &rec.OrganizationID, &rec.Priority, &rec.Status, &rec.Payload, &rec.EnqueuedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE tasks SET locked_at = NOW(), worker_id = $1 WHERE task_id = $2",
		workerID, rec.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1, started = NOW() WHERE task_id = $2",
		model.StatusRunning, taskID)
	return err
}

// DeadLetter removes a permanently-invalid task from the queue. The row
// keeps the offending reason; it is never redelivered.
func (s *PostgresStore) DeadLetter(ctx context.Context, taskID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1, finished = NOW(), last_error = $2 WHERE task_id = $3",
		model.StatusDeadLetter, reason, taskID)
	return err
}

func (s *PostgresStore) Finalize(ctx context.Context, taskID string, status model.RunStatus, output, lastError string, hasArtifact bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, finished = NOW(), output = $2,
		    last_error = NULLIF($3, ''), has_artifact = $4
		WHERE task_id = $5`,
		status, output, lastError, hasArtifact, taskID)
	return err
}

// MirrorOutput flushes the output captured so far, so a crash mid-run does
// not lose what the container already produced.
func (s *PostgresStore) MirrorOutput(ctx context.Context, taskID, output string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET output = $1 WHERE task_id = $2", output, taskID)
	return err
}

// MarkAnalyzing overlays ANALYZING on a FAILED record while analysis runs.
func (s *PostgresStore) MarkAnalyzing(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1 WHERE task_id = $2 AND status = $3",
		model.StatusAnalyzing, taskID, model.StatusFailed)
	return err
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, taskID, analysis string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET analysis = $1 WHERE task_id = $2", analysis, taskID)
	return err
}

// FinalizeAnalysis resolves ANALYZING back to FAILED, with or without an
// analysis written.
func (s *PostgresStore) FinalizeAnalysis(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = $1 WHERE task_id = $2 AND status = $3",
		model.StatusFailed, taskID, model.StatusAnalyzing)
	return err
}

func (s *PostgresStore) CountRunning(ctx context.Context, orgID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE org_id = $1 AND status = $2",
		orgID, model.StatusRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return count, nil
}

// Enqueue inserts a PENDING row with its fair-share priority and notifies
// listening workers.
func (s *PostgresStore) Enqueue(ctx context.Context, taskID, orgID string, payload []byte, priority int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, org_id, priority, status, payload, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, NOW())`,
		taskID, orgID, priority, model.StatusPending, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "SELECT pg_notify('tasks_updated', $1)", taskID); err != nil {
		return fmt.Errorf("failed to notify workers: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) NotificationSettings(ctx context.Context, orgID string) (*model.NotificationSettings, error) {
	var webhook, events, ciToken sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT chat_webhook, chat_events, ci_token FROM org_settings WHERE org_id = $1",
		orgID).Scan(&webhook, &events, &ciToken)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load notification settings: %w", err)
	}

	settings := &model.NotificationSettings{
		Webhook: webhook.String,
		CIToken: ciToken.String,
	}
	if events.String != "" {
		settings.Events = strings.Split(events.String, ",")
	}
	return settings, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, taskID string) (*model.ExecutionRecord, error) {
	rec := &model.ExecutionRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, org_id, priority, status, enqueued_at,
		       started, finished, locked_at, worker_id,
		       output, analysis, last_error, has_artifact, payload
		FROM tasks WHERE task_id = $1`, taskID).Scan(
		&rec.TaskID, &rec.OrganizationID, &rec.Priority, &rec.Status, &rec.EnqueuedAt,
		&rec.Started, &rec.Finished, &rec.LockedAt, &rec.WorkerID,
		&rec.Output, &rec.Analysis, &rec.LastError, &rec.HasArtifact, &rec.Payload,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return rec, nil
}

// RecoverStale heals rows a crashed worker left behind once their lock
// outlives the TTL. RUNNING rows and PENDING rows that were claimed but
// never started become ERROR; interrupted ANALYZING rows resolve back to
// FAILED, since analysis is never a resting state. Unclaimed PENDING rows
// have no lock timestamp and are untouched.
func (s *PostgresStore) RecoverStale(ctx context.Context, ttl time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = CASE WHEN status = $1 THEN $2 ELSE $3 END,
		    finished = COALESCE(finished, NOW()),
		    last_error = CASE WHEN status = $1 THEN last_error
		                      ELSE 'worker crash or lock timeout' END
		WHERE status IN ($1, $4, $5)
		AND locked_at < NOW() - ($6 * INTERVAL '1 second')`,
		model.StatusAnalyzing, model.StatusFailed, model.StatusError,
		model.StatusRunning, model.StatusPending, ttl.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}
