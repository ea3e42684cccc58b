package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"testpilotworker/src/containerization"
	"testpilotworker/src/distributor"
	"testpilotworker/src/logging"
	"testpilotworker/src/model"
	"testpilotworker/src/reporttoken"
	"testpilotworker/src/sandbox"
	"testpilotworker/src/validation"
)

// summaryMarker prefixes the machine-readable test count line suites emit
// as their last output.
const summaryMarker = "TESTPILOT_SUMMARY "

// ackTimeout bounds the detached writes that record a task's outcome after
// the pipeline context is gone.
const ackTimeout = 2 * time.Minute

// TaskRunner executes one task in an isolated container.
type TaskRunner interface {
	Run(ctx context.Context, task *model.TaskDescriptor, env []string, output io.Writer) (*containerization.Result, error)
}

// ArtifactUploader stores an extracted artifact archive.
type ArtifactUploader interface {
	Upload(ctx context.Context, orgID, taskID string, body io.Reader) (string, error)
}

// ConsumerOptions wires a Consumer. Artifacts may be nil when no artifact
// store is configured.
type ConsumerOptions struct {
	Store          Store
	Validator      *validation.Validator
	Env            *sandbox.EnvSandbox
	Runner         TaskRunner
	Artifacts      ArtifactUploader
	Distributor    *distributor.Distributor
	Tokens         *reporttoken.Service
	ReportBaseURL  string
	WorkerID       string
	InContainer    bool
	Prefetch       int
	MirrorInterval time.Duration
	Stats          *logging.WorkerStats
	Logger         *slog.Logger
}

// Consumer is the queue-driven control loop. Each claimed task runs its
// full pipeline (validate, sandbox, run, distribute) as one unit of work;
// the prefetch semaphore bounds how many units are in flight so one worker
// cannot hoard the queue.
type Consumer struct {
	opts ConsumerOptions
	sem  chan struct{}
}

func NewConsumer(opts ConsumerOptions) *Consumer {
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.MirrorInterval <= 0 {
		opts.MirrorInterval = 5 * time.Second
	}
	return &Consumer{
		opts: opts,
		sem:  make(chan struct{}, opts.Prefetch),
	}
}

// Drain claims and launches tasks until the queue is empty or every
// prefetch slot is busy. Never blocks the caller's loop on a running
// pipeline.
func (c *Consumer) Drain(ctx context.Context) {
	for {
		select {
		case c.sem <- struct{}{}:
		default:
			return
		}

		rec, err := c.opts.Store.ClaimNext(ctx, c.opts.WorkerID)
		if err != nil {
			c.opts.Logger.Error("failed to claim task", "error", err)
			c.opts.Stats.Apply(logging.Delta{DatabaseFailures: 1})
			<-c.sem
			return
		}
		if rec == nil {
			<-c.sem
			return
		}

		c.opts.Stats.Apply(logging.Delta{InFlight: 1})
		go func(rec *model.ExecutionRecord) {
			defer func() {
				c.opts.Stats.Apply(logging.Delta{InFlight: -1})
				<-c.sem
			}()
			c.process(ctx, rec)
		}(rec)
	}
}

// Wait blocks until every in-flight pipeline has finished.
func (c *Consumer) Wait() {
	for i := 0; i < cap(c.sem); i++ {
		c.sem <- struct{}{}
	}
}

func (c *Consumer) process(ctx context.Context, rec *model.ExecutionRecord) {
	logger := c.opts.Logger.With("task", rec.TaskID, "org", rec.OrganizationID)

	// Outcome writes run on a detached context, same as the mirror flush.
	// A shutdown signal cancels ctx and aborts the run itself, but the
	// finished task still has to leave the queue with its status recorded.
	ackCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	task, err := c.opts.Validator.Validate([]byte(rec.Payload))
	if err != nil {
		// Non-retryable by contract: the message leaves the queue without
		// redelivery and no container is ever created for it.
		logger.Info("dead-lettering invalid task", "reason", err.Error())
		if dbErr := c.opts.Store.DeadLetter(ackCtx, rec.TaskID, err.Error()); dbErr != nil {
			logger.Error("failed to dead-letter task", "error", dbErr)
			c.opts.Stats.Apply(logging.Delta{DatabaseFailures: 1})
		}
		c.opts.Stats.Apply(logging.Delta{Processed: 1, DeadLettered: 1})
		return
	}

	if err := c.opts.Store.MarkRunning(ctx, task.TaskID); err != nil {
		logger.Error("failed to mark task running", "error", err)
		c.opts.Stats.Apply(logging.Delta{DatabaseFailures: 1})
		return
	}

	logger.Info("processing task", "image", task.Image, "folder", task.Folder, "priority", rec.Priority)

	baseURL := sandbox.ResolveHostURL(task.Config.BaseURL, c.opts.InContainer)
	env := sandbox.Flatten(c.opts.Env.Compute(task, baseURL))
	mirror := newOutputMirror(c.opts.Store, task.TaskID, c.opts.MirrorInterval, logger)

	result, status := c.execute(ctx, task, env, mirror)

	counts := parseTestCounts(mirror.String())
	if status == model.StatusPassed && counts.Failed > 0 {
		// Exit code 0 with recorded test failures is still a failure.
		status = model.StatusFailed
	}

	mirror.Flush()
	output := mirror.String()

	hasArtifact, artifactURL := c.storeArtifact(ackCtx, task, result, logger)

	lastError := ""
	switch {
	case result == nil:
		lastError = "container run failed before exit"
	case result.TimedOut:
		lastError = "wall-clock ceiling exceeded"
	}

	if err := c.opts.Store.Finalize(ackCtx, task.TaskID, status, output, lastError, hasArtifact); err != nil {
		logger.Error("failed to finalize task", "error", err)
		c.opts.Stats.Apply(logging.Delta{DatabaseFailures: 1})
	}
	c.opts.Stats.Apply(statusDelta(status))
	logger.Info("task finished", "status", status)

	c.opts.Distributor.Distribute(ackCtx, distributor.Result{
		Task:        task,
		Status:      status,
		Output:      output,
		Counts:      counts,
		ArtifactURL: artifactURL,
	})
}

// execute runs the container, applying the one-shot retry policy: a
// non-zero exit with retryOnFailure set gets a second run, and a passing
// retry downgrades the outcome to UNSTABLE rather than PASSED. Infra
// failures and timeouts are never retried.
func (c *Consumer) execute(ctx context.Context, task *model.TaskDescriptor, env []string, mirror *outputMirror) (*containerization.Result, model.RunStatus) {
	result, err := c.opts.Runner.Run(ctx, task, env, mirror)
	switch {
	case err != nil:
		c.opts.Logger.Error("container run failed", "task", task.TaskID, "error", err)
		return nil, model.StatusError
	case result.TimedOut:
		return result, model.StatusError
	case result.ExitCode == 0:
		return result, model.StatusPassed
	}

	if !task.RetryOnFailure {
		return result, model.StatusFailed
	}

	fmt.Fprintf(mirror, "\n--- retrying after exit code %d ---\n", result.ExitCode)
	retry, err := c.opts.Runner.Run(ctx, task, env, mirror)
	if err != nil || retry.TimedOut {
		return result, model.StatusFailed
	}
	if retry.ExitCode == 0 {
		return retry, model.StatusUnstable
	}
	return retry, model.StatusFailed
}

func (c *Consumer) storeArtifact(ctx context.Context, task *model.TaskDescriptor, result *containerization.Result, logger *slog.Logger) (bool, string) {
	if c.opts.Artifacts == nil || result == nil || len(result.Artifact) == 0 {
		return false, ""
	}

	if _, err := c.opts.Artifacts.Upload(ctx, task.OrganizationID, task.TaskID, bytes.NewReader(result.Artifact)); err != nil {
		logger.Warn("failed to upload artifact", "error", err)
		return false, ""
	}

	token, err := c.opts.Tokens.Generate(task.OrganizationID, task.TaskID)
	if err != nil {
		logger.Warn("failed to mint report token", "error", err)
		return true, ""
	}
	return true, fmt.Sprintf("%s/reports/%s/artifact?token=%s", c.opts.ReportBaseURL, task.TaskID, token)
}

// parseTestCounts scans output for the last summary marker line. Absent
// summaries leave all counts zero and classification falls back to the
// exit code alone.
func parseTestCounts(output string) model.TestCounts {
	var counts model.TestCounts
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, summaryMarker) {
			continue
		}
		var parsed model.TestCounts
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, summaryMarker)), &parsed); err == nil {
			counts = parsed
		}
	}
	return counts
}

func statusDelta(status model.RunStatus) logging.Delta {
	d := logging.Delta{Processed: 1}
	switch status {
	case model.StatusPassed, model.StatusUnstable:
		d.Passed = 1
	case model.StatusFailed:
		d.Failed = 1
	case model.StatusError:
		d.Errored = 1
	}
	return d
}
