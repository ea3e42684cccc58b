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

package containerization

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"testpilotworker/src/model"
)

// ErrInfra marks failures before the container produced an exit code: image
// pull, create, start, or an unreachable runtime. The task maps to ERROR and
// is still acknowledged.
var ErrInfra = errors.New("container infrastructure error")

// maxArtifactBytes bounds how much archive the runner will pull out of a
// container filesystem.
const maxArtifactBytes = 256 << 20

const (
	labelTask = "testpilot.task"
	labelOrg  = "testpilot.org"
)

// API is the slice of the docker client the runner consumes. Every call
// after create must be reachable from a single cleanup path regardless of
// where the pipeline aborts.
type API interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Result is the outcome of one container run.
type Result struct {
	ExitCode int64
	TimedOut bool
	// Artifact is the declared archive extracted from the container
	// filesystem, nil when the workload produced none. Artifacts are
	// optional; absence is never an error.
	Artifact []byte
}

// Runner owns the per-task container lifecycle: pull, create, start, stream
// output, wait for exit or the wall-clock ceiling, extract artifacts, and
// remove the container on every exit path.
type Runner struct {
	cli          API
	networkID    string
	memoryMB     int64
	cpuLimit     float64
	artifactPath string
	runTimeout   time.Duration
	logger       *slog.Logger
}

func NewRunner(cli API, networkID string, memoryMB int64, cpuLimit float64, artifactPath string, runTimeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{
		cli:          cli,
		networkID:    networkID,
		memoryMB:     memoryMB,
		cpuLimit:     cpuLimit,
		artifactPath: artifactPath,
		runTimeout:   runTimeout,
		logger:       logger,
	}
}

// Run executes one task in a fresh container, streaming combined output into
// the given writer as it is produced. Timeouts stop the container and return
// a TimedOut result; pull/create/start failures wrap ErrInfra. The container
// is removed before Run returns, whatever happened.
func (r *Runner) Run(ctx context.Context, task *model.TaskDescriptor, env []string, output io.Writer) (*Result, error) {
	reader, err := r.cli.ImagePull(ctx, task.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to pull image %s: %v", ErrInfra, task.Image, err)
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: task.Image,
		Cmd:   []string{"sh", "-c", task.Command},
		Env:   env,
		Labels: map[string]string{
			labelTask: task.TaskID,
			labelOrg:  task.OrganizationID,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:   r.memoryMB * 1024 * 1024,
			NanoCPUs: int64(r.cpuLimit * math.Pow10(9)),
		},
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}, &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			sandboxNetworkName: {NetworkID: r.networkID},
		},
	}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create container: %v", ErrInfra, err)
	}
	containerID := resp.ID

	// Single removal path for everything past create.
	defer r.remove(containerID)

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: failed to start container: %v", ErrInfra, err)
	}

	streamDone := make(chan struct{})
	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Warn("failed to attach to container logs", "task", task.TaskID, "error", err)
		close(streamDone)
	} else {
		go func() {
			defer close(streamDone)
			defer logs.Close()
			if _, err := stdcopy.StdCopy(output, output, logs); err != nil {
				r.logger.Warn("error draining container output", "task", task.TaskID, "error", err)
			}
		}()
	}

	waitCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	timeout := time.NewTimer(r.runTimeout)
	defer timeout.Stop()

	var exitCode int64
	select {
	case wait := <-waitCh:
		exitCode = wait.StatusCode
	case err := <-errCh:
		r.awaitStream(streamDone)
		return nil, fmt.Errorf("%w: wait failed: %v", ErrInfra, err)
	case <-timeout.C:
		r.stop(containerID)
		r.awaitStream(streamDone)
		r.logger.Warn("container hit wall-clock ceiling", "task", task.TaskID, "ceiling", r.runTimeout)
		return &Result{TimedOut: true}, nil
	case <-ctx.Done():
		r.stop(containerID)
		r.awaitStream(streamDone)
		return nil, ctx.Err()
	}

	r.awaitStream(streamDone)

	return &Result{
		ExitCode: exitCode,
		Artifact: r.extractArtifact(ctx, containerID, task.TaskID),
	}, nil
}

// extractArtifact pulls the declared archive out of the container
// filesystem. Absence is expected for suites that produce no report.
func (r *Runner) extractArtifact(ctx context.Context, containerID, taskID string) []byte {
	rc, _, err := r.cli.CopyFromContainer(ctx, containerID, r.artifactPath)
	if err != nil {
		r.logger.Info("no artifact archive in container", "task", taskID, "path", r.artifactPath)
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxArtifactBytes))
	if err != nil {
		r.logger.Warn("failed to read artifact archive", "task", taskID, "error", err)
		return nil
	}
	return data
}

func (r *Runner) awaitStream(done <-chan struct{}) {
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (r *Runner) stop(containerID string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stopTimeout := 10
	if err := r.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		r.logger.Warn("failed to stop container", "container", shortID(containerID), "error", err)
	}
}

// remove uses a background context so teardown survives pipeline
// cancellation.
func (r *Runner) remove(containerID string) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(cleanupCtx, containerID, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Error("failed to remove container", "container", shortID(containerID), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
