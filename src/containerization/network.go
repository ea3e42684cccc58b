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
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const sandboxNetworkName = "testpilot_sandbox"

// EnsureSandboxNetwork creates or retrieves the bridge network task
// containers run on. The network allows external internet access; host
// reachability goes through the ExtraHosts alias on each container.
func EnsureSandboxNetwork(ctx context.Context, cli *client.Client, logger *slog.Logger) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}

	for _, n := range networks {
		if n.Name == sandboxNetworkName {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, sandboxNetworkName, network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox network: %w", err)
	}
	logger.Info("created sandbox network", "network", shortID(resp.ID))
	return resp.ID, nil
}

// SweepOrphans force-removes exited task containers left behind by a crashed
// worker. Normal runs remove their container themselves; this is the
// backstop, run on a schedule.
func SweepOrphans(ctx context.Context, cli *client.Client, logger *slog.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	orphans, err := cli.ContainerList(listCtx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelTask),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		logger.Error("failed to list orphaned containers", "error", err)
		return
	}

	for _, orphan := range orphans {
		removeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := cli.ContainerRemove(removeCtx, orphan.ID, container.RemoveOptions{Force: true}); err != nil {
			logger.Error("failed to remove orphaned container", "container", shortID(orphan.ID), "error", err)
		} else {
			logger.Info("removed orphaned container",
				"container", shortID(orphan.ID), "task", orphan.Labels[labelTask])
		}
		cancel()
	}
}
