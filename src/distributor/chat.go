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

package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"testpilotworker/src/model"
	"testpilotworker/src/secrets"
)

// ChatNotifier delivers run outcomes to a tenant's chat webhook. Absent or
// undecryptable configuration means the channel is not configured, a no-op
// rather than an error. Delivery failures are logged and swallowed.
type ChatNotifier struct {
	vault         *secrets.Vault
	settings      SettingsSource
	defaultEvents []string
	httpClient    *http.Client
	logger        *slog.Logger
}

func NewChatNotifier(vault *secrets.Vault, settings SettingsSource, defaultEvents []string, httpClient *http.Client, logger *slog.Logger) *ChatNotifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ChatNotifier{
		vault:         vault,
		settings:      settings,
		defaultEvents: defaultEvents,
		httpClient:    httpClient,
		logger:        logger,
	}
}

type chatPayload struct {
	TaskID string           `json:"taskId"`
	Status model.RunStatus  `json:"status"`
	Text   string           `json:"text"`
	Counts model.TestCounts `json:"counts"`
}

func (n *ChatNotifier) Notify(ctx context.Context, res Result) {
	taskID := res.Task.TaskID

	st, err := n.settings.NotificationSettings(ctx, res.Task.OrganizationID)
	if err != nil || st == nil || st.Webhook == "" {
		n.logger.Debug("chat webhook not configured", "task", taskID)
		return
	}

	target, err := n.vault.Decrypt(st.Webhook)
	if err != nil {
		// Fail closed on a tampered or undecryptable secret; the tenant
		// is simply not configured as far as this channel is concerned.
		n.logger.Info("chat webhook secret unusable, skipping notification", "task", taskID)
		return
	}

	events := st.Events
	if len(events) == 0 {
		events = n.defaultEvents
	}
	if !slices.Contains(events, string(res.Status)) {
		return
	}

	body, err := json.Marshal(chatPayload{
		TaskID: taskID,
		Status: res.Status,
		Text:   summaryText(res),
		Counts: res.Counts,
	})
	if err != nil {
		n.logger.Warn("failed to encode chat payload", "task", taskID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("failed to build chat request", "task", taskID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("chat webhook delivery failed", "task", taskID, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		n.logger.Warn("chat webhook rejected notification",
			"task", taskID, "status", fmt.Sprint(resp.StatusCode))
	}
}
