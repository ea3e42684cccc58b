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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"testpilotworker/src/model"
	"testpilotworker/src/secrets"
)

// Provider posts a run summary comment on the pull request that triggered a
// task. The closed set of tags is github, gitlab and azure.
type Provider interface {
	PostSummaryComment(ctx context.Context, cc model.CIContext, summary, artifactLink string, counts model.TestCounts) error
}

// ProviderFor selects the provider implementation by source tag. Unknown
// tags return nil rather than erroring: "no provider" is a valid answer.
func ProviderFor(tag, token string, httpClient *http.Client) Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	switch tag {
	case "github":
		return &githubProvider{token: token, httpClient: httpClient}
	case "gitlab":
		return &gitlabProvider{token: token, httpClient: httpClient}
	case "azure":
		return &azureProvider{token: token, httpClient: httpClient}
	}
	return nil
}

// CICommenter resolves the tenant's provider token and delegates to the
// tagged provider. Missing context, missing token, unknown tag and provider
// failure are all no-ops from the pipeline's point of view.
type CICommenter struct {
	vault      *secrets.Vault
	settings   SettingsSource
	httpClient *http.Client
	logger     *slog.Logger
}

func NewCICommenter(vault *secrets.Vault, settings SettingsSource, httpClient *http.Client, logger *slog.Logger) *CICommenter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CICommenter{
		vault:      vault,
		settings:   settings,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *CICommenter) Comment(ctx context.Context, res Result) {
	task := res.Task
	if task.CI == nil || task.CI.Repository == "" || task.CI.PRNumber == 0 {
		return
	}

	st, err := c.settings.NotificationSettings(ctx, task.OrganizationID)
	if err != nil || st == nil || st.CIToken == "" {
		c.logger.Debug("ci provider token not configured", "task", task.TaskID)
		return
	}

	token, err := c.vault.Decrypt(st.CIToken)
	if err != nil {
		c.logger.Info("ci provider token unusable, skipping comment", "task", task.TaskID)
		return
	}

	provider := ProviderFor(task.CI.Provider, token, c.httpClient)
	if provider == nil {
		c.logger.Info("no ci provider for tag", "task", task.TaskID, "tag", task.CI.Provider)
		return
	}

	if err := provider.PostSummaryComment(ctx, *task.CI, summaryText(res), res.ArtifactURL, res.Counts); err != nil {
		c.logger.Warn("ci comment failed",
			"task", task.TaskID, "provider", task.CI.Provider, "error", err)
	}
}

type githubProvider struct {
	token      string
	httpClient *http.Client
}

func (p *githubProvider) PostSummaryComment(ctx context.Context, cc model.CIContext, summary, artifactLink string, counts model.TestCounts) error {
	endpoint := fmt.Sprintf("https://api.github.com/repos/%s/issues/%d/comments", cc.Repository, cc.PRNumber)
	body := map[string]string{"body": summary}
	return postJSON(ctx, p.httpClient, endpoint, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+p.token)
		req.Header.Set("Accept", "application/vnd.github+json")
	})
}

type gitlabProvider struct {
	token      string
	httpClient *http.Client
}

func (p *gitlabProvider) PostSummaryComment(ctx context.Context, cc model.CIContext, summary, artifactLink string, counts model.TestCounts) error {
	endpoint := fmt.Sprintf("https://gitlab.com/api/v4/projects/%s/merge_requests/%d/notes",
		url.PathEscape(cc.Repository), cc.PRNumber)
	body := map[string]string{"body": summary}
	return postJSON(ctx, p.httpClient, endpoint, body, func(req *http.Request) {
		req.Header.Set("PRIVATE-TOKEN", p.token)
	})
}

type azureProvider struct {
	token      string
	httpClient *http.Client
}

func (p *azureProvider) PostSummaryComment(ctx context.Context, cc model.CIContext, summary, artifactLink string, counts model.TestCounts) error {
	// Repository is org/project/repo for Azure DevOps.
	parts := strings.SplitN(cc.Repository, "/", 3)
	if len(parts) != 3 {
		return fmt.Errorf("azure repository must be org/project/repo, got %q", cc.Repository)
	}
	endpoint := fmt.Sprintf("https://dev.azure.com/%s/%s/_apis/git/repositories/%s/pullRequests/%d/threads?api-version=7.0",
		parts[0], parts[1], parts[2], cc.PRNumber)
	body := map[string]any{
		"comments": []map[string]any{{"content": summary, "commentType": 1}},
		"status":   "active",
	}
	basic := base64.StdEncoding.EncodeToString([]byte(":" + p.token))
	return postJSON(ctx, p.httpClient, endpoint, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Basic "+basic)
	})
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, body any, decorate func(*http.Request)) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode comment body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build comment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	decorate(req)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("comment request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("comment endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
