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

package model

import "time"

type RunStatus string

const (
	StatusPending    RunStatus = "pending"
	StatusRunning    RunStatus = "running"
	StatusPassed     RunStatus = "passed"
	StatusFailed     RunStatus = "failed"
	StatusError      RunStatus = "error"
	StatusUnstable   RunStatus = "unstable"
	StatusAnalyzing  RunStatus = "analyzing"
	StatusDeadLetter RunStatus = "dead_letter"
)

// Terminal reports whether a status ends the task's lifecycle. ANALYZING is
// a sub-state of FAILED and must always resolve back to it.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusError, StatusUnstable, StatusDeadLetter:
		return true
	}
	return false
}

type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// TaskConfig is the run configuration a task author submits alongside the
// suite selection.
type TaskConfig struct {
	Environment Environment       `json:"environment"`
	BaseURL     string            `json:"baseUrl,omitempty"`
	EnvVars     map[string]string `json:"envVars,omitempty"`
}

// CIContext carries the pull-request coordinates a CI pipeline attaches when
// it triggers a run. Provider is one of github, gitlab, azure.
type CIContext struct {
	Provider   string `json:"provider,omitempty"`
	Repository string `json:"repository,omitempty"`
	PRNumber   int    `json:"prNumber,omitempty"`
}

// TaskDescriptor is the validated unit of work describing one container run.
// TaskID is globally unique and is the correlation key across logs, report
// tokens and notifications.
type TaskDescriptor struct {
	TaskID            string     `json:"taskId"`
	OrganizationID    string     `json:"organizationId"`
	Image             string     `json:"image"`
	Command           string     `json:"command"`
	Folder            string     `json:"folder,omitempty"`
	Config            TaskConfig `json:"config"`
	AIAnalysisEnabled bool       `json:"aiAnalysisEnabled"`
	RetryOnFailure    bool       `json:"retryOnFailure,omitempty"`
	CI                *CIContext `json:"ci,omitempty"`
}

// ExecutionRecord is the durable row a task mutates while the worker owns it.
// Payload keeps the raw queue message so validation happens on the original
// bytes, not on a re-encoded copy.
type ExecutionRecord struct {
	TaskID         string
	OrganizationID string
	Priority       int
	Status         RunStatus
	EnqueuedAt     time.Time
	Started        *time.Time
	Finished       *time.Time
	LockedAt       *time.Time
	WorkerID       *string
	Output         *string
	Analysis       *string
	LastError      *string
	HasArtifact    bool
	Payload        string
}

// TestCounts summarizes a run for notifications and CI comments.
type TestCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// NotificationSettings is a tenant's side-channel configuration. Webhook and
// CIToken hold vault payloads, or legacy plaintext values for tenants that
// predate encrypted storage.
type NotificationSettings struct {
	Webhook string
	Events  []string
	CIToken string
}
