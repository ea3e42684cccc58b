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
	"context"
	"fmt"
	"log/slog"
	"strings"

	"testpilotworker/src/model"
)

// SettingsSource resolves a tenant's side-channel configuration.
type SettingsSource interface {
	NotificationSettings(ctx context.Context, orgID string) (*model.NotificationSettings, error)
}

// AnalysisSink receives the ANALYZING transitions and the analysis text.
// ANALYZING is a display overlay on a FAILED record; Finalize always
// resolves it back to FAILED.
type AnalysisSink interface {
	MarkAnalyzing(ctx context.Context, taskID string) error
	SaveAnalysis(ctx context.Context, taskID, analysis string) error
	FinalizeAnalysis(ctx context.Context, taskID string) error
}

// Result is the terminal outcome handed to the fan-out.
type Result struct {
	Task        *model.TaskDescriptor
	Status      model.RunStatus
	Output      string
	Counts      model.TestCounts
	ArtifactURL string
}

// Distributor fans a terminal status out to the AI analysis, chat
// notification and CI comment channels. Each channel is best-effort and
// fully isolated from the others' failures; Distribute never returns an
// error and never panics the caller.
type Distributor struct {
	analyzer *Analyzer
	sink     AnalysisSink
	notifier *ChatNotifier
	ci       *CICommenter
	logger   *slog.Logger
}

func NewDistributor(analyzer *Analyzer, sink AnalysisSink, notifier *ChatNotifier, ci *CICommenter, logger *slog.Logger) *Distributor {
	return &Distributor{
		analyzer: analyzer,
		sink:     sink,
		notifier: notifier,
		ci:       ci,
		logger:   logger,
	}
}

func (d *Distributor) Distribute(ctx context.Context, res Result) {
	d.attempt(ctx, "ai-analysis", res, d.analyze)
	d.attempt(ctx, "chat-notification", res, func(ctx context.Context, res Result) {
		d.notifier.Notify(ctx, res)
	})
	d.attempt(ctx, "ci-comment", res, func(ctx context.Context, res Result) {
		d.ci.Comment(ctx, res)
	})
}

// attempt runs one channel behind a recover barrier so a panicking channel
// cannot take down its siblings or the pipeline.
func (d *Distributor) attempt(ctx context.Context, channel string, res Result, fn func(context.Context, Result)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("result channel panicked",
				"channel", channel, "task", res.Task.TaskID, "panic", r)
		}
	}()
	fn(ctx, res)
}

func (d *Distributor) analyze(ctx context.Context, res Result) {
	if !res.Task.AIAnalysisEnabled || res.Status != model.StatusFailed {
		return
	}

	taskID := res.Task.TaskID
	if err := d.sink.MarkAnalyzing(ctx, taskID); err != nil {
		d.logger.Warn("failed to mark record analyzing", "task", taskID, "error", err)
	}

	analysis := d.analyzer.Analyze(ctx, res.Output)

	if err := d.sink.SaveAnalysis(ctx, taskID, analysis); err != nil {
		d.logger.Warn("failed to save analysis", "task", taskID, "error", err)
	}
	if err := d.sink.FinalizeAnalysis(ctx, taskID); err != nil {
		d.logger.Warn("failed to finalize analyzing record", "task", taskID, "error", err)
	}
}

// summaryText renders the standardized run summary used by the chat and CI
// channels.
func summaryText(res Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test run %s finished with status %s.",
		res.Task.TaskID, strings.ToUpper(string(res.Status)))
	if res.Counts != (model.TestCounts{}) {
		fmt.Fprintf(&b, " %d passed, %d failed, %d skipped.",
			res.Counts.Passed, res.Counts.Failed, res.Counts.Skipped)
	}
	if res.ArtifactURL != "" {
		fmt.Fprintf(&b, " Report: %s", res.ArtifactURL)
	}
	return b.String()
}
