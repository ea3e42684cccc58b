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
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// CannedInsufficientLogs is returned when the captured output is too
	// short for analysis to say anything useful.
	CannedInsufficientLogs = "Not enough captured output to analyze this failure. Re-run with more verbose logging for an AI explanation."
	// CannedAnalysisUnavailable replaces any error from the analysis
	// collaborator; this path never raises.
	CannedAnalysisUnavailable = "Automated failure analysis is unavailable for this run. Review the captured output for the failing assertions."

	minAnalyzableOutput = 64
	maxAnalyzedOutput   = 16 * 1024

	analysisSystemPrompt = "You are a test failure analyst. Given the tail of a failed test suite's output, explain the most likely root cause in a short paragraph and name the failing tests. Respond in plain text."
)

// ChatCompleter is the slice of the OpenAI client the analyzer consumes.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Analyzer produces a failure explanation from captured output. It never
// returns an error: collaborator failures become a canned explanation.
type Analyzer struct {
	client  ChatCompleter
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func NewAnalyzer(client ChatCompleter, model string, timeout time.Duration, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// Analyze sends the most recent slice of output to the analysis
// collaborator and returns its explanation, or a canned string when the
// output is too short or the collaborator fails.
func (a *Analyzer) Analyze(ctx context.Context, output string) string {
	if len(output) < minAnalyzableOutput {
		return CannedInsufficientLogs
	}
	if a.client == nil {
		return CannedAnalysisUnavailable
	}

	if len(output) > maxAnalyzedOutput {
		output = output[len(output)-maxAnalyzedOutput:]
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analysisSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: output},
		},
	})
	if err != nil {
		a.logger.Warn("analysis collaborator failed", "error", err)
		return CannedAnalysisUnavailable
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		a.logger.Warn("analysis collaborator returned no content")
		return CannedAnalysisUnavailable
	}
	return resp.Choices[0].Message.Content
}
