package distributor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type fakeCompleter struct {
	gotContent string
	reply      string
	err        error
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.gotContent = req.Messages[len(req.Messages)-1].Content
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

func longOutput(n int) string {
	return strings.Repeat("FAIL TestCheckout: expected 200 got 500\n", n)
}

func TestAnalyzeShortOutput(t *testing.T) {
	a := NewAnalyzer(&fakeCompleter{reply: "x"}, "m", time.Second, discardLogger())
	if got := a.Analyze(context.Background(), "short"); got != CannedInsufficientLogs {
		t.Errorf("got %q, want canned insufficient-logs text", got)
	}
}

func TestAnalyzeWithoutClient(t *testing.T) {
	a := NewAnalyzer(nil, "m", time.Second, discardLogger())
	if got := a.Analyze(context.Background(), longOutput(10)); got != CannedAnalysisUnavailable {
		t.Errorf("got %q, want canned unavailable text", got)
	}
}

func TestAnalyzeReturnsCollaboratorReply(t *testing.T) {
	fc := &fakeCompleter{reply: "TestCheckout fails because the backend returns 500."}
	a := NewAnalyzer(fc, "m", time.Second, discardLogger())

	got := a.Analyze(context.Background(), longOutput(10))
	if got != fc.reply {
		t.Errorf("got %q, want collaborator reply", got)
	}
}

func TestAnalyzeCollaboratorFailure(t *testing.T) {
	for _, fc := range []*fakeCompleter{
		{err: errors.New("rate limited")},
		{reply: ""},
	} {
		a := NewAnalyzer(fc, "m", time.Second, discardLogger())
		if got := a.Analyze(context.Background(), longOutput(10)); got != CannedAnalysisUnavailable {
			t.Errorf("got %q, want canned unavailable text", got)
		}
	}
}

// Oversized output is trimmed to its tail; the end of the log is where the
// failures are.
func TestAnalyzeTruncatesToTail(t *testing.T) {
	fc := &fakeCompleter{reply: "ok"}
	a := NewAnalyzer(fc, "m", time.Second, discardLogger())

	output := strings.Repeat("a", maxAnalyzedOutput) + "TAIL-MARKER"
	a.Analyze(context.Background(), output)

	if len(fc.gotContent) != maxAnalyzedOutput {
		t.Errorf("sent %d bytes, want %d", len(fc.gotContent), maxAnalyzedOutput)
	}
	if !strings.HasSuffix(fc.gotContent, "TAIL-MARKER") {
		t.Error("truncation dropped the tail of the output")
	}
}
