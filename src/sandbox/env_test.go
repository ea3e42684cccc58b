package sandbox

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"testpilotworker/src/model"
)

// recordingHandler collects log records so tests can assert on them.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func testSandbox(forward []string, host map[string]string) *EnvSandbox {
	s := NewEnvSandbox("TESTPILOT_", forward, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s.WithLookup(func(name string) (string, bool) {
		v, ok := host[name]
		return v, ok
	})
}

func taskWithEnv(vars map[string]string) *model.TaskDescriptor {
	return &model.TaskDescriptor{
		TaskID: "t1",
		Config: model.TaskConfig{EnvVars: vars},
	}
}

func TestComputeDropsReservedFromEverySource(t *testing.T) {
	s := testSandbox(
		[]string{"PATH", "TESTPILOT_DB_PASSWORD", "testpilot_api_key"},
		map[string]string{
			"PATH":                  "/usr/bin",
			"TESTPILOT_DB_PASSWORD": "hunter2",
			"testpilot_api_key":     "sk-secret",
		},
	)
	task := taskWithEnv(map[string]string{
		"DEBUG":            "1",
		"TESTPILOT_SECRET": "stolen",
		"TestPilot_Token":  "stolen",
		"TESTPILOT":        "short name without underscore suffix is kept",
	})

	env := s.Compute(task, "")

	for _, banned := range []string{"TESTPILOT_DB_PASSWORD", "testpilot_api_key", "TESTPILOT_SECRET", "TestPilot_Token"} {
		if _, ok := env[banned]; ok {
			t.Errorf("reserved variable %q leaked into the sandbox", banned)
		}
	}
	if env["PATH"] != "/usr/bin" || env["DEBUG"] != "1" {
		t.Errorf("allowed variables missing: %v", env)
	}
	if _, ok := env["TESTPILOT"]; ok {
		t.Error("prefix match must include the underscore")
	}
}

// Dropped reserved names are logged, not swallowed without a trace.
func TestComputeLogsDroppedReservedNames(t *testing.T) {
	h := &recordingHandler{}
	s := NewEnvSandbox("TESTPILOT_", []string{"TESTPILOT_HOST_SECRET"}, slog.New(h)).
		WithLookup(func(string) (string, bool) { return "", false })

	s.Compute(taskWithEnv(map[string]string{"TESTPILOT_KEY": "x"}), "")

	if got := h.count(); got != 2 {
		t.Errorf("logged %d dropped names, want 2", got)
	}
}

func TestComputePrecedence(t *testing.T) {
	s := testSandbox([]string{"BASE_URL", "CI"}, map[string]string{
		"BASE_URL": "http://host-value",
		"CI":       "false",
	})
	task := taskWithEnv(map[string]string{
		"BASE_URL": "http://task-value",
		"CI":       "no",
		"EXTRA":    "x",
	})

	env := s.Compute(task, "http://computed:8080")

	// Computed values win over both the task and the host.
	if env["CI"] != "true" {
		t.Errorf("CI = %q, want true", env["CI"])
	}
	if env["BASE_URL"] != "http://computed:8080" {
		t.Errorf("BASE_URL = %q, want computed value", env["BASE_URL"])
	}
	if env["EXTRA"] != "x" {
		t.Error("task-only variable dropped")
	}
}

func TestComputeTaskOverridesHost(t *testing.T) {
	s := testSandbox([]string{"REGION"}, map[string]string{"REGION": "host"})
	env := s.Compute(taskWithEnv(map[string]string{"REGION": "task"}), "")
	if env["REGION"] != "task" {
		t.Errorf("REGION = %q, want task value over host value", env["REGION"])
	}
}

func TestComputeEmptyBaseURL(t *testing.T) {
	s := testSandbox(nil, nil)
	env := s.Compute(taskWithEnv(nil), "")
	if _, ok := env["BASE_URL"]; ok {
		t.Error("BASE_URL should be absent when no base URL is set")
	}
	if env["CI"] != "true" {
		t.Error("CI must always be set")
	}
}

func TestFlattenStableOrder(t *testing.T) {
	got := Flatten(map[string]string{"B": "2", "A": "1", "C": "3"})
	want := []string{"A=1", "B=2", "C=3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten = %v, want %v", got, want)
	}
}
