package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"testpilotworker/src/containerization"
	"testpilotworker/src/distributor"
	"testpilotworker/src/logging"
	"testpilotworker/src/model"
	"testpilotworker/src/reporttoken"
	"testpilotworker/src/sandbox"
	"testpilotworker/src/secrets"
	"testpilotworker/src/validation"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type finalizeCall struct {
	status      model.RunStatus
	output      string
	lastError   string
	hasArtifact bool
}

// fakeStore backs the consumer on an in-memory queue. With rejectCancelled
// set, outcome writes fail when handed an already-cancelled context, the
// way a real database call would.
type fakeStore struct {
	mu              sync.Mutex
	queue           []*model.ExecutionRecord
	running         []string
	deadLettered    map[string]string
	finalized       map[string]finalizeCall
	mirrored        map[string]string
	analyzing       []string
	rejectCancelled bool
}

func newFakeStore(payloads ...string) *fakeStore {
	s := &fakeStore{
		deadLettered: map[string]string{},
		finalized:    map[string]finalizeCall{},
		mirrored:     map[string]string{},
	}
	for i, p := range payloads {
		s.queue = append(s.queue, &model.ExecutionRecord{
			TaskID:         fmt.Sprintf("task-%d", i+1),
			OrganizationID: "org-1",
			Status:         model.StatusPending,
			Priority:       5,
			Payload:        p,
		})
	}
	return s
}

func (s *fakeStore) ClaimNext(context.Context, string) (*model.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	rec := s.queue[0]
	s.queue = s.queue[1:]
	return rec, nil
}

func (s *fakeStore) MarkRunning(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = append(s.running, taskID)
	return nil
}

func (s *fakeStore) DeadLetter(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectCancelled && ctx.Err() != nil {
		return ctx.Err()
	}
	s.deadLettered[taskID] = reason
	return nil
}

func (s *fakeStore) Finalize(ctx context.Context, taskID string, status model.RunStatus, output, lastError string, hasArtifact bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectCancelled && ctx.Err() != nil {
		return ctx.Err()
	}
	s.finalized[taskID] = finalizeCall{status: status, output: output, lastError: lastError, hasArtifact: hasArtifact}
	return nil
}

func (s *fakeStore) MirrorOutput(_ context.Context, taskID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrored[taskID] = output
	return nil
}

func (s *fakeStore) MarkAnalyzing(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analyzing = append(s.analyzing, taskID)
	return nil
}

func (s *fakeStore) SaveAnalysis(context.Context, string, string) error { return nil }
func (s *fakeStore) FinalizeAnalysis(context.Context, string) error     { return nil }
func (s *fakeStore) CountRunning(context.Context, string) (int, error)  { return 0, nil }
func (s *fakeStore) RecoverStale(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (s *fakeStore) Enqueue(context.Context, string, string, []byte, int) error { return nil }

func (s *fakeStore) NotificationSettings(context.Context, string) (*model.NotificationSettings, error) {
	return nil, nil
}

func (s *fakeStore) GetRecord(context.Context, string) (*model.ExecutionRecord, error) {
	return nil, nil
}

type runCall struct {
	taskID string
	env    []string
}

// fakeRunner plays back a scripted sequence of results and writes scripted
// output into the mirror. With waitForCancel set, Run blocks until the
// pipeline context is cancelled and returns its error, the way the real
// runner aborts on shutdown.
type fakeRunner struct {
	mu            sync.Mutex
	calls         []runCall
	results       []*containerization.Result
	errs          []error
	output        string
	waitForCancel bool
}

func (r *fakeRunner) Run(ctx context.Context, task *model.TaskDescriptor, env []string, output io.Writer) (*containerization.Result, error) {
	r.mu.Lock()
	n := len(r.calls)
	r.calls = append(r.calls, runCall{taskID: task.TaskID, env: env})
	if r.output != "" {
		io.WriteString(output, r.output)
	}
	r.mu.Unlock()

	if r.waitForCancel {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if n < len(r.errs) && r.errs[n] != nil {
		return nil, r.errs[n]
	}
	if n < len(r.results) {
		return r.results[n], nil
	}
	return &containerization.Result{}, nil
}

type fakeUploader struct {
	uploads []string
}

func (u *fakeUploader) Upload(_ context.Context, orgID, taskID string, body io.Reader) (string, error) {
	u.uploads = append(u.uploads, taskID)
	return orgID + "/" + taskID + "/report.tar", nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validPayload(taskID string, retry bool) string {
	payload, _ := json.Marshal(map[string]any{
		"taskId":         taskID,
		"organizationId": "org-1",
		"image":          "tester:latest",
		"command":        "npm test",
		"config":         map[string]any{"environment": "staging"},
		"retryOnFailure": retry,
	})
	return string(payload)
}

func testConsumer(t *testing.T, store *fakeStore, runner *fakeRunner, uploader ArtifactUploader) *Consumer {
	t.Helper()

	validator, err := validation.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	vault, err := secrets.NewVault(testVaultKey)
	if err != nil {
		t.Fatal(err)
	}

	analyzer := distributor.NewAnalyzer(nil, "m", time.Second, discardLogger())
	notifier := distributor.NewChatNotifier(vault, store, nil, nil, discardLogger())
	ci := distributor.NewCICommenter(vault, store, nil, discardLogger())
	dist := distributor.NewDistributor(analyzer, store, notifier, ci, discardLogger())

	return NewConsumer(ConsumerOptions{
		Store:         store,
		Validator:     validator,
		Env:           sandbox.NewEnvSandbox("TESTPILOT_", nil, discardLogger()),
		Runner:        runner,
		Artifacts:     uploader,
		Distributor:   dist,
		Tokens:        reporttoken.NewService("secret", time.Minute),
		ReportBaseURL: "http://reports.local",
		WorkerID:      "worker-1",
		Prefetch:      2,
		Stats:         logging.NewWorkerStats("worker-1"),
		Logger:        discardLogger(),
	})
}

func drainAndWait(c *Consumer) {
	c.Drain(context.Background())
	c.Wait()
}

func TestInvalidPayloadIsDeadLetteredWithoutRunning(t *testing.T) {
	store := newFakeStore(`{"image": "tester:latest"}`)
	runner := &fakeRunner{}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	if len(runner.calls) != 0 {
		t.Error("runner was called for an invalid payload")
	}
	if len(store.running) != 0 {
		t.Error("invalid task was marked running")
	}
	reason, ok := store.deadLettered["task-1"]
	if !ok {
		t.Fatal("task was not dead-lettered")
	}
	if !strings.Contains(reason, "INVALID_TASK") {
		t.Errorf("dead-letter reason = %q", reason)
	}
}

func TestMalformedPayloadIsDeadLettered(t *testing.T) {
	store := newFakeStore("not json")
	c := testConsumer(t, store, &fakeRunner{}, nil)

	drainAndWait(c)

	if !strings.Contains(store.deadLettered["task-1"], "MALFORMED_PAYLOAD") {
		t.Errorf("dead-letter reason = %q", store.deadLettered["task-1"])
	}
}

func TestPassingRun(t *testing.T) {
	store := newFakeStore(validPayload("task-1", false))
	runner := &fakeRunner{
		results: []*containerization.Result{{ExitCode: 0}},
		output:  `TESTPILOT_SUMMARY {"passed":12,"failed":0,"skipped":1}` + "\n",
	}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	call, ok := store.finalized["task-1"]
	if !ok {
		t.Fatal("task was not finalized")
	}
	if call.status != model.StatusPassed {
		t.Errorf("status = %s, want passed", call.status)
	}
	if len(store.running) != 1 {
		t.Errorf("running marks = %v", store.running)
	}
}

// Exit code 0 with recorded failures is still a failed run.
func TestPassingExitWithFailuresDowngrades(t *testing.T) {
	store := newFakeStore(validPayload("task-1", false))
	runner := &fakeRunner{
		results: []*containerization.Result{{ExitCode: 0}},
		output:  `TESTPILOT_SUMMARY {"passed":10,"failed":2,"skipped":0}` + "\n",
	}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	if got := store.finalized["task-1"].status; got != model.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

func TestFailingRunWithoutRetry(t *testing.T) {
	store := newFakeStore(validPayload("task-1", false))
	runner := &fakeRunner{results: []*containerization.Result{{ExitCode: 1}}}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	if got := store.finalized["task-1"].status; got != model.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if len(runner.calls) != 1 {
		t.Errorf("runner called %d times, want 1", len(runner.calls))
	}
}

// A failing run whose retry passes is UNSTABLE, never PASSED.
func TestRetryPassingIsUnstable(t *testing.T) {
	store := newFakeStore(validPayload("task-1", true))
	runner := &fakeRunner{results: []*containerization.Result{{ExitCode: 1}, {ExitCode: 0}}}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	if got := store.finalized["task-1"].status; got != model.StatusUnstable {
		t.Errorf("status = %s, want unstable", got)
	}
	if len(runner.calls) != 2 {
		t.Errorf("runner called %d times, want 2", len(runner.calls))
	}
}

func TestRetryFailingStaysFailed(t *testing.T) {
	store := newFakeStore(validPayload("task-1", true))
	runner := &fakeRunner{results: []*containerization.Result{{ExitCode: 1}, {ExitCode: 3}}}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	if got := store.finalized["task-1"].status; got != model.StatusFailed {
		t.Errorf("status = %s, want failed", got)
	}
}

// Infra failures map to ERROR and are never retried, even with the retry
// flag set.
func TestInfraFailureIsErrorWithoutRetry(t *testing.T) {
	store := newFakeStore(validPayload("task-1", true))
	runner := &fakeRunner{errs: []error{fmt.Errorf("%w: pull failed", containerization.ErrInfra)}}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	if got := store.finalized["task-1"].status; got != model.StatusError {
		t.Errorf("status = %s, want error", got)
	}
	if len(runner.calls) != 1 {
		t.Errorf("runner called %d times, want 1", len(runner.calls))
	}
}

func TestTimeoutIsError(t *testing.T) {
	store := newFakeStore(validPayload("task-1", true))
	runner := &fakeRunner{results: []*containerization.Result{{TimedOut: true}}}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	call := store.finalized["task-1"]
	if call.status != model.StatusError {
		t.Errorf("status = %s, want error", call.status)
	}
	if call.lastError == "" {
		t.Error("timeout left no last error")
	}
	if len(runner.calls) != 1 {
		t.Errorf("timed-out run was retried")
	}
}

// A shutdown that aborts the run must not also lose the run's outcome: the
// terminal status is written on a detached context, not the cancelled one.
func TestShutdownStillRecordsTerminalStatus(t *testing.T) {
	store := newFakeStore(validPayload("task-1", false))
	store.rejectCancelled = true
	runner := &fakeRunner{waitForCancel: true}
	c := testConsumer(t, store, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	c.Drain(ctx)
	cancel()
	c.Wait()

	call, ok := store.finalized["task-1"]
	if !ok {
		t.Fatal("terminal status was never recorded after shutdown")
	}
	if call.status != model.StatusError {
		t.Errorf("status = %s, want error", call.status)
	}
	if call.lastError == "" {
		t.Error("aborted run left no last error")
	}
}

func TestDeadLetterSurvivesCancelledContext(t *testing.T) {
	store := newFakeStore("not json")
	store.rejectCancelled = true
	c := testConsumer(t, store, &fakeRunner{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Drain(ctx)
	c.Wait()

	if _, ok := store.deadLettered["task-1"]; !ok {
		t.Error("invalid task was not dead-lettered under a cancelled context")
	}
}

func TestArtifactUploadAndFinalizeFlag(t *testing.T) {
	store := newFakeStore(validPayload("task-1", false))
	runner := &fakeRunner{results: []*containerization.Result{{ExitCode: 0, Artifact: []byte("tar")}}}
	uploader := &fakeUploader{}
	c := testConsumer(t, store, runner, uploader)

	drainAndWait(c)

	if len(uploader.uploads) != 1 {
		t.Fatalf("uploads = %v", uploader.uploads)
	}
	if !store.finalized["task-1"].hasArtifact {
		t.Error("finalize did not record the artifact")
	}
}

func TestSandboxedEnvReachesRunner(t *testing.T) {
	payload, _ := json.Marshal(map[string]any{
		"taskId":         "task-1",
		"organizationId": "org-1",
		"image":          "tester:latest",
		"command":        "npm test",
		"config": map[string]any{
			"environment": "staging",
			"envVars":     map[string]string{"DEBUG": "1", "TESTPILOT_KEY": "stolen"},
		},
	})
	store := newFakeStore(string(payload))
	runner := &fakeRunner{results: []*containerization.Result{{ExitCode: 0}}}
	c := testConsumer(t, store, runner, nil)

	drainAndWait(c)

	env := runner.calls[0].env
	joined := strings.Join(env, " ")
	if !strings.Contains(joined, "DEBUG=1") || !strings.Contains(joined, "CI=true") {
		t.Errorf("env = %v", env)
	}
	if strings.Contains(joined, "TESTPILOT_KEY") {
		t.Errorf("reserved variable reached the container: %v", env)
	}
}

func TestDrainEmptiesQueue(t *testing.T) {
	store := newFakeStore(
		validPayload("task-1", false),
		validPayload("task-2", false),
		validPayload("task-3", false),
	)
	runner := &fakeRunner{
		results: []*containerization.Result{{ExitCode: 0}, {ExitCode: 0}, {ExitCode: 0}},
	}
	c := testConsumer(t, store, runner, nil)

	// Prefetch is 2; a second drain pass picks up the remainder.
	for i := 0; i < 3 && len(store.finalized) < 3; i++ {
		drainAndWait(c)
	}

	if len(store.finalized) != 3 {
		t.Errorf("finalized %d tasks, want 3", len(store.finalized))
	}
}

func TestParseTestCounts(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   model.TestCounts
	}{
		{
			name:   "no marker",
			output: "plain output\n",
			want:   model.TestCounts{},
		},
		{
			name:   "single marker",
			output: `TESTPILOT_SUMMARY {"passed":5,"failed":1,"skipped":2}` + "\n",
			want:   model.TestCounts{Passed: 5, Failed: 1, Skipped: 2},
		},
		{
			name: "last marker wins",
			output: `TESTPILOT_SUMMARY {"passed":1,"failed":9,"skipped":0}` + "\n" +
				"retrying\n" +
				`TESTPILOT_SUMMARY {"passed":10,"failed":0,"skipped":0}` + "\n",
			want: model.TestCounts{Passed: 10},
		},
		{
			name:   "garbage after marker ignored",
			output: "TESTPILOT_SUMMARY not json\n",
			want:   model.TestCounts{},
		},
		{
			name:   "marker with leading whitespace",
			output: `   TESTPILOT_SUMMARY {"passed":3,"failed":0,"skipped":0}` + "\n",
			want:   model.TestCounts{Passed: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseTestCounts(tt.output); got != tt.want {
				t.Errorf("parseTestCounts = %+v, want %+v", got, tt.want)
			}
		})
	}
}
