// ABOUTME: Tests for agent sessions driven by the scripted engine.
// ABOUTME: Covers the question round trip, status transitions, stop, and failure paths.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/engine"
)

type recorder struct {
	mu        sync.Mutex
	updates   []Info
	activity  []string
	questions chan PendingQuestion
}

func newRecorder() *recorder {
	return &recorder{questions: make(chan PendingQuestion, 8)}
}

func (r *recorder) SessionUpdated(info Info) {
	r.mu.Lock()
	r.updates = append(r.updates, info)
	r.mu.Unlock()
}

func (r *recorder) QuestionAsked(q PendingQuestion) {
	r.questions <- q
}

func (r *recorder) Activity(_, _, message string) {
	r.mu.Lock()
	r.activity = append(r.activity, message)
	r.mu.Unlock()
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, u := range r.updates {
		if len(out) == 0 || out[len(out)-1] != u.Status {
			out = append(out, u.Status)
		}
	}
	return out
}

func (r *recorder) waitQuestion(t *testing.T) PendingQuestion {
	t.Helper()
	select {
	case q := <-r.questions:
		return q
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for question")
		return PendingQuestion{}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

var dbQuestion = map[string]any{
	"questions": []map[string]any{{
		"question": "Which database?",
		"header":   "DB",
		"options": []map[string]any{
			{"label": "Postgres", "description": "relational"},
			{"label": "SQLite"},
		},
		"multiSelect": false,
	}},
}

func TestSession_QuestionRoundTrip(t *testing.T) {
	decisions := make(chan engine.PermissionResult, 1)
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		if err := run.SessionID(ctx, "engine-abc"); err != nil {
			return err
		}
		if err := run.ToolUse(ctx, "Write", map[string]string{"file_path": "main.go"}); err != nil {
			return err
		}
		res, err := run.Ask(ctx, HumanInputTool, dbQuestion)
		if err != nil {
			return err
		}
		decisions <- res
		if err := run.Text(ctx, "using Postgres\nwired it up"); err != nil {
			return err
		}
		return run.Result(ctx, engine.Result{Success: true, Subtype: "success", Text: "done", CostUSD: 0.5, NumTurns: 4})
	})

	rec := newRecorder()
	s := New(Config{Project: "api", ProjectPath: t.TempDir(), Task: "add a database", Engine: fake, Listener: rec})
	assert.Equal(t, StatusStarting, s.Info().Status)
	require.NoError(t, s.Start(t.Context()))

	q := rec.waitQuestion(t)
	assert.Equal(t, s.ID(), q.SessionID)
	assert.Equal(t, "api", q.Project)
	require.Len(t, q.Questions, 1)
	assert.Equal(t, "Which database?", q.Questions[0].Question)
	require.Len(t, q.Questions[0].Options, 2)
	assert.Equal(t, StatusWaiting, s.Info().Status)

	assert.False(t, s.ResolveAnswer("not-a-question", Answers{"x": "y"}))
	assert.True(t, s.ResolveAnswer(q.ID, Answers{"Which database?": "Postgres"}))
	assert.False(t, s.ResolveAnswer(q.ID, Answers{"Which database?": "SQLite"}))

	res := <-decisions
	assert.Equal(t, engine.BehaviorAllow, res.Behavior)
	var updated struct {
		Questions []Question        `json:"questions"`
		Answers   map[string]string `json:"answers"`
	}
	require.NoError(t, json.Unmarshal(res.UpdatedInput, &updated))
	assert.Equal(t, "Postgres", updated.Answers["Which database?"])
	assert.Len(t, updated.Questions, 1)

	waitDone(t, s)
	info := s.Info()
	assert.Equal(t, StatusCompleted, info.Status)
	assert.Equal(t, "engine-abc", info.EngineSessionID)
	assert.InDelta(t, 0.5, info.CostUSD, 1e-9)
	assert.Equal(t, 4, info.NumTurns)
	assert.Equal(t, []string{"using Postgres", "wired it up"}, info.Output)
	require.Len(t, info.ToolUses, 1)
	assert.Equal(t, "Write: main.go", info.ToolUses[0].Summary)
	assert.NotNil(t, info.FinishedAt)

	assert.Equal(t, []Status{StatusWorking, StatusWaiting, StatusWorking, StatusCompleted}, rec.statuses())
}

func TestSession_OtherToolsAllowedUnchanged(t *testing.T) {
	decisions := make(chan engine.PermissionResult, 1)
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		res, err := run.Ask(ctx, "Bash", map[string]string{"command": "go test ./..."})
		if err != nil {
			return err
		}
		decisions <- res
		return run.Result(ctx, engine.Result{Success: true})
	})

	s := New(Config{Project: "p", Task: "t", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	res := <-decisions
	assert.Equal(t, engine.BehaviorAllow, res.Behavior)
	assert.JSONEq(t, `{"command":"go test ./..."}`, string(res.UpdatedInput))
}

func TestSession_MalformedQuestionDenied(t *testing.T) {
	decisions := make(chan engine.PermissionResult, 1)
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		res, err := run.Ask(ctx, HumanInputTool, map[string]any{"questions": []any{}})
		if err != nil {
			return err
		}
		decisions <- res
		return run.Result(ctx, engine.Result{Success: true})
	})

	s := New(Config{Project: "p", Task: "t", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	assert.Equal(t, engine.BehaviorDeny, (<-decisions).Behavior)
	assert.Equal(t, StatusCompleted, s.Info().Status)
}

func TestSession_StopWhileWaiting(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		if _, err := run.Ask(ctx, HumanInputTool, dbQuestion); err != nil {
			return err
		}
		return run.Result(ctx, engine.Result{Success: true})
	})

	rec := newRecorder()
	s := New(Config{Project: "p", Task: "t", Engine: fake, Listener: rec})
	require.NoError(t, s.Start(t.Context()))
	q := rec.waitQuestion(t)

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	waitDone(t, s)

	info := s.Info()
	assert.Equal(t, StatusStopped, info.Status)
	assert.Empty(t, info.Error)
	assert.False(t, s.ResolveAnswer(q.ID, Answers{"Which database?": "SQLite"}))
}

func TestSession_StopBeforeStart(t *testing.T) {
	s := New(Config{Project: "p", Task: "t", Engine: engine.NewFake(nil)})
	assert.True(t, s.Stop())
	waitDone(t, s)
	assert.Error(t, s.Start(t.Context()))
	assert.Equal(t, StatusStopped, s.Info().Status)
}

func TestSession_StartTwice(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		return run.Result(ctx, engine.Result{Success: true})
	})
	s := New(Config{Project: "p", Task: "t", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	assert.ErrorIs(t, s.Start(t.Context()), ErrAlreadyStarted)
	waitDone(t, s)
}

func TestSession_EngineStartFailure(t *testing.T) {
	fake := engine.NewFake(nil)
	fake.FailStart(errors.New("claude: executable not found"))

	s := New(Config{Project: "p", Task: "t", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	info := s.Info()
	assert.Equal(t, StatusErrored, info.Status)
	assert.Contains(t, info.Error, "executable not found")
}

func TestSession_ResultFailure(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		return run.Result(ctx, engine.Result{Success: false, Subtype: "error_max_turns", Errors: []string{"hit max turns"}, CostUSD: 1.25})
	})

	s := New(Config{Project: "p", Task: "t", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	info := s.Info()
	assert.Equal(t, StatusErrored, info.Status)
	assert.Equal(t, "hit max turns", info.Error)
	assert.InDelta(t, 1.25, info.CostUSD, 1e-9)
}

func TestSession_EngineErrorEvent(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		return errors.New("process crashed")
	})

	s := New(Config{Project: "p", Task: "t", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	info := s.Info()
	assert.Equal(t, StatusErrored, info.Status)
	assert.Equal(t, "process crashed", info.Error)
}

func TestSession_StreamEndsWithoutResult(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		return run.Text(ctx, "partial")
	})

	s := New(Config{Project: "p", Task: "t", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	info := s.Info()
	assert.Equal(t, StatusErrored, info.Status)
	assert.Contains(t, info.Error, "without a result")
}

func TestSession_TerminalStateIsSticky(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		if err := run.Result(ctx, engine.Result{Success: true}); err != nil {
			return err
		}
		return run.Text(ctx, "after the result")
	})

	rec := newRecorder()
	s := New(Config{Project: "p", Task: "t", Engine: fake, Listener: rec})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	assert.Equal(t, StatusCompleted, s.Info().Status)
	assert.Empty(t, s.Info().Output)
	assert.False(t, s.Stop())
}

func TestSession_PassesRunRequest(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		return run.Result(ctx, engine.Result{Success: true})
	})
	dir := t.TempDir()
	s := New(Config{Project: "p", ProjectPath: dir, Task: "fix it", ResumeID: "prev", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	runs := fake.Runs()
	require.Len(t, runs, 1)
	req := runs[0].Request
	assert.Equal(t, "fix it", req.Prompt.Text)
	assert.Equal(t, dir, req.WorkDir)
	assert.Equal(t, "prev", req.ResumeID)
	assert.Equal(t, DefaultWorkerTools, req.AllowedTools)
	assert.Nil(t, req.Input)
}

// slowWorkingListener holds back working snapshots the way a contended
// registry lock would.
type slowWorkingListener struct {
	*recorder
}

func (l slowWorkingListener) SessionUpdated(info Info) {
	if info.Status == StatusWorking {
		time.Sleep(50 * time.Millisecond)
	}
	l.recorder.SessionUpdated(info)
}

func TestSession_UpdatesPublishedInOrder(t *testing.T) {
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		if err := run.Text(ctx, "let me ask"); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
		if _, err := run.Ask(ctx, HumanInputTool, dbQuestion); err != nil {
			return err
		}
		return run.Result(ctx, engine.Result{Success: true, Subtype: "success"})
	})

	rec := newRecorder()
	s := New(Config{Project: "api", ProjectPath: t.TempDir(), Task: "pick a db", Engine: fake, Listener: slowWorkingListener{rec}})
	require.NoError(t, s.Start(t.Context()))

	q := rec.waitQuestion(t)
	// Give any held-back snapshot time to land.
	time.Sleep(100 * time.Millisecond)

	rec.mu.Lock()
	last := rec.updates[len(rec.updates)-1]
	rec.mu.Unlock()
	assert.Equal(t, StatusWaiting, s.Info().Status)
	assert.Equal(t, StatusWaiting, last.Status, "last published snapshot must match the parked session")
	assert.Equal(t, []Status{StatusWorking, StatusWaiting}, rec.statuses())

	require.True(t, s.ResolveAnswer(q.ID, Answers{"Which database?": "SQLite"}))
	waitDone(t, s)
	assert.Equal(t, []Status{StatusWorking, StatusWaiting, StatusWorking, StatusCompleted}, rec.statuses())
}

func TestSession_OutputKeepsEveryLine(t *testing.T) {
	const lines = 600
	fake := engine.NewFake(func(ctx context.Context, run *engine.FakeRun) error {
		for i := range lines {
			if err := run.Text(ctx, fmt.Sprintf("line %d", i)); err != nil {
				return err
			}
		}
		return run.Result(ctx, engine.Result{Success: true, Subtype: "success"})
	})

	s := New(Config{Project: "api", ProjectPath: t.TempDir(), Task: "talk a lot", Engine: fake})
	require.NoError(t, s.Start(t.Context()))
	waitDone(t, s)

	out := s.Info().Output
	require.Len(t, out, lines)
	assert.Equal(t, "line 0", out[0])
	assert.Equal(t, fmt.Sprintf("line %d", lines-1), out[lines-1])
}

func TestSummarizeToolUse(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input string
		want  string
	}{
		{"bash", "Bash", `{"command":"go   test\n./..."}`, "Bash: go test ./..."},
		{"read", "Read", `{"file_path":"/src/a.go"}`, "Read: /src/a.go"},
		{"grep", "Grep", `{"pattern":"TODO"}`, "Grep: TODO"},
		{"unknown tool", "Frobnicate", `{"x":1}`, "Frobnicate"},
		{"missing field", "Write", `{}`, "Write"},
		{"bad json", "Edit", `nope`, "Edit"},
		{"question", HumanInputTool, `{"questions":[{"question":"Ship it?"}]}`, "AskUserQuestion: Ship it?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SummarizeToolUse(tt.tool, json.RawMessage(tt.input)))
		})
	}
}

func TestSummarizeToolUse_Truncates(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	input, _ := json.Marshal(map[string]string{"command": string(long)})
	got := SummarizeToolUse("Bash", input)
	assert.Len(t, []rune(got), maxSummaryLen)
	assert.True(t, len(got) > 3 && got[len(got)-3:] == "...")
}

func TestAnswers_UnmarshalStringOrList(t *testing.T) {
	var a Answers
	require.NoError(t, json.Unmarshal([]byte(`{"Which database?":"SQLite","Features?":["auth","billing"]}`), &a))
	assert.Equal(t, Answers{"Which database?": "SQLite", "Features?": "auth, billing"}, a)

	err := json.Unmarshal([]byte(`{"Which database?":3}`), &a)
	assert.Error(t, err)
}
