// ABOUTME: Agent session that runs one engine task against a project directory.
// ABOUTME: Intercepts human-input tool calls, parks them on a bridge, and tracks status and output.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/bridge"
	"github.com/2389/switchboard/internal/engine"
)

// Config describes a session to start.
type Config struct {
	ID          string
	Project     string
	ProjectPath string
	Task        string
	SpawnedBy   string
	ResumeID    string

	Engine       engine.Engine
	AllowedTools []string
	SystemPrompt string
	Model        string
	MaxTurns     int

	Listener Listener
	Logger   *slog.Logger
}

// Session is one engine invocation for one task.
type Session struct {
	// emitMu serializes listener callbacks. It is taken before mu, never
	// while holding it, and is released before waiting on an answer.
	emitMu sync.Mutex

	mu       sync.Mutex
	info     Info
	started  bool
	waiting  int
	cancel   context.CancelFunc
	done     chan struct{}
	answers  *bridge.Bridge[Answers]
	cfg      Config
	listener Listener
	logger   *slog.Logger
}

// New creates a session in the starting state. Nothing runs until Start.
func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if len(cfg.AllowedTools) == 0 {
		cfg.AllowedTools = DefaultWorkerTools
	}
	listener := cfg.Listener
	if listener == nil {
		listener = nopListener{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		info: Info{
			ID:          cfg.ID,
			Project:     cfg.Project,
			ProjectPath: cfg.ProjectPath,
			Task:        cfg.Task,
			Status:      StatusStarting,
			SpawnedBy:   cfg.SpawnedBy,
			StartedAt:   time.Now().UTC(),
		},
		done:     make(chan struct{}),
		answers:  bridge.New[Answers](),
		cfg:      cfg,
		listener: listener,
		logger:   logger.With("component", "session", "session_id", cfg.ID, "project", cfg.Project),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.cfg.ID
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.clone()
}

// Done is closed when the engine run has finished. It is also closed when a
// session is stopped before it ever started.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start launches the engine run in its own goroutine. ctx bounds the run.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.info.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("session is %s", s.info.Status)
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("=== session starting ===", "path", s.cfg.ProjectPath)
	s.emitMu.Lock()
	s.listener.Activity(s.cfg.ID, s.cfg.Project, "session started: "+truncate(s.cfg.Task))
	s.emitMu.Unlock()

	go s.run(runCtx)
	return nil
}

// ResolveAnswer delivers answers to the pending question questionID. Returns
// false if this session has no such pending question.
func (s *Session) ResolveAnswer(questionID string, answers Answers) bool {
	return s.answers.Resolve(questionID, answers)
}

// Abandon withdraws the pending question questionID without answering it.
func (s *Session) Abandon(questionID string) bool {
	return s.answers.Cancel(questionID)
}

// Stop cancels the engine run and marks the session stopped. Returns false if
// the session had already reached a terminal state.
func (s *Session) Stop() bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.info.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.info.Status = StatusStopped
	s.markFinishedLocked()
	cancel := s.cancel
	started := s.started
	snap := s.info.clone()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		close(s.done)
	}

	s.logger.Info("session stopped")
	s.listener.SessionUpdated(snap)
	s.listener.Activity(s.cfg.ID, s.cfg.Project, "stopped")
	return true
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	events, err := s.cfg.Engine.Run(ctx, engine.RunRequest{
		Prompt:       engine.Message{Text: s.cfg.Task},
		SystemPrompt: s.cfg.SystemPrompt,
		WorkDir:      s.cfg.ProjectPath,
		AllowedTools: s.cfg.AllowedTools,
		CanUseTool:   s.canUseTool,
		ResumeID:     s.cfg.ResumeID,
		Model:        s.cfg.Model,
		MaxTurns:     s.cfg.MaxTurns,
	})
	if err != nil {
		s.finish(StatusErrored, fmt.Sprintf("engine failed to start: %v", err))
		return
	}

	s.update(func(info *Info) bool {
		return s.transitionLocked(StatusWorking)
	})

	for evt := range events {
		s.handle(evt)
	}

	if ctx.Err() != nil {
		s.finish(StatusStopped, "")
		return
	}
	s.finish(StatusErrored, "engine stream ended without a result")
}

func (s *Session) handle(evt engine.Event) {
	switch evt.Kind {
	case engine.EventSessionID:
		s.update(func(info *Info) bool {
			info.EngineSessionID = evt.SessionID
			return true
		})

	case engine.EventText:
		lines := splitLines(evt.Text)
		if len(lines) == 0 {
			return
		}
		s.update(func(info *Info) bool {
			info.Output = append(info.Output, lines...)
			return true
		})

	case engine.EventToolUse:
		if evt.ToolUse == nil {
			return
		}
		summary := SummarizeToolUse(evt.ToolUse.Name, evt.ToolUse.Input)
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		if s.updateEmitting(func(info *Info) bool {
			info.ToolUses = append(info.ToolUses, ToolUse{
				Name:      evt.ToolUse.Name,
				Summary:   summary,
				Timestamp: time.Now().UTC(),
			})
			return true
		}) {
			s.listener.Activity(s.cfg.ID, s.cfg.Project, summary)
		}

	case engine.EventResult:
		res := evt.Result
		if res == nil {
			return
		}
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		s.mu.Lock()
		if !s.info.Status.Terminal() {
			s.info.CostUSD = res.CostUSD
			s.info.NumTurns = res.NumTurns
			s.info.Result = res.Text
		}
		s.mu.Unlock()
		if res.Success {
			s.finishEmitting(StatusCompleted, "")
			return
		}
		s.finishEmitting(StatusErrored, resultError(res))

	case engine.EventError:
		msg := "engine error"
		if evt.Err != nil {
			msg = evt.Err.Error()
		}
		s.finish(StatusErrored, msg)
	}
}

// canUseTool is the engine's permission callback. Every tool except the
// human-input tool is allowed unchanged; human-input calls suspend here until
// answered and the answers are merged into the tool input.
func (s *Session) canUseTool(ctx context.Context, toolName string, input json.RawMessage) (engine.PermissionResult, error) {
	if toolName != HumanInputTool {
		return engine.Allow(input), nil
	}

	var req struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal(input, &req); err != nil || len(req.Questions) == 0 {
		return engine.Deny("AskUserQuestion requires at least one question"), nil
	}

	questionID := uuid.New().String()
	handle, err := s.answers.Register(questionID)
	if err != nil {
		return engine.PermissionResult{}, err
	}

	s.emitMu.Lock()
	s.mu.Lock()
	if s.info.Status.Terminal() {
		s.mu.Unlock()
		s.emitMu.Unlock()
		s.answers.Cancel(questionID)
		return engine.Deny("session is no longer running"), nil
	}
	if s.info.Status == StatusStarting {
		s.transitionLocked(StatusWorking)
	}
	s.waiting++
	s.transitionLocked(StatusWaiting)
	snap := s.info.clone()
	s.mu.Unlock()

	pending := PendingQuestion{
		ID:        questionID,
		SessionID: s.cfg.ID,
		Project:   s.cfg.Project,
		Questions: req.Questions,
		Timestamp: time.Now().UTC(),
	}
	s.logger.Info("waiting for input", "question_id", questionID)
	s.listener.SessionUpdated(snap)
	s.listener.QuestionAsked(pending)
	s.listener.Activity(s.cfg.ID, s.cfg.Project, "waiting for input: "+truncate(req.Questions[0].Question))
	s.emitMu.Unlock()

	answers, waitErr := handle.Wait(ctx)

	s.emitMu.Lock()
	s.mu.Lock()
	s.waiting--
	s.mu.Unlock()
	s.updateEmitting(func(info *Info) bool {
		if s.waiting == 0 && info.Status == StatusWaiting {
			return s.transitionLocked(StatusWorking)
		}
		return false
	})
	if waitErr == nil {
		s.listener.Activity(s.cfg.ID, s.cfg.Project, "answered")
	}
	s.emitMu.Unlock()

	if waitErr != nil {
		if errors.Is(waitErr, bridge.ErrCanceled) {
			return engine.Deny("the question was withdrawn"), nil
		}
		return engine.PermissionResult{}, waitErr
	}

	updated, err := mergeAnswers(input, answers)
	if err != nil {
		return engine.PermissionResult{}, err
	}
	return engine.Allow(updated), nil
}

// update applies fn under the lock and, if it reports a change, emits a
// snapshot to the listener.
func (s *Session) update(fn func(info *Info) bool) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.updateEmitting(fn)
}

// updateEmitting is update for callers already holding emitMu. It reports
// whether a snapshot was published.
func (s *Session) updateEmitting(fn func(info *Info) bool) bool {
	s.mu.Lock()
	if s.info.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	changed := fn(&s.info)
	snap := s.info.clone()
	s.mu.Unlock()

	if changed {
		s.listener.SessionUpdated(snap)
	}
	return changed
}

// finish moves the session to a terminal status once.
func (s *Session) finish(status Status, errText string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.finishEmitting(status, errText)
}

func (s *Session) finishEmitting(status Status, errText string) {
	s.mu.Lock()
	if s.info.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.info.Status = status
	s.info.Error = errText
	s.markFinishedLocked()
	snap := s.info.clone()
	s.mu.Unlock()

	switch status {
	case StatusErrored:
		s.logger.Warn("session errored", "error", errText)
		s.listener.SessionUpdated(snap)
		s.listener.Activity(s.cfg.ID, s.cfg.Project, "errored: "+truncate(errText))
	default:
		s.logger.Info("session finished", "status", status, "cost_usd", snap.CostUSD, "num_turns", snap.NumTurns)
		s.listener.SessionUpdated(snap)
		s.listener.Activity(s.cfg.ID, s.cfg.Project, string(status))
	}
}

// transitionLocked applies a non-terminal transition if it is legal.
func (s *Session) transitionLocked(next Status) bool {
	cur := s.info.Status
	if cur.Terminal() || cur == next {
		return false
	}
	switch next {
	case StatusWorking:
		if cur != StatusStarting && cur != StatusWaiting {
			return false
		}
	case StatusWaiting:
		if cur != StatusWorking {
			return false
		}
	default:
		return false
	}
	s.info.Status = next
	return true
}

func (s *Session) markFinishedLocked() {
	now := time.Now().UTC()
	s.info.FinishedAt = &now
}

func mergeAnswers(input json.RawMessage, answers Answers) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(input, &fields); err != nil {
		return nil, fmt.Errorf("decoding tool input: %w", err)
	}
	encoded, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encoding answers: %w", err)
	}
	fields["answers"] = encoded
	return json.Marshal(fields)
}

func resultError(res *engine.Result) string {
	if len(res.Errors) > 0 {
		return strings.Join(res.Errors, "; ")
	}
	if res.Text != "" {
		return res.Text
	}
	if res.Subtype != "" {
		return res.Subtype
	}
	return "engine reported failure"
}

func splitLines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
