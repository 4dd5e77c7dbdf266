// ABOUTME: Supervising coordinator: one long-lived engine call fed by a continuous input channel.
// ABOUTME: Receives human directives and worker notifications, and drives workers through its tools.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/chat"
	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/inputchan"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tools"
)

// ServerName is the MCP server name the coordinator's tools are exposed under.
const ServerName = "switchboard"

// SpawnedBy marks sessions started by the coordinator.
const SpawnedBy = "coordinator"

// DefaultStatusOutputLines is how many trailing output lines get_worker_status
// returns per worker when not configured.
const DefaultStatusOutputLines = 5

var (
	// ErrNotIdle is returned by Start on a coordinator that already ran.
	ErrNotIdle = errors.New("coordinator is not idle")
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// SpawnRequest identifies the project a worker runs in, either by registered
// ID or by name (with an optional explicit path).
type SpawnRequest struct {
	ProjectID   string
	ProjectName string
	ProjectPath string
	Task        string
	SpawnedBy   string
}

// Workers is what the coordinator's tools operate on.
type Workers interface {
	SpawnWorker(ctx context.Context, req SpawnRequest) (session.Info, error)
	ListProjects(ctx context.Context) ([]*store.Project, error)
	AnswerQuestion(questionID string, answers session.Answers) bool
	Escalate(questionID, reason string) error
	// WorkerStatus returns one session, or every session when sessionID is empty.
	WorkerStatus(sessionID string) ([]session.Info, error)
	PostCoordinatorMessage(text string, artifacts []chat.Artifact)
}

// Listener receives coordinator lifecycle callbacks. Calls are made with no
// coordinator lock held.
type Listener interface {
	CoordinatorStatus(c *Coordinator, status Status)
	CoordinatorActivity(c *Coordinator, message string)
}

// Config configures a coordinator instance.
type Config struct {
	Engine  engine.Engine
	Workers Workers

	// MCPBaseURL is where the gateway serves MCP; the coordinator's endpoint
	// is MCPBaseURL/<token>.
	MCPBaseURL string

	SystemPrompt      string
	WorkDir           string
	ExtraTools        []string
	Model             string
	MaxTurns          int
	StatusOutputLines int

	Listener Listener
	Logger   *slog.Logger
}

// Coordinator is a single supervising engine call. Instances are single use:
// idle, then running, then stopped.
type Coordinator struct {
	mu          sync.Mutex
	status      Status
	cancel      context.CancelFunc
	escalations map[string]func(session.Answers) bool
	costUSD     float64

	id     string
	token  string
	input  *inputchan.Channel[engine.Message]
	tools  *tools.Registry
	done   chan struct{}
	cfg    Config
	logger *slog.Logger
}

// New creates an idle coordinator and registers its tools.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.StatusOutputLines <= 0 {
		cfg.StatusOutputLines = DefaultStatusOutputLines
	}

	id := uuid.New().String()
	c := &Coordinator{
		status:      StatusIdle,
		escalations: make(map[string]func(session.Answers) bool),
		id:          id,
		token:       uuid.New().String(),
		input:       inputchan.New[engine.Message](),
		done:        make(chan struct{}),
		cfg:         cfg,
		logger:      logger.With("component", "coordinator", "coordinator_id", id),
	}
	c.tools = tools.NewRegistry(c.logger)
	if err := c.tools.Register(c.toolset()...); err != nil {
		// The toolset is static; a collision is a programming error.
		panic(err)
	}
	return c
}

// ID returns the instance identifier.
func (c *Coordinator) ID() string { return c.id }

// Token returns the secret path segment of this instance's MCP endpoint.
func (c *Coordinator) Token() string { return c.token }

// Tools returns the registry served to this instance's engine.
func (c *Coordinator) Tools() *tools.Registry { return c.tools }

// Done is closed once the coordinator has stopped.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Status returns the lifecycle state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CostUSD returns the cost reported by the engine so far.
func (c *Coordinator) CostUSD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.costUSD
}

// MCPURL returns this instance's MCP endpoint.
func (c *Coordinator) MCPURL() string {
	return strings.TrimRight(c.cfg.MCPBaseURL, "/") + "/" + c.token
}

// AllowedTools returns the engine tool names this instance may call.
func (c *Coordinator) AllowedTools() []string {
	names := c.tools.Names()
	allowed := make([]string, 0, len(names)+len(c.cfg.ExtraTools))
	for _, name := range names {
		allowed = append(allowed, "mcp__"+ServerName+"__"+name)
	}
	return append(allowed, c.cfg.ExtraTools...)
}

// Start launches the engine call with directive as its first message.
func (c *Coordinator) Start(ctx context.Context, directive engine.Message) error {
	c.mu.Lock()
	if c.status != StatusIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	runCtx, cancel := context.WithCancel(ctx)

	events, err := c.cfg.Engine.Run(runCtx, engine.RunRequest{
		Prompt:       directive,
		SystemPrompt: c.cfg.SystemPrompt,
		WorkDir:      c.cfg.WorkDir,
		AllowedTools: c.AllowedTools(),
		CanUseTool:   c.canUseTool,
		Input:        c.input,
		MCPServers: map[string]engine.MCPServer{
			ServerName: {Type: "http", URL: c.MCPURL()},
		},
		Model:    c.cfg.Model,
		MaxTurns: c.cfg.MaxTurns,
	})
	if err != nil {
		cancel()
		c.status = StatusStopped
		c.input.End()
		close(c.done)
		c.mu.Unlock()
		c.logger.Error("coordinator failed to start", "error", err)
		c.notifyStatus(StatusStopped)
		return fmt.Errorf("starting coordinator engine: %w", err)
	}
	c.status = StatusRunning
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("=== coordinator started ===")
	c.notifyStatus(StatusRunning)
	go c.run(events)
	return nil
}

// Send pushes a message into the call's input. Messages sent before Start are
// delivered after the initial directive. Returns false once stopped.
func (c *Coordinator) Send(msg engine.Message) bool {
	if c.Status() == StatusStopped {
		return false
	}
	return c.input.Push(msg)
}

// NotifyQuestion forwards a worker question into the running call.
func (c *Coordinator) NotifyQuestion(q session.PendingQuestion) bool {
	return c.Send(engine.Message{Text: formatQuestion(q)})
}

// NotifyWorkerFinished reports a worker's terminal state into the running call.
func (c *Coordinator) NotifyWorkerFinished(info session.Info) bool {
	return c.Send(engine.Message{Text: formatFinished(info)})
}

// RegisterEscalation stores the resolver that delivers a human's answer for an
// escalated question.
func (c *Coordinator) RegisterEscalation(questionID string, resolve func(session.Answers) bool) {
	c.mu.Lock()
	c.escalations[questionID] = resolve
	c.mu.Unlock()
}

// HasEscalation reports whether questionID has a stored resolver.
func (c *Coordinator) HasEscalation(questionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.escalations[questionID]
	return ok
}

// DropEscalation discards the resolver for questionID.
func (c *Coordinator) DropEscalation(questionID string) {
	c.mu.Lock()
	delete(c.escalations, questionID)
	c.mu.Unlock()
}

// ResolveEscalation invokes the stored resolver for questionID and, on
// success, tells the running call that the human answered. Returns false if
// there is no resolver or the question was no longer pending.
func (c *Coordinator) ResolveEscalation(questionID string, answers session.Answers) bool {
	c.mu.Lock()
	resolve, ok := c.escalations[questionID]
	delete(c.escalations, questionID)
	c.mu.Unlock()

	if !ok || !resolve(answers) {
		return false
	}
	c.Send(engine.Message{Text: formatEscalationAnswered(questionID, answers)})
	return true
}

// Stop ends the input channel and cancels the engine call. Returns false if
// the coordinator was already stopped.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	if c.status == StatusStopped {
		c.mu.Unlock()
		return false
	}
	wasIdle := c.status == StatusIdle
	c.status = StatusStopped
	cancel := c.cancel
	c.mu.Unlock()

	c.input.End()
	if cancel != nil {
		cancel()
	}
	if wasIdle {
		close(c.done)
	}
	c.logger.Info("coordinator stopped")
	c.notifyStatus(StatusStopped)
	return true
}

func (c *Coordinator) run(events <-chan engine.Event) {
	defer close(c.done)

	for evt := range events {
		c.handle(evt)
	}

	c.mu.Lock()
	alreadyStopped := c.status == StatusStopped
	c.status = StatusStopped
	c.mu.Unlock()
	c.cancel()
	c.input.End()

	if !alreadyStopped {
		c.logger.Info("coordinator engine call ended")
		c.notifyStatus(StatusStopped)
	}
}

func (c *Coordinator) handle(evt engine.Event) {
	switch evt.Kind {
	case engine.EventSessionID:
		c.logger.Debug("engine session assigned", "engine_session_id", evt.SessionID)
	case engine.EventText:
		c.logger.Debug("coordinator text", "text", evt.Text)
	case engine.EventToolUse:
		if evt.ToolUse != nil {
			c.notifyActivity("tool: " + strings.TrimPrefix(evt.ToolUse.Name, "mcp__"+ServerName+"__"))
		}
	case engine.EventResult:
		if evt.Result == nil {
			return
		}
		c.mu.Lock()
		c.costUSD = evt.Result.CostUSD
		c.mu.Unlock()
		if !evt.Result.Success {
			c.logger.Warn("coordinator turn failed", "subtype", evt.Result.Subtype, "errors", evt.Result.Errors)
			c.notifyActivity("turn failed: " + strings.Join(evt.Result.Errors, "; "))
		}
	case engine.EventError:
		c.logger.Error("coordinator engine error", "error", evt.Err)
		if evt.Err != nil {
			c.notifyActivity("errored: " + evt.Err.Error())
		}
	}
}

// canUseTool allows the coordinator's own tools and the configured extras and
// denies everything else.
func (c *Coordinator) canUseTool(_ context.Context, toolName string, input json.RawMessage) (engine.PermissionResult, error) {
	if slices.Contains(c.AllowedTools(), toolName) {
		return engine.Allow(input), nil
	}
	c.logger.Warn("denied tool", "tool_name", toolName)
	return engine.Deny(fmt.Sprintf("%s is not available to the coordinator", toolName)), nil
}

func (c *Coordinator) notifyStatus(status Status) {
	if c.cfg.Listener != nil {
		c.cfg.Listener.CoordinatorStatus(c, status)
	}
}

func (c *Coordinator) notifyActivity(message string) {
	if c.cfg.Listener != nil {
		c.cfg.Listener.CoordinatorActivity(c, message)
	}
}
