// ABOUTME: Engine implementation that runs the Claude CLI as a subprocess over stream-json.
// ABOUTME: Answers permission control requests through the run's callback and pumps follow-up input.

package claudecli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/engine"
)

// Config configures the subprocess engine.
type Config struct {
	// Binary is the CLI executable; defaults to "claude".
	Binary string
	// APIKey is exported to the subprocess as ANTHROPIC_API_KEY.
	APIKey string
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
	// Env holds extra KEY=VALUE pairs for the subprocess.
	Env    []string
	Logger *slog.Logger
}

// Engine spawns one CLI process per run.
type Engine struct {
	binary    string
	apiKey    string
	extraArgs []string
	env       []string
	logger    *slog.Logger
}

// New creates a subprocess engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}
	return &Engine{
		binary:    binary,
		apiKey:    cfg.APIKey,
		extraArgs: cfg.ExtraArgs,
		env:       cfg.Env,
		logger:    logger.With("component", "claudecli"),
	}
}

// Run implements engine.Engine.
func (e *Engine) Run(ctx context.Context, req engine.RunRequest) (<-chan engine.Event, error) {
	args, err := buildArgs(req, e.extraArgs)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	if e.apiKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+e.apiKey)
	}
	cmd.Env = append(cmd.Env, e.env...)
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start %s: %w", e.binary, err)
	}
	e.logger.Info("engine process started", "pid", cmd.Process.Pid, "dir", req.WorkDir)

	out := make(chan engine.Event)
	go func() {
		defer close(out)
		sawResult, streamErr := e.stream(ctx, req, stdin, stdout, out)
		waitErr := cmd.Wait()

		if ctx.Err() != nil {
			return
		}
		if streamErr == nil && !sawResult {
			streamErr = errors.New("engine exited without a result")
		}
		if streamErr == nil {
			return
		}
		if waitErr != nil {
			streamErr = fmt.Errorf("%w (exit: %v)", streamErr, waitErr)
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			streamErr = fmt.Errorf("%w: %s", streamErr, tail)
		}
		e.logger.Warn("engine run failed", "error", streamErr)
		send(ctx, out, engine.Event{Kind: engine.EventError, Err: streamErr})
	}()
	return out, nil
}

// stream drives one conversation over the given pipes. It returns whether a
// result was seen and any protocol error.
func (e *Engine) stream(ctx context.Context, req engine.RunRequest, stdin io.WriteCloser, stdout io.Reader, out chan<- engine.Event) (bool, error) {
	enc := newEncoder(stdin)
	dec := newDecoder(stdout, e.logger)

	var closeOnce sync.Once
	closeInput := func() {
		closeOnce.Do(func() { _ = stdin.Close() })
	}
	defer closeInput()

	if err := enc.Encode(newUserMessage(req.Prompt)); err != nil {
		return false, fmt.Errorf("writing prompt: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if req.Input != nil {
		go e.pumpInput(runCtx, req.Input, enc, closeInput)
	}

	perms := newPermissionTracker()
	defer perms.cancelAll()

	sawResult := false
	sessionSent := false
	var msg outputMessage
	for {
		err := dec.Decode(&msg)
		if errors.Is(err, io.EOF) {
			return sawResult, nil
		}
		if err != nil {
			return sawResult, err
		}

		if msg.SessionID != "" && !sessionSent {
			sessionSent = true
			if !send(ctx, out, engine.Event{Kind: engine.EventSessionID, SessionID: msg.SessionID}) {
				return sawResult, ctx.Err()
			}
		}

		switch msg.Type {
		case typeSystem:
			if msg.Subtype == subtypeInit {
				e.logger.Debug("engine session initialized", "session_id", msg.SessionID)
			}

		case typeAssistant:
			if msg.Message == nil {
				continue
			}
			for _, block := range msg.Message.Content {
				var evt engine.Event
				switch block.Type {
				case "text":
					evt = engine.Event{Kind: engine.EventText, Text: block.Text}
				case "tool_use":
					evt = engine.Event{Kind: engine.EventToolUse, ToolUse: &engine.ToolUse{
						ID:    block.ID,
						Name:  block.Name,
						Input: block.Input,
					}}
				default:
					continue
				}
				if !send(ctx, out, evt) {
					return sawResult, ctx.Err()
				}
			}

		case typeResult:
			sawResult = true
			if !send(ctx, out, engine.Event{Kind: engine.EventResult, Result: toResult(&msg)}) {
				return sawResult, ctx.Err()
			}
			if req.Input == nil {
				closeInput()
			}

		case typeControlRequest:
			if msg.Request == nil || msg.Request.Subtype != subtypeCanUseTool {
				subtype := ""
				if msg.Request != nil {
					subtype = msg.Request.Subtype
				}
				e.logger.Debug("unsupported control request", "subtype", subtype)
				_ = enc.Encode(newControlError(msg.RequestID, "unsupported control request: "+subtype))
				continue
			}
			reqCtx := perms.add(runCtx, msg.RequestID)
			go e.answerPermission(reqCtx, req.CanUseTool, msg.RequestID, msg.Request.ToolName, msg.Request.Input, enc, perms)

		case typeControlCancel:
			perms.cancel(msg.RequestID)

		case typeUser, typeControlResp:
			// Tool results and acknowledgements carry nothing we surface.
		}
	}
}

func (e *Engine) pumpInput(ctx context.Context, input engine.MessageSource, enc *encoder, closeInput func()) {
	for {
		msg, ok, err := input.Next(ctx)
		if err != nil {
			return
		}
		if !ok {
			e.logger.Debug("input stream ended, closing engine stdin")
			closeInput()
			return
		}
		if err := enc.Encode(newUserMessage(msg)); err != nil {
			e.logger.Warn("failed to forward input message", "error", err)
			return
		}
	}
}

func (e *Engine) answerPermission(ctx context.Context, fn engine.PermissionFunc, requestID, toolName string, input []byte, enc *encoder, perms *permissionTracker) {
	defer perms.cancel(requestID)

	if fn == nil {
		_ = enc.Encode(newPermissionResponse(requestID, engine.Allow(input)))
		return
	}

	res, err := fn(ctx, toolName, input)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.logger.Warn("permission callback failed", "tool_name", toolName, "error", err)
		_ = enc.Encode(newControlError(requestID, err.Error()))
		return
	}
	if err := enc.Encode(newPermissionResponse(requestID, res)); err != nil {
		e.logger.Warn("failed to write permission response", "tool_name", toolName, "error", err)
	}
}

func send(ctx context.Context, out chan<- engine.Event, evt engine.Event) bool {
	select {
	case out <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// permissionTracker holds cancel funcs for in-flight permission callbacks.
type permissionTracker struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newPermissionTracker() *permissionTracker {
	return &permissionTracker{cancels: make(map[string]context.CancelFunc)}
}

func (p *permissionTracker) add(parent context.Context, id string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()
	return ctx
}

func (p *permissionTracker) cancel(id string) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	delete(p.cancels, id)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *permissionTracker) cancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
