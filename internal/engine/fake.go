// ABOUTME: Scripted in-process Engine for tests and offline runs.
// ABOUTME: A script drives each run: emit events, request permissions, and read input.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrNoInput is returned by FakeRun.NextInput when the run has no input source.
var ErrNoInput = errors.New("run has no input source")

// Script drives a single fake run. Returning an error ends the run with an
// EventError.
type Script func(ctx context.Context, run *FakeRun) error

// Fake is an Engine whose runs are driven by a Script.
type Fake struct {
	mu       sync.Mutex
	script   Script
	startErr error
	runs     []*FakeRun
}

// NewFake creates a Fake engine running script for every call.
func NewFake(script Script) *Fake {
	return &Fake{script: script}
}

// FailStart makes subsequent Run calls fail immediately with err.
func (f *Fake) FailStart(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

// Run implements Engine.
func (f *Fake) Run(ctx context.Context, req RunRequest) (<-chan Event, error) {
	f.mu.Lock()
	if f.startErr != nil {
		err := f.startErr
		f.mu.Unlock()
		return nil, err
	}
	events := make(chan Event)
	run := &FakeRun{Request: req, events: events, done: make(chan struct{})}
	f.runs = append(f.runs, run)
	script := f.script
	f.mu.Unlock()

	go func() {
		defer close(run.done)
		defer close(events)
		if err := script(ctx, run); err != nil {
			_ = run.Emit(ctx, Event{Kind: EventError, Err: err})
		}
	}()
	return events, nil
}

// Runs returns every run started so far, in order.
func (f *Fake) Runs() []*FakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeRun, len(f.runs))
	copy(out, f.runs)
	return out
}

// FakeRun is the script's view of one run.
type FakeRun struct {
	Request RunRequest
	events  chan Event
	done    chan struct{}
}

// Done is closed when the script has returned.
func (r *FakeRun) Done() <-chan struct{} {
	return r.done
}

// Emit sends evt to the consumer, blocking until it is read or ctx ends.
func (r *FakeRun) Emit(ctx context.Context, evt Event) error {
	select {
	case r.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID emits the engine's resumable identifier.
func (r *FakeRun) SessionID(ctx context.Context, id string) error {
	return r.Emit(ctx, Event{Kind: EventSessionID, SessionID: id})
}

// Text emits assistant text.
func (r *FakeRun) Text(ctx context.Context, text string) error {
	return r.Emit(ctx, Event{Kind: EventText, Text: text})
}

// ToolUse emits a tool-use record. input is marshalled to JSON.
func (r *FakeRun) ToolUse(ctx context.Context, name string, input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshal tool input: %w", err)
	}
	return r.Emit(ctx, Event{Kind: EventToolUse, ToolUse: &ToolUse{Name: name, Input: raw}})
}

// Result emits a result event.
func (r *FakeRun) Result(ctx context.Context, res Result) error {
	return r.Emit(ctx, Event{Kind: EventResult, Result: &res})
}

// Ask consults the run's permission callback for a tool call, as the real
// engine does before executing a tool.
func (r *FakeRun) Ask(ctx context.Context, toolName string, input any) (PermissionResult, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return PermissionResult{}, fmt.Errorf("marshal tool input: %w", err)
	}
	if r.Request.CanUseTool == nil {
		return Allow(raw), nil
	}
	return r.Request.CanUseTool(ctx, toolName, raw)
}

// NextInput reads the next follow-up message from the run's input source.
func (r *FakeRun) NextInput(ctx context.Context) (Message, bool, error) {
	if r.Request.Input == nil {
		return Message{}, false, ErrNoInput
	}
	return r.Request.Input.Next(ctx)
}
