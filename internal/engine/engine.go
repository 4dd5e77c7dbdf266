// ABOUTME: Contract for the AI agent engine that sessions and the coordinator drive.
// ABOUTME: Defines run requests, streamed events, permission callbacks, and input messages.

package engine

import (
	"context"
	"encoding/json"
)

// EventKind identifies what an engine Event carries.
type EventKind string

const (
	EventSessionID EventKind = "session_id"
	EventText      EventKind = "text"
	EventToolUse   EventKind = "tool_use"
	EventResult    EventKind = "result"
	EventError     EventKind = "error"
)

// Event is one item of an engine run's output stream.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	ToolUse   *ToolUse
	Result    *Result
	Err       error
}

// ToolUse describes a tool invocation the engine made.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Result is the outcome of one engine turn sequence.
type Result struct {
	Success  bool
	Subtype  string
	Text     string
	CostUSD  float64
	NumTurns int
	Errors   []string
}

// PermissionBehavior is the decision returned to the engine for a tool call.
type PermissionBehavior string

const (
	BehaviorAllow PermissionBehavior = "allow"
	BehaviorDeny  PermissionBehavior = "deny"
)

// PermissionResult is returned by a PermissionFunc. UpdatedInput replaces the
// tool input when allowing; Message explains a denial.
type PermissionResult struct {
	Behavior     PermissionBehavior
	UpdatedInput json.RawMessage
	Message      string
}

// Allow returns an allow decision carrying input unchanged or rewritten.
func Allow(input json.RawMessage) PermissionResult {
	return PermissionResult{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny returns a deny decision with the given reason.
func Deny(message string) PermissionResult {
	return PermissionResult{Behavior: BehaviorDeny, Message: message}
}

// PermissionFunc is consulted before every tool call. It may block for as long
// as it needs; the engine run is suspended meanwhile.
type PermissionFunc func(ctx context.Context, toolName string, input json.RawMessage) (PermissionResult, error)

// Image is an inline base64 attachment on a Message.
type Image struct {
	MediaType string
	Data      string
}

// Message is a user-turn message sent into the engine.
type Message struct {
	Text   string
	Images []Image
}

// MessageSource supplies follow-up messages for a long-running engine call.
// ok is false at end-of-stream.
type MessageSource interface {
	Next(ctx context.Context) (msg Message, ok bool, err error)
}

// MCPServer points the engine at an HTTP tool server.
type MCPServer struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// RunRequest describes one engine call.
type RunRequest struct {
	Prompt       Message
	SystemPrompt string
	WorkDir      string
	AllowedTools []string
	CanUseTool   PermissionFunc

	// Input, when set, keeps the call open after each result and feeds every
	// message it yields as a new user turn. The run ends when Input ends.
	// Without Input the run ends after the first result.
	Input MessageSource

	MCPServers map[string]MCPServer
	ResumeID   string
	Model      string
	MaxTurns   int
}

// Engine starts agent runs. The returned channel is closed when the run ends;
// a failure is reported as a final EventError.
type Engine interface {
	Run(ctx context.Context, req RunRequest) (<-chan Event, error)
}
