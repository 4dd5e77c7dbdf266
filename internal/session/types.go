// ABOUTME: Data types for agent sessions: status, snapshots, questions, and tool-use records.
// ABOUTME: Snapshots are plain values safe to hand to observers and serialize.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("session already started")

// HumanInputTool is the engine tool whose calls are intercepted and routed to
// a human (or the coordinator) instead of executing.
const HumanInputTool = "AskUserQuestion"

// DefaultWorkerTools is the worker allow-list when none is configured.
var DefaultWorkerTools = []string{"Read", "Write", "Edit", "Bash", "Glob", "Grep", HumanInputTool}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusWorking   Status = "working"
	StatusWaiting   Status = "waiting_for_input"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusStopped:
		return true
	}
	return false
}

// ToolUse records one tool invocation with a readable summary.
type ToolUse struct {
	Name      string    `json:"name"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Option is one selectable answer to a Question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one prompt within a human-input request.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []Option `json:"options,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Answers maps each question's prompt text to the answer text. Multiple
// selections are joined into one string.
type Answers map[string]string

// UnmarshalJSON accepts either a string or a list of strings per question;
// lists are joined with ", ".
func (a *Answers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Answers, len(raw))
	for prompt, value := range raw {
		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			out[prompt] = text
			continue
		}
		var many []string
		if err := json.Unmarshal(value, &many); err != nil {
			return fmt.Errorf("answer for %q must be a string or a list of strings", prompt)
		}
		out[prompt] = strings.Join(many, ", ")
	}
	*a = out
	return nil
}

// PendingQuestion is a human-input request waiting for an answer.
type PendingQuestion struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Project   string     `json:"project"`
	Questions []Question `json:"questions"`
	Timestamp time.Time  `json:"timestamp"`
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID              string     `json:"id"`
	Project         string     `json:"project"`
	ProjectPath     string     `json:"project_path"`
	Task            string     `json:"task"`
	Status          Status     `json:"status"`
	SpawnedBy       string     `json:"spawned_by,omitempty"`
	EngineSessionID string     `json:"engine_session_id,omitempty"`
	Output          []string   `json:"output"`
	ToolUses        []ToolUse  `json:"tool_uses"`
	CostUSD         float64    `json:"cost_usd"`
	NumTurns        int        `json:"num_turns"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// Listener receives session callbacks. They may come from the run loop, the
// engine's permission goroutine, or the caller of Stop, but calls for one
// session never overlap and arrive in the order the changes were made.
type Listener interface {
	SessionUpdated(info Info)
	QuestionAsked(q PendingQuestion)
	Activity(sessionID, project, message string)
}

type nopListener struct{}

func (nopListener) SessionUpdated(Info)             {}
func (nopListener) QuestionAsked(PendingQuestion)   {}
func (nopListener) Activity(string, string, string) {}

func (i Info) clone() Info {
	out := i
	out.Output = append([]string(nil), i.Output...)
	out.ToolUses = append([]ToolUse(nil), i.ToolUses...)
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
