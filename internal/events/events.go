// ABOUTME: Outbound event kinds and the wire envelope pushed to operator observers.
// ABOUTME: Every registry mutation produces exactly one Event of one of these kinds.

package events

import (
	"encoding/json"
	"time"
)

// Kind names an outbound event.
type Kind string

const (
	KindSessions          Kind = "sessions"
	KindQuestions         Kind = "questions"
	KindSessionUpdate     Kind = "session_update"
	KindQuestionAdded     Kind = "question_added"
	KindQuestionRemoved   Kind = "question_removed"
	KindActivity          Kind = "activity"
	KindActivityLog       Kind = "activity_log"
	KindChatMessage       Kind = "chat_message"
	KindChatHistory       Kind = "chat_history"
	KindCoordinatorStatus Kind = "coordinator_status"
	KindEscalationAdded   Kind = "escalation_added"
	KindEscalationRemoved Kind = "escalation_removed"
	KindEscalations       Kind = "escalations"
	KindProjects          Kind = "projects"

	// KindCommandError is only ever sent to the connection whose command failed.
	KindCommandError Kind = "command_error"
)

// Event is one outbound message. Data is the kind-specific payload.
type Event struct {
	Type Kind `json:"type"`
	Data any  `json:"data"`
}

// New builds an Event.
func New(kind Kind, data any) Event {
	return Event{Type: kind, Data: data}
}

// Encode marshals e to its wire form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ActivityEntry is one line of the bounded activity log.
type ActivityEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Project   string    `json:"project,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Removed is the payload of question_removed and escalation_removed.
type Removed struct {
	QuestionID string `json:"question_id"`
}

// CoordinatorStatus is the payload of coordinator_status.
type CoordinatorStatus struct {
	Status string `json:"status"`
}

// CommandError is the payload of command_error.
type CommandError struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Error     string `json:"error"`
}
