// ABOUTME: Operator/coordinator chat messages with artifacts and image attachments.
// ABOUTME: Keeps an append-only history and renders coordinator markdown to HTML.

package chat

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleHuman       Role = "human"
	RoleCoordinator Role = "coordinator"
)

// ArtifactKind classifies a structured attachment on a coordinator message.
type ArtifactKind string

const (
	ArtifactCode ArtifactKind = "code"
	ArtifactDiff ArtifactKind = "diff"
	ArtifactPlan ArtifactKind = "plan"
	ArtifactText ArtifactKind = "text"
	ArtifactFile ArtifactKind = "file"
)

// ValidArtifactKind reports whether k is a known artifact kind.
func ValidArtifactKind(k ArtifactKind) bool {
	switch k {
	case ArtifactCode, ArtifactDiff, ArtifactPlan, ArtifactText, ArtifactFile:
		return true
	}
	return false
}

// Artifact is a titled block of content; code artifacts carry a language.
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	Title    string       `json:"title,omitempty"`
	Content  string       `json:"content"`
	Language string       `json:"language,omitempty"`
}

// Attachment is an inline binary attachment, base64 encoded.
type Attachment struct {
	ID        string `json:"id"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Message is one chat entry.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	HTML        string       `json:"html,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Artifacts   []Artifact   `json:"artifacts,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderMarkdown converts markdown text to HTML. On failure it returns the
// empty string and the caller falls back to plain text.
func RenderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return buf.String()
}

// NewHumanMessage builds a human directive message.
func NewHumanMessage(text string, attachments []Attachment) Message {
	for i := range attachments {
		if attachments[i].ID == "" {
			attachments[i].ID = uuid.New().String()
		}
	}
	return Message{
		ID:          uuid.New().String(),
		Role:        RoleHuman,
		Text:        text,
		Timestamp:   time.Now().UTC(),
		Attachments: attachments,
	}
}

// NewCoordinatorMessage builds a coordinator message with rendered HTML.
func NewCoordinatorMessage(text string, artifacts []Artifact) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      RoleCoordinator,
		Text:      text,
		HTML:      RenderMarkdown(text),
		Timestamp: time.Now().UTC(),
		Artifacts: artifacts,
	}
}

// History is an append-only, process-lifetime message log.
type History struct {
	mu       sync.RWMutex
	messages []Message
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds msg to the end of the history.
func (h *History) Append(msg Message) {
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
}

// Messages returns a copy of the history in order.
func (h *History) Messages() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}
