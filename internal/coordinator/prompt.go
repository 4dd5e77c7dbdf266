// ABOUTME: Embedded coordinator system prompt and the notification texts pushed into its input.
// ABOUTME: Notifications are plain text so the engine reads them like any other user turn.

package coordinator

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/2389/switchboard/internal/session"
)

//go:embed prompts/system.md
var defaultSystemPrompt string

// DefaultSystemPrompt returns the built-in coordinator instructions.
func DefaultSystemPrompt() string {
	return defaultSystemPrompt
}

// LoadSystemPrompt reads the prompt from path, or returns the built-in prompt
// when path is empty.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return defaultSystemPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading system prompt: %w", err)
	}
	return string(data), nil
}

func formatQuestion(q session.PendingQuestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[worker question] question_id=%s session_id=%s project=%s\n", q.ID, q.SessionID, q.Project)
	for i, item := range q.Questions {
		fmt.Fprintf(&b, "%d. ", i+1)
		if item.Header != "" {
			fmt.Fprintf(&b, "[%s] ", item.Header)
		}
		b.WriteString(item.Question)
		if item.MultiSelect {
			b.WriteString(" (multiple choices allowed)")
		}
		b.WriteByte('\n')
		for _, opt := range item.Options {
			fmt.Fprintf(&b, "   - %s", opt.Label)
			if opt.Description != "" {
				fmt.Fprintf(&b, ": %s", opt.Description)
			}
			b.WriteByte('\n')
		}
	}
	b.WriteString("Answer it with answer_worker_question or escalate it with escalate_to_human.")
	return b.String()
}

func formatFinished(info session.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[worker finished] session_id=%s project=%s status=%s cost_usd=%.4f turns=%d",
		info.ID, info.Project, info.Status, info.CostUSD, info.NumTurns)
	if info.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", info.Error)
	}
	if info.Result != "" {
		fmt.Fprintf(&b, "\nresult: %s", info.Result)
	}
	return b.String()
}

func formatEscalationAnswered(questionID string, answers session.Answers) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[escalation answered] question_id=%s", questionID)
	for _, prompt := range sortedKeys(answers) {
		fmt.Fprintf(&b, "\n%s -> %s", prompt, answers[prompt])
	}
	return b.String()
}

func sortedKeys(m session.Answers) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
