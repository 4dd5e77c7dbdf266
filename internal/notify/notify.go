// ABOUTME: Notifier watches the event stream and pushes human-facing notices to a Sender.
// ABOUTME: Only questions waiting on the operator and new escalations produce a notice.

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/session"
)

const maxQuestionRunes = 300

// Sender delivers a plain-text notice.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Source is the event stream the Notifier follows.
type Source interface {
	Subscribe(ctx context.Context) (<-chan events.Event, string)
}

// Notifier forwards operator-relevant events to a Sender.
type Notifier struct {
	sender Sender
	logger *slog.Logger
}

// New creates a Notifier. Pass nil logger for default.
func New(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, logger: logger.With("component", "notify")}
}

// Run consumes events from src until ctx is cancelled or the stream closes.
// Send failures are logged and never stop the loop.
func (n *Notifier) Run(ctx context.Context, src Source) {
	ch, _ := src.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			text, ok := Format(evt)
			if !ok {
				continue
			}
			if err := n.sender.Send(ctx, text); err != nil {
				n.logger.Warn("notification failed", "type", evt.Type, "error", err)
			}
		}
	}
}

// Format renders evt as a notice. It reports false for events that do not
// warrant one.
func Format(evt events.Event) (string, bool) {
	switch evt.Type {
	case events.KindQuestionAdded:
		q, ok := asQuestion(evt.Data)
		if !ok {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s is waiting for input (question %s)", q.Project, q.ID)
		writeQuestions(&b, q.Questions)
		return b.String(), true
	case events.KindEscalationAdded:
		esc, ok := asEscalation(evt.Data)
		if !ok {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Coordinator escalated a question from %s (question %s)", esc.Project, esc.ID)
		if esc.Reason != "" {
			fmt.Fprintf(&b, "\nReason: %s", esc.Reason)
		}
		writeQuestions(&b, esc.Questions)
		return b.String(), true
	}
	return "", false
}

func asQuestion(data any) (session.PendingQuestion, bool) {
	switch v := data.(type) {
	case session.PendingQuestion:
		return v, true
	case *session.PendingQuestion:
		return *v, v != nil
	}
	return session.PendingQuestion{}, false
}

func asEscalation(data any) (registry.Escalation, bool) {
	switch v := data.(type) {
	case registry.Escalation:
		return v, true
	case *registry.Escalation:
		return *v, v != nil
	}
	return registry.Escalation{}, false
}

func writeQuestions(b *strings.Builder, qs []session.Question) {
	for _, q := range qs {
		b.WriteString("\n- ")
		if q.Header != "" {
			fmt.Fprintf(b, "[%s] ", q.Header)
		}
		b.WriteString(truncate(q.Question, maxQuestionRunes))
		if len(q.Options) > 0 {
			labels := make([]string, len(q.Options))
			for i, o := range q.Options {
				labels[i] = o.Label
			}
			fmt.Fprintf(b, " (%s)", strings.Join(labels, " / "))
		}
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
