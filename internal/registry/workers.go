// ABOUTME: Coordinator-facing operations: spawn workers, list projects, answer, escalate, report.
// ABOUTME: Registry satisfies coordinator.Workers with these methods.

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/switchboard/internal/chat"
	"github.com/2389/switchboard/internal/coordinator"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
)

var _ coordinator.Workers = (*Registry)(nil)

// SpawnWorker starts a session for the coordinator. The project is resolved
// by ID, by explicit name and path, or by registered name.
func (r *Registry) SpawnWorker(ctx context.Context, req coordinator.SpawnRequest) (session.Info, error) {
	name, path, err := r.resolveProject(ctx, req)
	if err != nil {
		return session.Info{}, err
	}
	return r.startSession(name, path, req.Task, req.SpawnedBy)
}

func (r *Registry) resolveProject(ctx context.Context, req coordinator.SpawnRequest) (name, path string, err error) {
	switch {
	case req.ProjectID != "":
		p, err := r.cfg.Projects.GetProject(ctx, req.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			return "", "", fmt.Errorf("%w: no project with id %s", ErrProjectNotFound, req.ProjectID)
		}
		if err != nil {
			return "", "", fmt.Errorf("looking up project: %w", err)
		}
		return p.Name, p.Path, nil
	case req.ProjectName != "" && req.ProjectPath != "":
		return req.ProjectName, req.ProjectPath, nil
	case req.ProjectName != "":
		p, err := r.cfg.Projects.GetProjectByName(ctx, req.ProjectName)
		if errors.Is(err, store.ErrNotFound) {
			return "", "", fmt.Errorf("%w: no project named %s; pass project_path or register it first", ErrProjectNotFound, req.ProjectName)
		}
		if err != nil {
			return "", "", fmt.Errorf("looking up project: %w", err)
		}
		return p.Name, p.Path, nil
	}
	return "", "", fmt.Errorf("%w: a project id or name is required", ErrProjectNotFound)
}

// ListProjects returns the registered projects.
func (r *Registry) ListProjects(ctx context.Context) ([]*store.Project, error) {
	return r.cfg.Projects.ListProjects(ctx)
}

// AnswerQuestion resolves a worker question on the coordinator's behalf.
func (r *Registry) AnswerQuestion(questionID string, answers session.Answers) bool {
	return r.SubmitAnswer(questionID, answers)
}

// Escalate hands a pending question to the human with a reason.
func (r *Registry) Escalate(questionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pq, ok := r.questions[questionID]
	if !ok {
		return fmt.Errorf("%w: %s (already answered, withdrawn, or unknown)", ErrQuestionNotFound, questionID)
	}
	if _, exists := r.escalations[questionID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyEscalated, questionID)
	}
	esc := &Escalation{
		PendingQuestion: pq.question,
		Reason:          reason,
		EscalatedAt:     time.Now().UTC(),
	}
	r.escalations[questionID] = esc
	r.emitLocked(events.KindEscalationAdded, *esc)
	r.logger.Info("question escalated", "question_id", questionID, "session_id", pq.question.SessionID, "reason", reason)
	return nil
}

// WorkerStatus returns one session's snapshot, or all sessions when
// sessionID is empty.
func (r *Registry) WorkerStatus(sessionID string) ([]session.Info, error) {
	if sessionID == "" {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.sessionInfosLocked(), nil
	}
	info, ok := r.Session(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return []session.Info{info}, nil
}

// PostCoordinatorMessage appends a coordinator message to the chat.
func (r *Registry) PostCoordinatorMessage(text string, artifacts []chat.Artifact) {
	msg := chat.NewCoordinatorMessage(text, artifacts)
	r.mu.Lock()
	r.chat.Append(msg)
	r.emitLocked(events.KindChatMessage, msg)
	r.mu.Unlock()
}
