// ABOUTME: Callback adapters that fold session and coordinator events into registry state.
// ABOUTME: Each callback applies its mutation and publishes its event under the router lock.

package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/coordinator"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/session"
)

// coordinatorProject labels activity entries written by the coordinator.
const coordinatorProject = "coordinator"

type sessionListener struct{ r *Registry }

func (l sessionListener) SessionUpdated(info session.Info) {
	r := l.r
	r.mu.Lock()
	sess := r.sessions[info.ID]
	// A run-loop update can race a Stop; never publish a live status after
	// the session reached a terminal one.
	if sess != nil && !info.Status.Terminal() && sess.Info().Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.emitLocked(events.KindSessionUpdate, info)
	if !info.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	questionIDs, escalationIDs := r.purgeLocked(info.ID)
	coord := r.coord
	if coord != nil && info.SpawnedBy == coordinator.SpawnedBy {
		coord.NotifyWorkerFinished(info)
	}
	r.mu.Unlock()

	if sess != nil {
		r.release(sess, coord, questionIDs, escalationIDs)
	}
}

// QuestionAsked routes a new question to the coordinator when one is active,
// otherwise to the operator.
func (l sessionListener) QuestionAsked(q session.PendingQuestion) {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[q.SessionID]; !ok || sess.Info().Status.Terminal() {
		// Owner already stopped and purged; withdraw instead of orphaning it.
		if ok {
			sess.Abandon(q.ID)
		}
		return
	}

	pq := &pendingQuestion{question: q}
	r.questions[q.ID] = pq
	if r.coord != nil && r.coord.NotifyQuestion(q) {
		pq.routed = true
		r.logger.Info("question routed to coordinator", "question_id", q.ID, "session_id", q.SessionID)
		r.addActivityLocked("", coordinatorProject, "routed question from "+q.Project)
		return
	}
	r.emitLocked(events.KindQuestionAdded, q)
}

func (l sessionListener) Activity(sessionID, project, message string) {
	l.r.mu.Lock()
	l.r.addActivityLocked(sessionID, project, message)
	l.r.mu.Unlock()
}

func (r *Registry) addActivityLocked(sessionID, project, message string) {
	entry := events.ActivityEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Project:   project,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	r.activity.Add(entry)
	r.emitLocked(events.KindActivity, entry)
}

type coordinatorListener struct{ r *Registry }

// CoordinatorStatus publishes the status of the current instance. When it
// stops, routed questions nobody escalated are handed to the operator.
func (l coordinatorListener) CoordinatorStatus(c *coordinator.Coordinator, status coordinator.Status) {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if c != r.coord {
		return
	}
	r.emitLocked(events.KindCoordinatorStatus, events.CoordinatorStatus{Status: string(status)})
	if status != coordinator.StatusStopped {
		return
	}
	for _, pq := range r.sortedQuestionsLocked(false) {
		if !pq.routed {
			continue
		}
		if _, escalated := r.escalations[pq.question.ID]; escalated {
			continue
		}
		pq.routed = false
		r.emitLocked(events.KindQuestionAdded, pq.question)
	}
}

func (l coordinatorListener) CoordinatorActivity(c *coordinator.Coordinator, message string) {
	r := l.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if c != r.coord {
		return
	}
	r.addActivityLocked("", coordinatorProject, message)
}
