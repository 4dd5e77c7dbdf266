// ABOUTME: Session registry and event router: owns sessions, questions, escalations, activity and chat.
// ABOUTME: Every mutation publishes exactly one event while holding the router lock.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/buffer"
	"github.com/2389/switchboard/internal/chat"
	"github.com/2389/switchboard/internal/coordinator"
	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/tools"
)

// DefaultMaxActivity is the activity log capacity when none is configured.
const DefaultMaxActivity = 200

var (
	// ErrSessionNotFound is returned when no session has the given ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrQuestionNotFound is returned when no question with the given ID is pending.
	ErrQuestionNotFound = errors.New("question not pending")
	// ErrAlreadyEscalated is returned when escalating a question twice.
	ErrAlreadyEscalated = errors.New("question already escalated")
	// ErrProjectNotFound is returned when a project lookup fails.
	ErrProjectNotFound = errors.New("project not found")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("registry is shut down")
)

// Escalation is a pending question the coordinator handed to the human.
type Escalation struct {
	session.PendingQuestion
	Reason      string    `json:"reason"`
	EscalatedAt time.Time `json:"escalated_at"`
}

// CoordinatorSettings configures each coordinator instance the registry creates.
type CoordinatorSettings struct {
	MCPBaseURL        string
	SystemPrompt      string
	WorkDir           string
	ExtraTools        []string
	StatusOutputLines int
}

// Config configures a Registry.
type Config struct {
	Engine      engine.Engine
	Projects    store.ProjectStore
	Broadcaster *events.Broadcaster

	WorkerTools []string
	Model       string
	MaxTurns    int
	MaxActivity int

	Coordinator CoordinatorSettings
	Logger      *slog.Logger
}

// State is a full snapshot of everything observers can see.
type State struct {
	Sessions          []session.Info            `json:"sessions"`
	Questions         []session.PendingQuestion `json:"questions"`
	Escalations       []Escalation              `json:"escalations"`
	Activity          []events.ActivityEntry    `json:"activity"`
	Chat              []chat.Message            `json:"chat"`
	CoordinatorStatus coordinator.Status        `json:"coordinator_status"`
	Projects          []*store.Project          `json:"projects"`
}

type pendingQuestion struct {
	question session.PendingQuestion
	// routed questions were handed to the coordinator and are not shown in
	// the operator's question list.
	routed bool
}

// Registry is the single owner of live sessions and the operator event stream.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	order       []string
	questions   map[string]*pendingQuestion
	escalations map[string]*Escalation
	activity    *buffer.Ring[events.ActivityEntry]
	chat        *chat.History
	coord       *coordinator.Coordinator
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	bc     *events.Broadcaster
	cfg    Config
	logger *slog.Logger
}

// New creates a Registry. Sessions it starts live until stopped or until
// Shutdown.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxActivity <= 0 {
		cfg.MaxActivity = DefaultMaxActivity
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = events.NewBroadcaster(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		sessions:    make(map[string]*session.Session),
		questions:   make(map[string]*pendingQuestion),
		escalations: make(map[string]*Escalation),
		activity:    buffer.NewRing[events.ActivityEntry](cfg.MaxActivity),
		chat:        chat.NewHistory(),
		ctx:         ctx,
		cancel:      cancel,
		bc:          cfg.Broadcaster,
		cfg:         cfg,
		logger:      logger.With("component", "registry"),
	}
}

// emitLocked publishes one event. Callers hold r.mu so the stream observes
// mutations in the order they were applied.
func (r *Registry) emitLocked(kind events.Kind, data any) {
	r.bc.Publish(events.New(kind, data))
}

// StartSession creates and starts a worker session. It returns the session's
// initial snapshot; the engine runs in the background.
func (r *Registry) StartSession(project, path, task string) (session.Info, error) {
	return r.startSession(project, path, task, "")
}

func (r *Registry) startSession(project, path, task, spawnedBy string) (session.Info, error) {
	sess := session.New(session.Config{
		Project:      project,
		ProjectPath:  path,
		Task:         task,
		SpawnedBy:    spawnedBy,
		Engine:       r.cfg.Engine,
		AllowedTools: r.cfg.WorkerTools,
		Model:        r.cfg.Model,
		MaxTurns:     r.cfg.MaxTurns,
		Listener:     sessionListener{r},
		Logger:       r.logger,
	})
	info := sess.Info()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return session.Info{}, ErrClosed
	}
	r.sessions[info.ID] = sess
	r.order = append(r.order, info.ID)
	r.emitLocked(events.KindSessionUpdate, info)
	r.mu.Unlock()

	r.logger.Info("starting session", "session_id", info.ID, "project", project, "spawned_by", spawnedBy)
	if err := sess.Start(r.ctx); err != nil {
		return session.Info{}, fmt.Errorf("starting session: %w", err)
	}
	return info, nil
}

// StopSession stops a session and withdraws every question and escalation it
// owns, emitting one removal event per record. Returns false for an unknown
// session.
func (r *Registry) StopSession(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return false
	}

	sess.Stop()

	// The stopped update usually purged already; this catches a session that
	// was terminal before Stop.
	r.mu.Lock()
	questionIDs, escalationIDs := r.purgeLocked(id)
	coord := r.coord
	r.mu.Unlock()

	r.release(sess, coord, questionIDs, escalationIDs)
	return true
}

// purgeLocked removes every question and escalation owned by sessionID.
func (r *Registry) purgeLocked(sessionID string) (questionIDs, escalationIDs []string) {
	for _, pq := range r.sortedQuestionsLocked(false) {
		if pq.question.SessionID != sessionID {
			continue
		}
		delete(r.questions, pq.question.ID)
		questionIDs = append(questionIDs, pq.question.ID)
		r.emitLocked(events.KindQuestionRemoved, events.Removed{QuestionID: pq.question.ID})
	}
	for _, esc := range r.sortedEscalationsLocked() {
		if esc.SessionID != sessionID {
			continue
		}
		delete(r.escalations, esc.ID)
		escalationIDs = append(escalationIDs, esc.ID)
		r.emitLocked(events.KindEscalationRemoved, events.Removed{QuestionID: esc.ID})
	}
	return questionIDs, escalationIDs
}

// release wakes any waiter still parked on a purged question and drops the
// coordinator's resolvers for purged escalations.
func (r *Registry) release(sess *session.Session, coord *coordinator.Coordinator, questionIDs, escalationIDs []string) {
	for _, id := range questionIDs {
		sess.Abandon(id)
	}
	if coord != nil {
		for _, id := range escalationIDs {
			coord.DropEscalation(id)
		}
	}
}

// SubmitAnswer resolves a pending question. Returns false if the question is
// unknown or already answered.
func (r *Registry) SubmitAnswer(questionID string, answers session.Answers) bool {
	r.mu.Lock()
	pq, ok := r.questions[questionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	sess, ok := r.sessions[pq.question.SessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	resolved := sess.ResolveAnswer(questionID, answers)
	// Either way the question is gone: answered now, or its waiter left.
	delete(r.questions, questionID)
	r.emitLocked(events.KindQuestionRemoved, events.Removed{QuestionID: questionID})
	_, escalated := r.escalations[questionID]
	if escalated {
		delete(r.escalations, questionID)
		r.emitLocked(events.KindEscalationRemoved, events.Removed{QuestionID: questionID})
	}
	coord := r.coord
	r.mu.Unlock()

	if escalated && coord != nil {
		coord.DropEscalation(questionID)
	}
	if !resolved {
		r.logger.Warn("question had no waiter", "question_id", questionID)
		return false
	}
	r.logger.Info("question answered", "question_id", questionID, "session_id", pq.question.SessionID)
	return true
}

// SubmitEscalationAnswer answers an escalated question through the active
// coordinator so it learns the outcome. Without an active coordinator it
// falls back to SubmitAnswer.
func (r *Registry) SubmitEscalationAnswer(questionID string, answers session.Answers) bool {
	coord := r.activeCoordinator()
	if coord != nil && coord.HasEscalation(questionID) {
		return coord.ResolveEscalation(questionID, answers)
	}
	return r.SubmitAnswer(questionID, answers)
}

// SendDirective records a human chat message and delivers it to the
// coordinator, starting a new coordinator if none is active.
func (r *Registry) SendDirective(text string, attachments []chat.Attachment) error {
	msg := chat.NewHumanMessage(text, attachments)
	directive := engine.Message{Text: text}
	for _, a := range msg.Attachments {
		directive.Images = append(directive.Images, engine.Image{MediaType: a.MediaType, Data: a.Data})
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.chat.Append(msg)
	r.emitLocked(events.KindChatMessage, msg)

	if r.coord != nil && r.coord.Status() != coordinator.StatusStopped {
		coord := r.coord
		coord.Send(directive)
		r.mu.Unlock()
		return nil
	}

	coord := coordinator.New(coordinator.Config{
		Engine:            r.cfg.Engine,
		Workers:           r,
		MCPBaseURL:        r.cfg.Coordinator.MCPBaseURL,
		SystemPrompt:      r.cfg.Coordinator.SystemPrompt,
		WorkDir:           r.cfg.Coordinator.WorkDir,
		ExtraTools:        r.cfg.Coordinator.ExtraTools,
		Model:             r.cfg.Model,
		MaxTurns:          r.cfg.MaxTurns,
		StatusOutputLines: r.cfg.Coordinator.StatusOutputLines,
		Listener:          coordinatorListener{r},
		Logger:            r.logger,
	})
	r.coord = coord
	r.mu.Unlock()

	if err := coord.Start(r.ctx, directive); err != nil {
		return err
	}
	return nil
}

// StopCoordinator stops the active coordinator. Returns false if none is active.
func (r *Registry) StopCoordinator() bool {
	coord := r.activeCoordinator()
	if coord == nil {
		return false
	}
	return coord.Stop()
}

// CoordinatorStatus reports the state of the current coordinator instance.
func (r *Registry) CoordinatorStatus() coordinator.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coordinatorStatusLocked()
}

func (r *Registry) coordinatorStatusLocked() coordinator.Status {
	if r.coord == nil {
		return coordinator.StatusIdle
	}
	return r.coord.Status()
}

func (r *Registry) activeCoordinator() *coordinator.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coord == nil || r.coord.Status() == coordinator.StatusStopped {
		return nil
	}
	return r.coord
}

// CoordinatorTools returns the tools of the active coordinator whose MCP
// token matches.
func (r *Registry) CoordinatorTools(token string) (*tools.Registry, bool) {
	coord := r.activeCoordinator()
	if coord == nil || token == "" || coord.Token() != token {
		return nil, false
	}
	return coord.Tools(), true
}

// AddProject registers a project and publishes the updated project list.
func (r *Registry) AddProject(ctx context.Context, name, path, description string) (*store.Project, error) {
	if name == "" || path == "" {
		return nil, errors.New("project name and path are required")
	}
	p := &store.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Path:        path,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cfg.Projects.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("adding project: %w", err)
	}
	r.publishProjectsLocked(ctx)
	return p, nil
}

// RemoveProject deletes a project. Returns false if it did not exist.
func (r *Registry) RemoveProject(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.cfg.Projects.DeleteProject(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("removing project: %w", err)
	}
	r.publishProjectsLocked(ctx)
	return true, nil
}

func (r *Registry) publishProjectsLocked(ctx context.Context) {
	projects, err := r.cfg.Projects.ListProjects(ctx)
	if err != nil {
		r.logger.Error("listing projects", "error", err)
		return
	}
	r.emitLocked(events.KindProjects, nonNil(projects))
}

// Snapshot returns the full observable state.
func (r *Registry) Snapshot(ctx context.Context) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(ctx)
}

func (r *Registry) snapshotLocked(ctx context.Context) State {
	st := State{
		Sessions:          r.sessionInfosLocked(),
		Questions:         []session.PendingQuestion{},
		Escalations:       []Escalation{},
		Activity:          r.activity.List(),
		Chat:              r.chat.Messages(),
		CoordinatorStatus: r.coordinatorStatusLocked(),
		Projects:          []*store.Project{},
	}
	for _, pq := range r.sortedQuestionsLocked(true) {
		st.Questions = append(st.Questions, pq.question)
	}
	for _, esc := range r.sortedEscalationsLocked() {
		st.Escalations = append(st.Escalations, *esc)
	}
	projects, err := r.cfg.Projects.ListProjects(ctx)
	if err != nil {
		r.logger.Error("listing projects", "error", err)
	} else {
		st.Projects = nonNil(projects)
	}
	return st
}

// SnapshotEvents renders a State as the events a newly connected observer
// needs to rebuild its view.
func SnapshotEvents(st State) []events.Event {
	return []events.Event{
		events.New(events.KindSessions, st.Sessions),
		events.New(events.KindQuestions, st.Questions),
		events.New(events.KindEscalations, st.Escalations),
		events.New(events.KindActivityLog, st.Activity),
		events.New(events.KindChatHistory, st.Chat),
		events.New(events.KindCoordinatorStatus, events.CoordinatorStatus{Status: string(st.CoordinatorStatus)}),
		events.New(events.KindProjects, st.Projects),
	}
}

// Subscribe returns a snapshot and a subscription that starts exactly after
// it, so no event is missed or seen twice.
func (r *Registry) Subscribe(ctx context.Context) (State, <-chan events.Event, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.snapshotLocked(ctx)
	ch, id := r.bc.Subscribe(ctx)
	return st, ch, id
}

// Unsubscribe ends a subscription from Subscribe.
func (r *Registry) Unsubscribe(id string) {
	r.bc.Unsubscribe(id)
}

// ActivityLog returns the activity entries, oldest first.
func (r *Registry) ActivityLog() []events.ActivityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activity.List()
}

// ChatHistory returns the chat transcript.
func (r *Registry) ChatHistory() []chat.Message {
	return r.chat.Messages()
}

// Session returns the snapshot of one session.
func (r *Registry) Session(id string) (session.Info, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return session.Info{}, false
	}
	return sess.Info(), true
}

// Shutdown stops the coordinator and every session, then waits for their
// engine runs to exit or ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	coord := r.coord
	ids := append([]string(nil), r.order...)
	r.mu.Unlock()

	if coord != nil {
		coord.Stop()
	}
	for _, id := range ids {
		r.StopSession(id)
	}
	r.cancel()

	for _, id := range ids {
		r.mu.Lock()
		sess := r.sessions[id]
		r.mu.Unlock()
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for sessions: %w", ctx.Err())
		}
	}
	if coord != nil {
		select {
		case <-coord.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for coordinator: %w", ctx.Err())
		}
	}
	r.logger.Info("registry shut down", "sessions", len(ids))
	return nil
}

func (r *Registry) sessionInfosLocked() []session.Info {
	infos := make([]session.Info, 0, len(r.order))
	for _, id := range r.order {
		infos = append(infos, r.sessions[id].Info())
	}
	return infos
}

// sortedQuestionsLocked returns pending questions oldest first. With
// directOnly, routed questions are skipped.
func (r *Registry) sortedQuestionsLocked(directOnly bool) []*pendingQuestion {
	out := make([]*pendingQuestion, 0, len(r.questions))
	for _, pq := range r.questions {
		if directOnly && pq.routed {
			continue
		}
		out = append(out, pq)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].question, out[j].question
		if a.Timestamp.Equal(b.Timestamp) {
			return a.ID < b.ID
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return out
}

func (r *Registry) sortedEscalationsLocked() []*Escalation {
	out := make([]*Escalation, 0, len(r.escalations))
	for _, esc := range r.escalations {
		out = append(out, esc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EscalatedAt.Equal(out[j].EscalatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EscalatedAt.Before(out[j].EscalatedAt)
	})
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
