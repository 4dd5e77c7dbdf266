// ABOUTME: Decoding and dispatch of inbound operator commands received over the WebSocket
// ABOUTME: Bad or failed commands never reach the connection's other traffic; they produce a command_error reply

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/switchboard/internal/chat"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/session"
)

// Inbound command types.
const (
	CmdGetState         = "get_state"
	CmdStartSession     = "start_session"
	CmdAnswer           = "answer"
	CmdDirective        = "directive"
	CmdEscalationAnswer = "escalation_answer"
	CmdAddProject       = "add_project"
	CmdRemoveProject    = "remove_project"
	CmdStopSession      = "stop_session"
	CmdStopCoordinator  = "stop_coordinator"
)

var (
	errMalformed      = errors.New("malformed command")
	errUnknownCommand = errors.New("unknown command")
)

type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

type startSessionCmd struct {
	Project string `json:"project"`
	Path    string `json:"path"`
	Task    string `json:"task"`
}

type answerCmd struct {
	QuestionID string          `json:"question_id"`
	Answers    session.Answers `json:"answers"`
}

type attachmentIn struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type directiveCmd struct {
	Text        string         `json:"text"`
	Attachments []attachmentIn `json:"attachments,omitempty"`
}

type addProjectCmd struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

type removeProjectCmd struct {
	ProjectID string `json:"project_id"`
}

type stopSessionCmd struct {
	SessionID string `json:"session_id"`
}

// commandResult is what a dispatched command sends back to its own connection.
type commandResult struct {
	replies []events.Event
	err     error
}

// dispatch applies one raw command. It returns the envelope (for logging and
// dedupe) and the per-connection outcome.
func (g *Gateway) dispatch(ctx context.Context, raw []byte) (envelope, commandResult) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, commandResult{err: fmt.Errorf("%w: %v", errMalformed, err)}
	}
	if env.RequestID != "" && g.dedupe.Seen(env.RequestID) {
		g.logger.Debug("duplicate command ignored", "type", env.Type, "request_id", env.RequestID)
		return env, commandResult{}
	}

	res := g.apply(ctx, env.Type, raw)
	if res.err != nil && env.RequestID != "" {
		g.dedupe.Forget(env.RequestID)
	}
	return env, res
}

func (g *Gateway) apply(ctx context.Context, kind string, raw []byte) commandResult {
	reg := g.registry

	switch kind {
	case CmdGetState:
		return commandResult{replies: registry.SnapshotEvents(reg.Snapshot(ctx))}

	case CmdStartSession:
		var cmd startSessionCmd
		if err := decode(raw, &cmd); err != nil {
			return commandResult{err: err}
		}
		if strings.TrimSpace(cmd.Path) == "" || strings.TrimSpace(cmd.Task) == "" {
			return commandResult{err: fmt.Errorf("%w: path and task are required", errMalformed)}
		}
		if cmd.Project == "" {
			cmd.Project = projectNameFromPath(cmd.Path)
		}
		_, err := reg.StartSession(cmd.Project, cmd.Path, cmd.Task)
		return commandResult{err: err}

	case CmdAnswer, CmdEscalationAnswer:
		var cmd answerCmd
		if err := decode(raw, &cmd); err != nil {
			return commandResult{err: err}
		}
		if cmd.QuestionID == "" {
			return commandResult{err: fmt.Errorf("%w: question_id is required", errMalformed)}
		}
		submit := reg.SubmitAnswer
		if kind == CmdEscalationAnswer {
			submit = reg.SubmitEscalationAnswer
		}
		if !submit(cmd.QuestionID, cmd.Answers) {
			return commandResult{err: fmt.Errorf("%w: %s", registry.ErrQuestionNotFound, cmd.QuestionID)}
		}
		return commandResult{}

	case CmdDirective:
		var cmd directiveCmd
		if err := decode(raw, &cmd); err != nil {
			return commandResult{err: err}
		}
		if strings.TrimSpace(cmd.Text) == "" && len(cmd.Attachments) == 0 {
			return commandResult{err: fmt.Errorf("%w: directive is empty", errMalformed)}
		}
		attachments := make([]chat.Attachment, 0, len(cmd.Attachments))
		for _, a := range cmd.Attachments {
			if a.MediaType == "" || a.Data == "" {
				return commandResult{err: fmt.Errorf("%w: attachment needs media_type and data", errMalformed)}
			}
			attachments = append(attachments, chat.Attachment{MediaType: a.MediaType, Data: a.Data})
		}
		return commandResult{err: reg.SendDirective(cmd.Text, attachments)}

	case CmdAddProject:
		var cmd addProjectCmd
		if err := decode(raw, &cmd); err != nil {
			return commandResult{err: err}
		}
		_, err := reg.AddProject(ctx, cmd.Name, cmd.Path, cmd.Description)
		return commandResult{err: err}

	case CmdRemoveProject:
		var cmd removeProjectCmd
		if err := decode(raw, &cmd); err != nil {
			return commandResult{err: err}
		}
		removed, err := reg.RemoveProject(ctx, cmd.ProjectID)
		if err == nil && !removed {
			err = fmt.Errorf("%w: %s", registry.ErrProjectNotFound, cmd.ProjectID)
		}
		return commandResult{err: err}

	case CmdStopSession:
		var cmd stopSessionCmd
		if err := decode(raw, &cmd); err != nil {
			return commandResult{err: err}
		}
		if !reg.StopSession(cmd.SessionID) {
			return commandResult{err: fmt.Errorf("%w: %s", registry.ErrSessionNotFound, cmd.SessionID)}
		}
		return commandResult{}

	case CmdStopCoordinator:
		if !reg.StopCoordinator() {
			return commandResult{err: errors.New("no active coordinator")}
		}
		return commandResult{}
	}

	return commandResult{err: fmt.Errorf("%w: %q", errUnknownCommand, kind)}
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func projectNameFromPath(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func commandError(env envelope, err error) events.Event {
	return events.New(events.KindCommandError, events.CommandError{
		RequestID: env.RequestID,
		Command:   env.Type,
		Error:     err.Error(),
	})
}
