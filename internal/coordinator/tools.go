// ABOUTME: The coordinator's fixed tool surface: typed inputs, JSON schemas, and handlers.
// ABOUTME: Every handler reports problems as descriptive errors that become tool error results.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/switchboard/internal/chat"
	"github.com/2389/switchboard/internal/session"
	"github.com/2389/switchboard/internal/tools"
)

type spawnWorkerInput struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	ProjectPath string `json:"project_path"`
	Task        string `json:"task"`
}

func (in spawnWorkerInput) Validate() error {
	if in.Task == "" {
		return errors.New("task is required")
	}
	if in.ProjectID == "" && in.ProjectName == "" {
		return errors.New("either project_id or project_name is required")
	}
	return nil
}

type listProjectsInput struct{}

func (listProjectsInput) Validate() error { return nil }

type answerQuestionInput struct {
	QuestionID string          `json:"question_id"`
	Answers    session.Answers `json:"answers"`
}

func (in answerQuestionInput) Validate() error {
	if in.QuestionID == "" {
		return errors.New("question_id is required")
	}
	if len(in.Answers) == 0 {
		return errors.New("answers must map at least one question to an answer")
	}
	return nil
}

type escalateInput struct {
	QuestionID string `json:"question_id"`
	Reason     string `json:"reason"`
}

func (in escalateInput) Validate() error {
	if in.QuestionID == "" {
		return errors.New("question_id is required")
	}
	if in.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

type workerStatusInput struct {
	SessionID string `json:"session_id"`
}

func (workerStatusInput) Validate() error { return nil }

type messageHumanInput struct {
	Text      string          `json:"text"`
	Artifacts []chat.Artifact `json:"artifacts"`
}

func (in messageHumanInput) Validate() error {
	if in.Text == "" && len(in.Artifacts) == 0 {
		return errors.New("text or at least one artifact is required")
	}
	for i, a := range in.Artifacts {
		if !chat.ValidArtifactKind(a.Kind) {
			return fmt.Errorf("artifacts[%d]: unknown kind %q (want code, diff, plan, text or file)", i, a.Kind)
		}
		if a.Content == "" {
			return fmt.Errorf("artifacts[%d]: content is required", i)
		}
	}
	return nil
}

// WorkerSummary is the redacted view of a worker returned by get_worker_status.
type WorkerSummary struct {
	SessionID    string         `json:"session_id"`
	Project      string         `json:"project"`
	Task         string         `json:"task"`
	Status       session.Status `json:"status"`
	CostUSD      float64        `json:"cost_usd"`
	NumTurns     int            `json:"num_turns"`
	ToolUseCount int            `json:"tool_use_count"`
	Error        string         `json:"error,omitempty"`
	Result       string         `json:"result,omitempty"`
	LastOutput   []string       `json:"last_output"`
	StartedAt    time.Time      `json:"started_at"`
}

// Summarize redacts info down to its status fields and the last n output lines.
func Summarize(info session.Info, n int) WorkerSummary {
	out := info.Output
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return WorkerSummary{
		SessionID:    info.ID,
		Project:      info.Project,
		Task:         info.Task,
		Status:       info.Status,
		CostUSD:      info.CostUSD,
		NumTurns:     info.NumTurns,
		ToolUseCount: len(info.ToolUses),
		Error:        info.Error,
		Result:       info.Result,
		LastOutput:   append([]string{}, out...),
		StartedAt:    info.StartedAt,
	}
}

func (c *Coordinator) toolset() []*tools.Tool {
	return []*tools.Tool{
		tools.Typed("spawn_worker",
			"Start a worker session on a project. Identify the project by project_id, or by project_name (with project_path for an unregistered project).",
			`{"type":"object","properties":{"project_id":{"type":"string"},"project_name":{"type":"string"},"project_path":{"type":"string"},"task":{"type":"string","description":"Complete, self-contained task for the worker"}},"required":["task"]}`,
			c.spawnWorker),
		tools.Typed("list_projects",
			"List registered projects",
			`{"type":"object","properties":{}}`,
			c.listProjects),
		tools.Typed("answer_worker_question",
			"Answer a worker's pending question. answers maps each question's text to the chosen answer (a string, or a list for multi-select).",
			`{"type":"object","properties":{"question_id":{"type":"string"},"answers":{"type":"object","additionalProperties":{"anyOf":[{"type":"string"},{"type":"array","items":{"type":"string"}}]}}},"required":["question_id","answers"]}`,
			c.answerQuestion),
		tools.Typed("escalate_to_human",
			"Forward a worker's pending question to the human with the reason you could not answer it",
			`{"type":"object","properties":{"question_id":{"type":"string"},"reason":{"type":"string"}},"required":["question_id","reason"]}`,
			c.escalate),
		tools.Typed("get_worker_status",
			"Get a redacted status summary of one worker (session_id) or all workers",
			`{"type":"object","properties":{"session_id":{"type":"string"}}}`,
			c.workerStatus),
		tools.Typed("message_human",
			"Send a message to the human, optionally with artifacts",
			`{"type":"object","properties":{"text":{"type":"string"},"artifacts":{"type":"array","items":{"type":"object","properties":{"kind":{"type":"string","enum":["code","diff","plan","text","file"]},"title":{"type":"string"},"content":{"type":"string"},"language":{"type":"string"}},"required":["kind","content"]}}}}`,
			c.messageHuman),
	}
}

func (c *Coordinator) spawnWorker(ctx context.Context, in spawnWorkerInput) (string, error) {
	info, err := c.cfg.Workers.SpawnWorker(ctx, SpawnRequest{
		ProjectID:   in.ProjectID,
		ProjectName: in.ProjectName,
		ProjectPath: in.ProjectPath,
		Task:        in.Task,
		SpawnedBy:   SpawnedBy,
	})
	if err != nil {
		return "", err
	}
	return encode(map[string]any{
		"session_id": info.ID,
		"project":    info.Project,
		"status":     info.Status,
	})
}

func (c *Coordinator) listProjects(ctx context.Context, _ listProjectsInput) (string, error) {
	projects, err := c.cfg.Workers.ListProjects(ctx)
	if err != nil {
		return "", fmt.Errorf("listing projects: %w", err)
	}
	if len(projects) == 0 {
		return "No projects are registered.", nil
	}
	return encode(projects)
}

func (c *Coordinator) answerQuestion(_ context.Context, in answerQuestionInput) (string, error) {
	if !c.cfg.Workers.AnswerQuestion(in.QuestionID, in.Answers) {
		return "", fmt.Errorf("question %s is not pending (already answered, withdrawn, or unknown)", in.QuestionID)
	}
	c.DropEscalation(in.QuestionID)
	return fmt.Sprintf("Answered question %s.", in.QuestionID), nil
}

// escalate stores the resolver before the escalation becomes visible, so an
// operator answer can never arrive ahead of it.
func (c *Coordinator) escalate(_ context.Context, in escalateInput) (string, error) {
	questionID := in.QuestionID
	c.mu.Lock()
	_, existed := c.escalations[questionID]
	if !existed {
		c.escalations[questionID] = func(answers session.Answers) bool {
			return c.cfg.Workers.AnswerQuestion(questionID, answers)
		}
	}
	c.mu.Unlock()

	if err := c.cfg.Workers.Escalate(questionID, in.Reason); err != nil {
		if !existed {
			c.DropEscalation(questionID)
		}
		return "", err
	}
	return fmt.Sprintf("Escalated question %s to the human. You will be told when it is answered.", questionID), nil
}

func (c *Coordinator) workerStatus(_ context.Context, in workerStatusInput) (string, error) {
	infos, err := c.cfg.Workers.WorkerStatus(in.SessionID)
	if err != nil {
		return "", err
	}
	if len(infos) == 0 {
		return "No workers.", nil
	}
	summaries := make([]WorkerSummary, len(infos))
	for i, info := range infos {
		summaries[i] = Summarize(info, c.cfg.StatusOutputLines)
	}
	return encode(summaries)
}

func (c *Coordinator) messageHuman(_ context.Context, in messageHumanInput) (string, error) {
	c.cfg.Workers.PostCoordinatorMessage(in.Text, in.Artifacts)
	return "Message sent.", nil
}

func encode(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	return string(data), nil
}
