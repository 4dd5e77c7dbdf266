// ABOUTME: Wire types for the Claude CLI stream-json protocol and argument construction.
// ABOUTME: Covers user messages, assistant/result/system output, and permission control frames.

package claudecli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389/switchboard/internal/engine"
)

// Message types on the wire.
const (
	typeUser           = "user"
	typeAssistant      = "assistant"
	typeSystem         = "system"
	typeResult         = "result"
	typeControlRequest = "control_request"
	typeControlResp    = "control_response"
	typeControlCancel  = "control_cancel_request"

	subtypeInit       = "init"
	subtypeCanUseTool = "can_use_tool"
	subtypeSuccess    = "success"
	subtypeError      = "error"
)

// userMessage is written to the CLI's stdin for each user turn.
type userMessage struct {
	Type            string      `json:"type"`
	Message         userContent `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	SessionID       string      `json:"session_id"`
}

type userContent struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock covers the text, image, and tool_use blocks we read or write.
type contentBlock struct {
	Type   string          `json:"type"`
	Text   string          `json:"text,omitempty"`
	Source *imageSource    `json:"source,omitempty"`
	ID     string          `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// outputMessage is a union of every line the CLI writes to stdout.
type outputMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`

	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
	Errors       []string `json:"errors,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type controlRequest struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// controlResponse answers a control_request from the CLI.
type controlResponse struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string              `json:"subtype"`
	RequestID string              `json:"request_id"`
	Response  *permissionDecision `json:"response,omitempty"`
	Error     string              `json:"error,omitempty"`
}

type permissionDecision struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func newUserMessage(msg engine.Message) userMessage {
	blocks := make([]contentBlock, 0, 1+len(msg.Images))
	if msg.Text != "" {
		blocks = append(blocks, contentBlock{Type: "text", Text: msg.Text})
	}
	for _, img := range msg.Images {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	return userMessage{
		Type:    typeUser,
		Message: userContent{Role: "user", Content: blocks},
	}
}

func newPermissionResponse(requestID string, res engine.PermissionResult) controlResponse {
	decision := &permissionDecision{Behavior: string(res.Behavior)}
	if res.Behavior == engine.BehaviorAllow {
		decision.UpdatedInput = res.UpdatedInput
		if len(decision.UpdatedInput) == 0 {
			decision.UpdatedInput = json.RawMessage("{}")
		}
	} else {
		decision.Message = res.Message
	}
	return controlResponse{
		Type: typeControlResp,
		Response: controlResponseBody{
			Subtype:   subtypeSuccess,
			RequestID: requestID,
			Response:  decision,
		},
	}
}

func newControlError(requestID, message string) controlResponse {
	return controlResponse{
		Type: typeControlResp,
		Response: controlResponseBody{
			Subtype:   subtypeError,
			RequestID: requestID,
			Error:     message,
		},
	}
}

// buildArgs constructs the CLI argument list for a run.
func buildArgs(req engine.RunRequest, extra []string) ([]string, error) {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.MCPServers) > 0 {
		data, err := json.Marshal(map[string]any{"mcpServers": req.MCPServers})
		if err != nil {
			return nil, fmt.Errorf("encoding mcp config: %w", err)
		}
		args = append(args, "--mcp-config", string(data))
	}
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}
	return append(args, extra...), nil
}

// toResult converts a result line into an engine Result.
func toResult(msg *outputMessage) *engine.Result {
	return &engine.Result{
		Success:  !msg.IsError && msg.Subtype == subtypeSuccess,
		Subtype:  msg.Subtype,
		Text:     msg.Result,
		CostUSD:  msg.TotalCostUSD,
		NumTurns: msg.NumTurns,
		Errors:   msg.Errors,
	}
}
