// ABOUTME: Tests for the stream-json engine driver using in-memory pipes as the CLI.
// ABOUTME: Covers event decoding, permission round trips, input pumping, and argument building.

package claudecli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/engine"
	"github.com/2389/switchboard/internal/inputchan"
)

// fakeCLI plays the subprocess side of the protocol.
type fakeCLI struct {
	in  *bufio.Scanner
	out io.WriteCloser
}

func (f *fakeCLI) readLine() (map[string]any, error) {
	if !f.in.Scan() {
		if err := f.in.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var m map[string]any
	if err := json.Unmarshal(f.in.Bytes(), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *fakeCLI) write(line string) error {
	_, err := io.WriteString(f.out, line+"\n")
	return err
}

type streamResult struct {
	sawResult bool
	err       error
}

func startStream(t *testing.T, req engine.RunRequest) (*fakeCLI, <-chan engine.Event, <-chan streamResult) {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	e := New(Config{})
	events := make(chan engine.Event, 32)
	done := make(chan streamResult, 1)
	go func() {
		saw, err := e.stream(t.Context(), req, stdinW, stdoutR, events)
		close(events)
		done <- streamResult{sawResult: saw, err: err}
	}()

	return &fakeCLI{in: bufio.NewScanner(stdinR), out: stdoutW}, events, done
}

func collect(t *testing.T, events <-chan engine.Event) []engine.Event {
	t.Helper()
	var out []engine.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatal("timed out collecting events")
			return nil
		}
	}
}

func TestStream_PermissionRoundTrip(t *testing.T) {
	var askedTool string
	req := engine.RunRequest{
		Prompt: engine.Message{Text: "build it"},
		CanUseTool: func(ctx context.Context, toolName string, input json.RawMessage) (engine.PermissionResult, error) {
			askedTool = toolName
			return engine.Allow(json.RawMessage(`{"answers":{"Which?":"A"}}`)), nil
		},
	}
	cli, events, done := startStream(t, req)

	cliErr := make(chan error, 1)
	go func() {
		cliErr <- func() error {
			prompt, err := cli.readLine()
			if err != nil {
				return err
			}
			if prompt["type"] != "user" {
				return fmt.Errorf("expected user message, got %v", prompt["type"])
			}
			lines := []string{
				`{"type":"system","subtype":"init","session_id":"engine-1"}`,
				`{"type":"assistant","session_id":"engine-1","message":{"content":[{"type":"text","text":"hello"},{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"a.go"}}]}}`,
				`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"AskUserQuestion","input":{"questions":[]}}}`,
			}
			for _, l := range lines {
				if err := cli.write(l); err != nil {
					return err
				}
			}
			resp, err := cli.readLine()
			if err != nil {
				return err
			}
			body, _ := resp["response"].(map[string]any)
			if body["request_id"] != "r1" {
				return fmt.Errorf("unexpected request id %v", body["request_id"])
			}
			decision, _ := body["response"].(map[string]any)
			if decision["behavior"] != "allow" {
				return fmt.Errorf("unexpected behavior %v", decision["behavior"])
			}
			updated, _ := decision["updatedInput"].(map[string]any)
			if _, ok := updated["answers"]; !ok {
				return fmt.Errorf("updated input missing answers: %v", decision)
			}
			if err := cli.write(`{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.25,"num_turns":3,"session_id":"engine-1"}`); err != nil {
				return err
			}
			if _, err := cli.readLine(); err != io.EOF {
				return fmt.Errorf("expected stdin to close after result, got %v", err)
			}
			return cli.out.Close()
		}()
	}()

	got := collect(t, events)
	require.NoError(t, <-cliErr)
	res := <-done
	require.NoError(t, res.err)
	assert.True(t, res.sawResult)
	assert.Equal(t, "AskUserQuestion", askedTool)

	require.Len(t, got, 4)
	assert.Equal(t, engine.EventSessionID, got[0].Kind)
	assert.Equal(t, "engine-1", got[0].SessionID)
	assert.Equal(t, engine.EventText, got[1].Kind)
	assert.Equal(t, "hello", got[1].Text)
	assert.Equal(t, engine.EventToolUse, got[2].Kind)
	assert.Equal(t, "Write", got[2].ToolUse.Name)
	assert.Equal(t, engine.EventResult, got[3].Kind)
	assert.True(t, got[3].Result.Success)
	assert.InDelta(t, 0.25, got[3].Result.CostUSD, 1e-9)
	assert.Equal(t, 3, got[3].Result.NumTurns)
	assert.Equal(t, "done", got[3].Result.Text)
}

func TestStream_DenyCarriesMessage(t *testing.T) {
	req := engine.RunRequest{
		Prompt: engine.Message{Text: "x"},
		CanUseTool: func(ctx context.Context, toolName string, input json.RawMessage) (engine.PermissionResult, error) {
			return engine.Deny("not allowed here"), nil
		},
	}
	cli, events, done := startStream(t, req)

	cliErr := make(chan error, 1)
	go func() {
		cliErr <- func() error {
			if _, err := cli.readLine(); err != nil {
				return err
			}
			if err := cli.write(`{"type":"control_request","request_id":"r9","request":{"subtype":"can_use_tool","tool_name":"WebFetch","input":{}}}`); err != nil {
				return err
			}
			resp, err := cli.readLine()
			if err != nil {
				return err
			}
			decision := resp["response"].(map[string]any)["response"].(map[string]any)
			if decision["behavior"] != "deny" || decision["message"] != "not allowed here" {
				return fmt.Errorf("unexpected decision %v", decision)
			}
			if err := cli.write(`{"type":"result","subtype":"error_during_execution","is_error":true,"errors":["boom"]}`); err != nil {
				return err
			}
			return cli.out.Close()
		}()
	}()

	got := collect(t, events)
	require.NoError(t, <-cliErr)
	require.NoError(t, (<-done).err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Result.Success)
	assert.Equal(t, []string{"boom"}, got[0].Result.Errors)
}

func TestStream_PumpsFollowUpInput(t *testing.T) {
	input := inputchan.New[engine.Message]()
	input.Push(engine.Message{Text: "second"})

	req := engine.RunRequest{Prompt: engine.Message{Text: "first"}, Input: input}
	cli, events, done := startStream(t, req)

	cliErr := make(chan error, 1)
	go func() {
		cliErr <- func() error {
			for i, want := range []string{"first", "second"} {
				msg, err := cli.readLine()
				if err != nil {
					return err
				}
				content := msg["message"].(map[string]any)["content"].([]any)
				text := content[0].(map[string]any)["text"]
				if text != want {
					return fmt.Errorf("message %d: got %v want %s", i, text, want)
				}
				if err := cli.write(fmt.Sprintf(`{"type":"result","subtype":"success","result":"turn %d"}`, i)); err != nil {
					return err
				}
			}
			input.End()
			if _, err := cli.readLine(); err != io.EOF {
				return fmt.Errorf("expected EOF after input end, got %v", err)
			}
			return cli.out.Close()
		}()
	}()

	got := collect(t, events)
	require.NoError(t, <-cliErr)
	require.NoError(t, (<-done).err)
	require.Len(t, got, 2)
	assert.Equal(t, "turn 0", got[0].Result.Text)
	assert.Equal(t, "turn 1", got[1].Result.Text)
}

func TestStream_SkipsGarbageLines(t *testing.T) {
	cli, events, done := startStream(t, engine.RunRequest{Prompt: engine.Message{Text: "x"}})

	go func() {
		_, _ = cli.readLine()
		_ = cli.write("not json")
		_ = cli.write("")
		_ = cli.write(`{"type":"result","subtype":"success","result":"ok"}`)
		_, _ = cli.readLine()
		_ = cli.out.Close()
	}()

	got := collect(t, events)
	require.NoError(t, (<-done).err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].Result.Text)
}

func TestBuildArgs(t *testing.T) {
	args, err := buildArgs(engine.RunRequest{
		AllowedTools: []string{"Read", "Write"},
		SystemPrompt: "be brief",
		Model:        "sonnet",
		MaxTurns:     12,
		MCPServers:   map[string]engine.MCPServer{"switchboard": {Type: "http", URL: "http://x/mcp/t"}},
		ResumeID:     "abc",
	}, []string{"--debug"})
	require.NoError(t, err)

	assert.Contains(t, args, "--permission-prompt-tool")
	assert.Equal(t, "Read,Write", argAfter(args, "--allowedTools"))
	assert.Equal(t, "be brief", argAfter(args, "--append-system-prompt"))
	assert.Equal(t, "sonnet", argAfter(args, "--model"))
	assert.Equal(t, "12", argAfter(args, "--max-turns"))
	assert.Equal(t, "abc", argAfter(args, "--resume"))
	assert.JSONEq(t, `{"mcpServers":{"switchboard":{"type":"http","url":"http://x/mcp/t"}}}`, argAfter(args, "--mcp-config"))
	assert.Equal(t, "--debug", args[len(args)-1])
}

func TestBuildArgs_Minimal(t *testing.T) {
	args, err := buildArgs(engine.RunRequest{}, nil)
	require.NoError(t, err)
	assert.NotContains(t, args, "--allowedTools")
	assert.NotContains(t, args, "--mcp-config")
	assert.NotContains(t, args, "--resume")
}

func TestNewUserMessage_WithImages(t *testing.T) {
	msg := newUserMessage(engine.Message{
		Text:   "look",
		Images: []engine.Image{{MediaType: "image/png", Data: "aGk="}},
	})
	require.Len(t, msg.Message.Content, 2)
	assert.Equal(t, "image", msg.Message.Content[1].Type)
	assert.Equal(t, "base64", msg.Message.Content[1].Source.Type)
	assert.Equal(t, "image/png", msg.Message.Content[1].Source.MediaType)
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
