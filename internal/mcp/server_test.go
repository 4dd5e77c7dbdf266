// ABOUTME: Tests for the MCP HTTP server including tool listing and execution.
// ABOUTME: Validates token handling, session checks, and error responses.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/2389/switchboard/internal/tools"
)

type echoInput struct {
	Text string `json:"text"`
}

func (in echoInput) Validate() error {
	if in.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

type staticResolver struct {
	mu     sync.Mutex
	tokens map[string]*tools.Registry
}

func (s *staticResolver) CoordinatorTools(token string) (*tools.Registry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.tokens[token]
	return reg, ok
}

func (s *staticResolver) revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func newTestServer(t *testing.T) (*httptest.Server, *staticResolver) {
	t.Helper()
	reg := tools.NewRegistry(nil)
	if err := reg.Register(tools.Typed("echo", "Echo text back",
		`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		func(_ context.Context, in echoInput) (string, error) { return in.Text, nil })); err != nil {
		t.Fatalf("register: %v", err)
	}
	resolver := &staticResolver{tokens: map[string]*tools.Registry{"tok": reg}}

	srv, err := NewServer(resolver, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, resolver
}

func post(t *testing.T, url, sessionID string, body string) (*http.Response, JSONRPCResponse) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out JSONRPCResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, out
}

func initialize(t *testing.T, url string) string {
	t.Helper()
	resp, out := post(t, url, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`)
	if out.Error != nil {
		t.Fatalf("initialize failed: %+v", out.Error)
	}
	id := resp.Header.Get("Mcp-Session-Id")
	if id == "" {
		t.Fatal("initialize did not return Mcp-Session-Id")
	}
	return id
}

func TestNewServer_RequiresResolver(t *testing.T) {
	if _, err := NewServer(nil, nil); err == nil {
		t.Fatal("expected error for nil resolver")
	}
}

func TestToolsList(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/mcp/tok"
	sid := initialize(t, url)

	_, out := post(t, url, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if out.Error != nil {
		t.Fatalf("tools/list error: %+v", out.Error)
	}
	raw, _ := json.Marshal(out.Result)
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", result.Tools)
	}
	if !json.Valid(result.Tools[0].InputSchema) {
		t.Error("input schema is not valid JSON")
	}
}

func TestToolsCall(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/mcp/tok"
	sid := initialize(t, url)

	tests := []struct {
		name      string
		body      string
		wantText  string
		wantError bool
	}{
		{"success", `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`, "hi", false},
		{"validation failure", `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{}}}`, "echo: text is required", true},
		{"missing arguments", `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo"}}`, "echo: text is required", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, out := post(t, url, sid, tt.body)
			if out.Error != nil {
				t.Fatalf("unexpected JSON-RPC error: %+v", out.Error)
			}
			raw, _ := json.Marshal(out.Result)
			var result CallToolResult
			if err := json.Unmarshal(raw, &result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if result.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v", result.IsError, tt.wantError)
			}
			if len(result.Content) != 1 || result.Content[0].Text != tt.wantText {
				t.Errorf("content = %+v, want text %q", result.Content, tt.wantText)
			}
		})
	}
}

func TestToolsCall_UnknownTool(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/mcp/tok"
	sid := initialize(t, url)

	_, out := post(t, url, sid, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"nope"}}`)
	if out.Error == nil || out.Error.Code != JSONRPCInvalidParams {
		t.Fatalf("expected invalid params error, got %+v", out.Error)
	}
}

func TestTokenRequired(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{"/mcp", "/mcp/", "/mcp/wrong", "/mcp/tok/extra"} {
		_, out := post(t, ts.URL+path, "", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
		if out.Error == nil || out.Error.Code != JSONRPCInvalidRequest {
			t.Errorf("%s: expected invalid request error, got %+v", path, out.Error)
		}
	}
}

func TestRevokedTokenLosesAccess(t *testing.T) {
	ts, resolver := newTestServer(t)
	url := ts.URL + "/mcp/tok"
	sid := initialize(t, url)

	resolver.revoke("tok")
	_, out := post(t, url, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if out.Error == nil {
		t.Fatal("expected error after token was revoked")
	}
}

func TestSessionRequired(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/mcp/tok"

	resp, _ := post(t, url, "", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing session: status = %d, want 400", resp.StatusCode)
	}
	resp, _ = post(t, url, "bogus", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationAccepted(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/mcp/tok"
	sid := initialize(t, url)

	resp, _ := post(t, url, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
}

func TestMalformedRequests(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/mcp/tok"

	_, out := post(t, url, "", `not json`)
	if out.Error == nil || out.Error.Code != JSONRPCParseError {
		t.Errorf("expected parse error, got %+v", out.Error)
	}
	_, out = post(t, url, "", `{"jsonrpc":"1.0","id":1,"method":"initialize"}`)
	if out.Error == nil || out.Error.Code != JSONRPCInvalidRequest {
		t.Errorf("expected invalid request, got %+v", out.Error)
	}
}

func TestDeleteSession(t *testing.T) {
	ts, _ := newTestServer(t)
	url := ts.URL + "/mcp/tok"
	sid := initialize(t, url)

	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	req.Header.Set("Mcp-Session-Id", sid)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	r2, _ := post(t, url, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if r2.StatusCode != http.StatusNotFound {
		t.Errorf("status after delete = %d, want 404", r2.StatusCode)
	}
}

func TestGetNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/mcp/tok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}
