// ABOUTME: MCP streamable-HTTP server exposing the active coordinator's tools to its engine.
// ABOUTME: Each request is authorized by the token in /mcp/<token>, re-resolved on every call.

package mcp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/tools"
)

var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

const latestProtocolVersion = "2025-11-25"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// ServerName is reported in the initialize handshake.
const ServerName = "switchboard"

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// ToolInfo is a tool as listed by tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result for tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// CallToolParams are the params for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the result for tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResolver maps an endpoint token to the tools it may use.
type ToolResolver interface {
	CoordinatorTools(token string) (*tools.Registry, bool)
}

var (
	errMissingToken = errors.New("missing token")
	errInvalidToken = errors.New("invalid or expired token")
)

type mcpSession struct {
	id              string
	protocolVersion string
	token           string
	createdAt       time.Time
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, token string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		token:           token,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Server serves MCP over HTTP POST (no server-initiated streams).
type Server struct {
	resolver ToolResolver
	sessions *sessionStore
	logger   *slog.Logger
}

// NewServer creates an MCP server backed by resolver.
func NewServer(resolver ToolResolver, logger *slog.Logger) (*Server, error) {
	if resolver == nil {
		return nil, errors.New("tool resolver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		resolver: resolver,
		sessions: newSessionStore(),
		logger:   logger.With("component", "mcp"),
	}, nil
}

// RegisterRoutes registers /mcp and /mcp/<token> on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/", s.handleMCP)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	case http.MethodGet:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if token, _ := pathToken(r); token != sess.token {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "mcp_session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if v := r.Header.Get("Mcp-Protocol-Version"); !isInitialize && v != "" && !supportedProtocolVersions[v] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	token, err := pathToken(r)
	if err != nil {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, "authentication required")
		return
	}
	registry, ok := s.resolver.CoordinatorTools(token)
	if !ok {
		s.sendError(w, req.ID, JSONRPCInvalidRequest, errInvalidToken.Error())
		return
	}

	if !isInitialize {
		sessionID := r.Header.Get("Mcp-Session-Id")
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		sess, ok := s.sessions.get(sessionID)
		if !ok || sess.token != token {
			// Unknown or foreign session: the client must re-initialize.
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	if isNotification {
		s.logger.Debug("accepted MCP notification", "method", req.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, req, token)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req, registry)
	case "tools/call":
		s.handleToolsCall(w, r, req, registry)
	default:
		s.sendError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, req JSONRPCRequest, token string) {
	sess := s.sessions.create(latestProtocolVersion, token)
	s.logger.Info("MCP session created", "mcp_session_id", sess.id)

	w.Header().Set("Mcp-Session-Id", sess.id)
	s.sendResult(w, req.ID, map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": "1.0.0",
		},
	})
}

func (s *Server) handleToolsList(w http.ResponseWriter, req JSONRPCRequest, registry *tools.Registry) {
	list := registry.List()
	result := ListToolsResult{Tools: make([]ToolInfo, len(list))}
	for i, t := range list {
		result.Tools[i] = ToolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
	}
	s.sendResult(w, req.ID, result)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, registry *tools.Registry) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	res, err := registry.Execute(r.Context(), params.Name, args)
	if err != nil {
		if errors.Is(err, tools.ErrToolNotFound) {
			s.sendError(w, req.ID, JSONRPCInvalidParams, "tool not found")
			return
		}
		s.logger.Warn("tool execution failed", "tool_name", params.Name, "error", err)
		s.sendError(w, req.ID, JSONRPCInternalError, "tool execution failed")
		return
	}

	s.logger.Debug("tools/call complete", "tool_name", params.Name, "is_error", res.IsError)
	s.sendResult(w, req.ID, CallToolResult{
		Content: []Content{{Type: "text", Text: res.Text}},
		IsError: res.IsError,
	})
}

// pathToken extracts <token> from /mcp/<token>.
func pathToken(r *http.Request) (string, error) {
	token, found := strings.CutPrefix(r.URL.Path, "/mcp/")
	if !found {
		return "", errMissingToken
	}
	token = strings.TrimRight(token, "/")
	if token == "" {
		return "", errMissingToken
	}
	if strings.Contains(token, "/") {
		return "", errInvalidToken
	}
	return token, nil
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}})
}

func (s *Server) send(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}
