// ABOUTME: MCP Streamable HTTP dispatcher that sits behind the authentication gate.
// ABOUTME: Handles initialize, notifications, tools/list, tools/call, and session teardown.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcpgate/internal/auth"
	"github.com/2389/mcpgate/internal/rpc"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = "2025-11-25"

// DefaultSessionTTL bounds how long an idle session is kept.
const DefaultSessionTTL = 30 * time.Minute

// SessionHeader carries the MCP session id.
const SessionHeader = "Mcp-Session-Id"

// ToolInfo represents an MCP tool definition.
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

// Content represents content in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// session tracks an active MCP client session.
type session struct {
	id              string
	protocolVersion string
	owner           string // subject that initialized the session, empty when anonymous
	lastSeen        time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	ttl      time.Duration
	now      func() time.Time
}

func newSessionStore(ttl time.Duration, now func() time.Time) *sessionStore {
	return &sessionStore{sessions: make(map[string]*session), ttl: ttl, now: now}
}

// create registers a new session and prunes expired ones, so anonymous
// initialize calls cannot grow the store without bound.
func (s *sessionStore) create(protocolVersion, owner string) *session {
	now := s.now()
	sess := &session{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		owner:           owner,
		lastSeen:        now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.sessions {
		if now.Sub(old.lastSeen) > s.ttl {
			delete(s.sessions, id)
		}
	}
	s.sessions[sess.id] = sess
	return sess
}

// touch returns the live session and extends its lifetime.
func (s *sessionStore) touch(id string) (*session, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if now.Sub(sess.lastSeen) > s.ttl {
		delete(s.sessions, id)
		return nil, false
	}
	sess.lastSeen = now
	return sess, true
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Config holds configuration for the MCP server.
type Config struct {
	Registry      *Registry
	Logger        *slog.Logger
	SessionTTL    time.Duration
	ServerName    string
	ServerVersion string
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Server implements the MCP endpoint. It trusts the identity the gate put
// in the request context and never reads credentials itself.
type Server struct {
	registry   *Registry
	logger     *slog.Logger
	sessions   *sessionStore
	serverInfo map[string]any
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.SessionTTL < 0 {
		return nil, errors.New("session TTL must not be negative")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	name := cfg.ServerName
	if name == "" {
		name = "mcpgate"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "dev"
	}

	return &Server{
		registry: cfg.Registry,
		logger:   logger.With("component", "mcp"),
		sessions: newSessionStore(ttl, now),
		serverInfo: map[string]any{
			"name":    name,
			"version": version,
		},
	}, nil
}

// ServeHTTP is the single MCP endpoint supporting POST and DELETE per the
// Streamable HTTP transport.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		// Server-initiated SSE streams are not offered.
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Only the subject that created a session
// may end it; anonymous sessions may be ended by any verified caller.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.touch(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	caller := auth.IdentityFromContext(r.Context())
	if caller == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if sess.owner != "" && sess.owner != caller.Subject() {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID, "subject", caller.Subject())
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	// The gate has already capped and buffered the body.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendError(w, nil, rpc.CodeParseError, "failed to read request body")
		return
	}

	var req rpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, rpc.CodeParseError, "invalid JSON")
		return
	}

	if req.JSONRPC != rpc.Version {
		s.sendError(w, req.ID, rpc.CodeInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := req.IsNotification()

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := s.sessions.touch(sessionID); !ok {
			// Session expired or invalid - client must re-initialize
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	// Notifications are accepted with HTTP 202 and no body
	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendError(w, req.ID, rpc.CodeMethodNotFound, "method not found")
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req rpc.Request) {
	var owner string
	if caller := auth.IdentityFromContext(r.Context()); caller != nil {
		owner = caller.Subject()
	}

	sess := s.sessions.create(latestProtocolVersion, owner)

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
		"authenticated", owner != "",
	)

	w.Header().Set(SessionHeader, sess.id)

	result := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": s.serverInfo,
	}
	s.sendResult(w, req.ID, result)
}

// handleToolsList handles tools/list requests.
func (s *Server) handleToolsList(w http.ResponseWriter, req rpc.Request) {
	tools := s.registry.List()
	result := ListToolsResult{Tools: make([]ToolInfo, len(tools))}
	for i, t := range tools {
		result.Tools[i] = ToolInfo{
			Name:        t.Definition.Name,
			Description: t.Definition.Description,
			InputSchema: t.Definition.InputSchema,
		}
	}

	s.logger.Debug("tools/list", "count", len(tools))
	s.sendResult(w, req.ID, result)
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpc.Request) {
	caller := auth.IdentityFromContext(r.Context())
	if caller == nil {
		// Reachable only when tools/call has been exempted from authentication.
		if err := rpc.WriteError(w, http.StatusUnauthorized, req.ID, rpc.CodeUnauthorized, "authentication required"); err != nil {
			s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
		}
		return
	}

	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendError(w, req.ID, rpc.CodeInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendError(w, req.ID, rpc.CodeInvalidParams, "tool name is required")
		return
	}

	tool, err := s.registry.Get(params.Name)
	if err != nil {
		s.sendError(w, req.ID, rpc.CodeInvalidParams, "tool not found")
		return
	}

	if !hasRequiredScopes(caller.Scopes(), tool.Definition.RequiredScopes) {
		s.sendError(w, req.ID, rpc.CodeInvalidRequest, "insufficient scope for this tool")
		return
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	s.logger.Debug("tools/call", "tool_name", params.Name, "subject", caller.Subject())

	out, err := tool.Handler(r.Context(), caller, args)
	if err != nil {
		s.handleToolError(w, req.ID, params.Name, err)
		return
	}
	s.sendResult(w, req.ID, CallToolResult{Content: []Content{{Type: "text", Text: out}}})
}

// handleToolError reports a failed tool. Argument problems are returned to
// the model as a tool error result; everything else is a JSON-RPC error.
func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName string, err error) {
	if errors.Is(err, ErrInvalidArguments) {
		s.sendResult(w, id, CallToolResult{
			Content: []Content{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
		return
	}

	s.logger.Warn("tool execution failed", "tool_name", toolName, "error", err)

	message := "tool execution failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}
	s.sendError(w, id, rpc.CodeInternalError, message)
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	if err := rpc.WriteResult(w, id, result); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendError sends a JSON-RPC error response. Protocol errors travel with
// HTTP 200 as the transport expects.
func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	if err := rpc.WriteError(w, http.StatusOK, id, code, message); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
