// ABOUTME: Tests for the MCP HTTP server including sessions and tool execution.
// ABOUTME: Identities come from real signed tokens so scope handling is exercised end to end.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/mcpgate/internal/auth"
	"github.com/2389/mcpgate/internal/keys"
	"github.com/2389/mcpgate/internal/keys/keystest"
	"github.com/2389/mcpgate/internal/rpc"
)

const (
	testIssuer   = "https://issuer.example/"
	testAudience = "https://gate.example/mcp"
)

// staticKeys serves one signer's key for testIssuer.
type staticKeys struct {
	signer *keystest.Signer
}

func (s staticKeys) Trusts(issuer string) bool { return issuer == testIssuer }

func (s staticKeys) Lookup(_ context.Context, _, kid string) (keys.Key, error) {
	if kid != s.signer.KeyID {
		return keys.Key{}, keys.ErrUnknownKey
	}
	return keys.Key{ID: kid, Algorithm: s.signer.Alg, Public: s.signer.Public()}, nil
}

// newIdentity signs and verifies a token so tests hold a genuine Identity.
func newIdentity(t *testing.T, subject, scope string) *auth.Identity {
	t.Helper()
	signer := keystest.NewRSA(t, "k1")
	v, err := auth.NewJWTVerifier(auth.VerifierConfig{
		Keys:      staticKeys{signer: signer},
		Audiences: []string{testAudience},
	})
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"sub": subject,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	id, err := v.Verify(context.Background(), signer.Sign(t, claims))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	return id
}

func newTestServer(t *testing.T, tools ...*Tool) *Server {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(BuiltinTools()...); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if len(tools) > 0 {
		if err := reg.Register(tools...); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	srv, err := NewServer(Config{
		Registry: reg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

func post(srv *Server, id *auth.Identity, sessionID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), id))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func initialize(t *testing.T, srv *Server, id *auth.Identity) string {
	t.Helper()
	w := post(srv, id, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body = %s", w.Code, w.Body.String())
	}
	sid := w.Header().Get(SessionHeader)
	if sid == "" {
		t.Fatal("initialize did not return a session id")
	}
	return sid
}

func decode(t *testing.T, w *httptest.ResponseRecorder) rpc.Response {
	t.Helper()
	var resp rpc.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v (body %q)", err, w.Body.String())
	}
	return resp
}

func callResult(t *testing.T, resp rpc.Response) CallToolResult {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatal(err)
	}
	var out CallToolResult
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := NewServer(Config{Registry: NewRegistry(), SessionTTL: -time.Second}); err == nil {
		t.Error("expected error for negative session TTL")
	}
}

func TestInitializeAnonymous(t *testing.T) {
	srv := newTestServer(t)

	w := post(srv, nil, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get(SessionHeader) == "" {
		t.Error("missing Mcp-Session-Id")
	}

	resp := decode(t, w)
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("result = %T", resp.Result)
	}
	if result["protocolVersion"] != latestProtocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info, _ := result["serverInfo"].(map[string]any)
	if info["name"] != "mcpgate" {
		t.Errorf("serverInfo.name = %v", info["name"])
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv := newTestServer(t)
	sid := initialize(t, srv, nil)

	w := post(srv, nil, sid, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestSessionRequired(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name      string
		sessionID string
		want      int
	}{
		{"missing", "", http.StatusBadRequest},
		{"unknown", "not-a-session", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(srv, nil, tt.sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSessionExpires(t *testing.T) {
	now := time.Now()
	srv, err := NewServer(Config{
		Registry:   NewRegistry(),
		SessionTTL: time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatal(err)
	}
	sid := initialize(t, srv, nil)

	now = now.Add(2 * time.Minute)
	w := post(srv, nil, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for expired session", w.Code)
	}
}

func TestExpiredSessionsPrunedOnCreate(t *testing.T) {
	now := time.Now()
	srv, err := NewServer(Config{
		Registry:   NewRegistry(),
		SessionTTL: time.Minute,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		initialize(t, srv, nil)
	}
	now = now.Add(2 * time.Minute)
	initialize(t, srv, nil)

	if got := srv.sessions.len(); got != 1 {
		t.Errorf("sessions = %d, want 1 after pruning", got)
	}
}

func TestUnsupportedProtocolVersion(t *testing.T) {
	srv := newTestServer(t)
	sid := initialize(t, srv, nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	req.Header.Set(SessionHeader, sid)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestToolsListSorted(t *testing.T) {
	srv := newTestServer(t)
	sid := initialize(t, srv, nil)

	resp := decode(t, post(srv, nil, sid, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	raw, _ := json.Marshal(resp.Result)
	var result ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(result.Tools))
	}
	if result.Tools[0].Name != "echo" || result.Tools[1].Name != "whoami" {
		t.Errorf("tools = %s, %s", result.Tools[0].Name, result.Tools[1].Name)
	}
	if len(result.Tools[0].InputSchema) == 0 {
		t.Error("missing inputSchema")
	}
}

func TestToolsCallRequiresIdentity(t *testing.T) {
	srv := newTestServer(t)
	sid := initialize(t, srv, nil)

	w := post(srv, nil, sid, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"whoami"}}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	resp := decode(t, w)
	if resp.Error == nil || resp.Error.Code != rpc.CodeUnauthorized {
		t.Errorf("error = %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
}

func TestToolsCallWhoami(t *testing.T) {
	srv := newTestServer(t)
	id := newIdentity(t, "user-42", "tools:read tools:write")
	sid := initialize(t, srv, id)

	resp := decode(t, post(srv, id, sid, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"whoami"}}`))
	result := callResult(t, resp)
	if result.IsError || len(result.Content) != 1 {
		t.Fatalf("result = %+v", result)
	}

	var who map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].Text), &who); err != nil {
		t.Fatalf("whoami output is not JSON: %v", err)
	}
	if who["subject"] != "user-42" {
		t.Errorf("subject = %v", who["subject"])
	}
	if who["issuer"] != testIssuer {
		t.Errorf("issuer = %v", who["issuer"])
	}
	if _, ok := who["expires_at"]; !ok {
		t.Error("missing expires_at")
	}
}

func TestToolsCallEcho(t *testing.T) {
	srv := newTestServer(t)
	id := newIdentity(t, "user-1", "")
	sid := initialize(t, srv, id)

	t.Run("text", func(t *testing.T) {
		resp := decode(t, post(srv, id, sid, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hello"}}}`))
		result := callResult(t, resp)
		if result.IsError || result.Content[0].Text != "hello" {
			t.Errorf("result = %+v", result)
		}
	})

	t.Run("missing text is a tool error", func(t *testing.T) {
		resp := decode(t, post(srv, id, sid, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo"}}`))
		result := callResult(t, resp)
		if !result.IsError {
			t.Errorf("expected isError, got %+v", result)
		}
	})
}

func TestToolsCallErrors(t *testing.T) {
	failing := &Tool{
		Definition: ToolDefinition{Name: "boom", InputSchema: json.RawMessage(`{}`)},
		Handler: func(context.Context, *auth.Identity, json.RawMessage) (string, error) {
			return "", errors.New("exploded")
		},
	}
	scoped := &Tool{
		Definition: ToolDefinition{Name: "admin", InputSchema: json.RawMessage(`{}`), RequiredScopes: []string{"admin"}},
		Handler: func(context.Context, *auth.Identity, json.RawMessage) (string, error) {
			return "ok", nil
		},
	}
	srv := newTestServer(t, failing, scoped)
	id := newIdentity(t, "user-1", "tools:read")
	sid := initialize(t, srv, id)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown tool", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope"}}`, rpc.CodeInvalidParams},
		{"missing name", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`, rpc.CodeInvalidParams},
		{"bad params", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":[1]}`, rpc.CodeInvalidParams},
		{"insufficient scope", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"admin"}}`, rpc.CodeInvalidRequest},
		{"handler failure", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"boom"}}`, rpc.CodeInternalError},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, rpc.CodeMethodNotFound},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"tools/list"}`, rpc.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(srv, id, sid, tt.body)
			if w.Code != http.StatusOK {
				t.Errorf("status = %d, want 200", w.Code)
			}
			resp := decode(t, w)
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %d", resp.Error, tt.code)
			}
		})
	}
}

func TestToolsCallScopeGranted(t *testing.T) {
	scoped := &Tool{
		Definition: ToolDefinition{Name: "admin", InputSchema: json.RawMessage(`{}`), RequiredScopes: []string{"admin"}},
		Handler: func(_ context.Context, caller *auth.Identity, _ json.RawMessage) (string, error) {
			return "hello " + caller.Subject(), nil
		},
	}
	srv := newTestServer(t, scoped)
	id := newIdentity(t, "root", "admin tools:read")
	sid := initialize(t, srv, id)

	result := callResult(t, decode(t, post(srv, id, sid, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"admin"}}`)))
	if result.Content[0].Text != "hello root" {
		t.Errorf("text = %q", result.Content[0].Text)
	}
}

func TestInvalidJSON(t *testing.T) {
	srv := newTestServer(t)
	resp := decode(t, post(srv, nil, "", `{not json`))
	if resp.Error == nil || resp.Error.Code != rpc.CodeParseError {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestDeleteSession(t *testing.T) {
	del := func(srv *Server, id *auth.Identity, sid string) int {
		req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
		if sid != "" {
			req.Header.Set(SessionHeader, sid)
		}
		if id != nil {
			req = req.WithContext(auth.WithIdentity(req.Context(), id))
		}
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		return w.Code
	}

	owner := newIdentity(t, "owner", "")
	other := newIdentity(t, "intruder", "")

	t.Run("owner can delete", func(t *testing.T) {
		srv := newTestServer(t)
		sid := initialize(t, srv, owner)
		if got := del(srv, owner, sid); got != http.StatusNoContent {
			t.Errorf("status = %d, want 204", got)
		}
		if got := del(srv, owner, sid); got != http.StatusNotFound {
			t.Errorf("second delete status = %d, want 404", got)
		}
	})

	t.Run("other subject forbidden", func(t *testing.T) {
		srv := newTestServer(t)
		sid := initialize(t, srv, owner)
		if got := del(srv, other, sid); got != http.StatusForbidden {
			t.Errorf("status = %d, want 403", got)
		}
	})

	t.Run("anonymous session", func(t *testing.T) {
		srv := newTestServer(t)
		sid := initialize(t, srv, nil)
		if got := del(srv, nil, sid); got != http.StatusUnauthorized {
			t.Errorf("status without identity = %d, want 401", got)
		}
		if got := del(srv, other, sid); got != http.StatusNoContent {
			t.Errorf("status = %d, want 204", got)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		srv := newTestServer(t)
		if got := del(srv, owner, ""); got != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", got)
		}
	})
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/mcp", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
	if w.Header().Get("Allow") == "" {
		t.Error("missing Allow header")
	}
}
