// ABOUTME: Tests for the tool registry and the audit_recent tool
// ABOUTME: audit_recent runs against a real SQLite store

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcpgate/internal/auth"
	"github.com/2389/mcpgate/internal/store"
)

func noop(context.Context, *auth.Identity, json.RawMessage) (string, error) { return "", nil }

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Tool{Definition: ToolDefinition{Name: "a"}, Handler: noop}))

	err := reg.Register(
		&Tool{Definition: ToolDefinition{Name: "b"}, Handler: noop},
		&Tool{Definition: ToolDefinition{Name: "a"}, Handler: noop},
	)
	assert.ErrorIs(t, err, ErrDuplicateTool)

	// A failed batch registers nothing.
	_, err = reg.Get("b")
	assert.ErrorIs(t, err, ErrToolNotFound)

	assert.Error(t, reg.Register(&Tool{Definition: ToolDefinition{Name: ""}, Handler: noop}))
	assert.Error(t, reg.Register(&Tool{Definition: ToolDefinition{Name: "c"}}))
	assert.ErrorIs(t, reg.Register(
		&Tool{Definition: ToolDefinition{Name: "d"}, Handler: noop},
		&Tool{Definition: ToolDefinition{Name: "d"}, Handler: noop},
	), ErrDuplicateTool)
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&Tool{Definition: ToolDefinition{Name: name}, Handler: noop}))
	}

	var names []string
	for _, tool := range reg.List() {
		names = append(names, tool.Definition.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestHasRequiredScopes(t *testing.T) {
	assert.True(t, hasRequiredScopes(nil, nil))
	assert.True(t, hasRequiredScopes([]string{"a", "b"}, []string{"b"}))
	assert.False(t, hasRequiredScopes([]string{"a"}, []string{"a", "b"}))
	assert.False(t, hasRequiredScopes(nil, []string{"a"}))
}

func TestAuditTool(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	method := "tools/call"
	mine, theirs := "user-1", "user-2"
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, sub := range []string{mine, theirs, mine} {
		require.NoError(t, st.AppendAuditLog(ctx, &store.AuditEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Method:    &method,
			Outcome:   "authenticated",
			Subject:   &sub,
			Status:    200,
		}))
	}

	tool := AuditTool(st)
	caller := newIdentity(t, mine, "")

	out, err := tool.Handler(ctx, caller, json.RawMessage(`{}`))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "2026-05-01T09:02:00Z"), "newest first: %q", lines[0])
	assert.Contains(t, lines[0], "tools/call authenticated 200")

	out, err = tool.Handler(ctx, caller, json.RawMessage(`{"limit":1}`))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)

	stranger := newIdentity(t, "nobody", "")
	out, err = tool.Handler(ctx, stranger, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "no recorded requests", out)

	_, err = tool.Handler(ctx, caller, json.RawMessage(`{"limit":"ten"}`))
	assert.True(t, errors.Is(err, ErrInvalidArguments))
}
