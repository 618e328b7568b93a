// ABOUTME: Built-in tools served by the gate: whoami, echo, and audit_recent
// ABOUTME: Each tool sees the verified caller identity attached by the gate

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/mcpgate/internal/auth"
	"github.com/2389/mcpgate/internal/store"
)

// BuiltinTools returns the tools every gate serves.
func BuiltinTools() []*Tool {
	return []*Tool{
		{
			Definition: ToolDefinition{
				Name:        "whoami",
				Description: "Describe the identity the gate verified for this call",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Handler: whoami,
		},
		{
			Definition: ToolDefinition{
				Name:        "echo",
				Description: "Return the given text unchanged",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
			},
			Handler: echo,
		},
	}
}

func whoami(_ context.Context, caller *auth.Identity, _ json.RawMessage) (string, error) {
	out := map[string]any{
		"subject":   caller.Subject(),
		"issuer":    caller.Issuer(),
		"audiences": caller.Audiences(),
		"scopes":    caller.Scopes(),
	}
	if exp := caller.ExpiresAt(); !exp.IsZero() {
		out["expires_at"] = exp.UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding identity: %w", err)
	}
	return string(data), nil
}

type echoInput struct {
	Text *string `json:"text"`
}

func echo(_ context.Context, _ *auth.Identity, input json.RawMessage) (string, error) {
	var in echoInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if in.Text == nil {
		return "", fmt.Errorf("%w: text is required", ErrInvalidArguments)
	}
	return *in.Text, nil
}

// ErrInvalidArguments is returned by tool handlers for unusable arguments.
var ErrInvalidArguments = errors.New("invalid arguments")

// AuditLister is the part of store.AuditStore the audit tool reads.
type AuditLister interface {
	ListAuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error)
}

type auditRecentInput struct {
	Limit int `json:"limit"`
}

// AuditTool lets a caller read their own recent requests from the audit log.
func AuditTool(st AuditLister) *Tool {
	return &Tool{
		Definition: ToolDefinition{
			Name:        "audit_recent",
			Description: "List your most recent requests recorded by the gate",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"limit":{"type":"integer","minimum":1,"maximum":100}}}`),
		},
		Handler: func(ctx context.Context, caller *auth.Identity, input json.RawMessage) (string, error) {
			var in auditRecentInput
			if err := json.Unmarshal(input, &in); err != nil {
				return "", fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
			if in.Limit <= 0 || in.Limit > 100 {
				in.Limit = 20
			}

			subject := caller.Subject()
			entries, err := st.ListAuditLog(ctx, store.AuditFilter{Subject: &subject, Limit: in.Limit})
			if err != nil {
				return "", fmt.Errorf("listing audit log: %w", err)
			}

			var b strings.Builder
			for _, e := range entries {
				method := "-"
				if e.Method != nil {
					method = *e.Method
				}
				fmt.Fprintf(&b, "%s %s %s %d\n", e.Timestamp.UTC().Format(time.RFC3339), method, e.Outcome, e.Status)
			}
			if b.Len() == 0 {
				return "no recorded requests", nil
			}
			return b.String(), nil
		},
	}
}
