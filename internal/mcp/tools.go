// ABOUTME: In-process tool registry backing tools/list and tools/call
// ABOUTME: Tools may require scopes that the caller's identity must carry

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/mcpgate/internal/auth"
)

var (
	// ErrToolNotFound is returned when no tool has the requested name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// ToolHandler executes a tool for a verified caller. input is the raw
// arguments object; the result is returned to the client as text.
type ToolHandler func(ctx context.Context, caller *auth.Identity, input json.RawMessage) (string, error)

// ToolDefinition describes a tool to clients.
type ToolDefinition struct {
	Name           string
	Description    string
	InputSchema    json.RawMessage
	RequiredScopes []string
}

// Tool is a tool that executes in the gate process.
type Tool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// Registry holds the tools exposed through MCP.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds tools. It fails without registering anything if a name is
// empty or taken.
func (r *Registry) Register(tools ...*Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := t.Definition.Name
		if name == "" {
			return errors.New("tool name is required")
		}
		if t.Handler == nil {
			return fmt.Errorf("tool %q has no handler", name)
		}
		if _, exists := r.tools[name]; exists || seen[name] {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		seen[name] = true
	}
	for _, t := range tools {
		r.tools[t.Definition.Name] = t
	}
	return nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// List returns every tool sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}

// hasRequiredScopes checks if the caller has all required scopes.
func hasRequiredScopes(callerScopes, requiredScopes []string) bool {
	if len(requiredScopes) == 0 {
		return true
	}

	scopeSet := make(map[string]struct{}, len(callerScopes))
	for _, s := range callerScopes {
		scopeSet[s] = struct{}{}
	}

	for _, req := range requiredScopes {
		if _, has := scopeSet[req]; !has {
			return false
		}
	}
	return true
}
