// Package tools holds the callable tool table, the category filters that
// expose subsets of it, and the interceptor chain tool calls run through.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/verdure-mcp/gateway/internal/auth"
)

var (
	// ErrUnknownTool is returned for a tool that is not registered or not
	// exposed by the requested category.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when call arguments do not decode or
	// miss a required value.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Invocation is one tool call as it moves through the interceptor chain.
type Invocation struct {
	Category string
	Tool     string
	Bearer   string
	Args     json.RawMessage
	Headers  http.Header
	Identity *auth.Identity // nil for anonymous calls
}

// Bind decodes the call arguments into v.
func (inv *Invocation) Bind(v any) error {
	if len(inv.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(inv.Args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Handler executes a tool.
type Handler func(ctx context.Context, inv *Invocation) (any, error)

// Param describes one tool argument.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// Tool is a registry entry.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
	QuotaBound  bool    `json:"quota_bound,omitempty"` // consumes the daily image quota
	Handler     Handler `json:"-"`
}

// CheckArgs reports ErrInvalidArguments when a required parameter is
// missing, null or a blank string.
func (t Tool) CheckArgs(inv *Invocation) error {
	var args map[string]any
	if err := inv.Bind(&args); err != nil {
		return err
	}
	for _, p := range t.Params {
		if !p.Required {
			continue
		}
		v, ok := args[p.Name]
		if s, isStr := v.(string); !ok || v == nil || (isStr && strings.TrimSpace(s) == "") {
			return fmt.Errorf("%w: %s is required", ErrInvalidArguments, p.Name)
		}
	}
	return nil
}

// Registry is an immutable, ordered tool table.
type Registry struct {
	tools  []Tool
	byName map[string]int
}

// NewRegistry builds a registry. Names must be unique and every tool needs
// a handler.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(tools))}
	for _, t := range tools {
		if t.Name == "" || t.Handler == nil {
			return nil, fmt.Errorf("tool %q: name and handler are required", t.Name)
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", t.Name)
		}
		r.byName[t.Name] = len(r.tools)
		r.tools = append(r.tools, t)
	}
	return r, nil
}

// Lookup returns the tool named name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// All returns every tool in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, len(r.tools))
	copy(out, r.tools)
	return out
}
