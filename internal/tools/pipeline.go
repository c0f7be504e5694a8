package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/verdure-mcp/gateway/internal/auth"
)

// Next continues the chain.
type Next func(ctx context.Context, inv *Invocation) (any, error)

// Interceptor is one stage of the tool call chain.
type Interceptor interface {
	Intercept(ctx context.Context, inv *Invocation, next Next) (any, error)
}

// InterceptorFunc adapts a function to Interceptor.
type InterceptorFunc func(ctx context.Context, inv *Invocation, next Next) (any, error)

// Intercept calls f.
func (f InterceptorFunc) Intercept(ctx context.Context, inv *Invocation, next Next) (any, error) {
	return f(ctx, inv, next)
}

// Chain composes interceptors in order. The last stage receives a Next that
// returns ErrUnknownTool, so a chain must end in a stage that dispatches.
func Chain(interceptors ...Interceptor) Next {
	next := Next(func(_ context.Context, inv *Invocation) (any, error) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
	})
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic, n := interceptors[i], next
		next = func(ctx context.Context, inv *Invocation) (any, error) {
			return ic.Intercept(ctx, inv, n)
		}
	}
	return next
}

// Pipeline is the standard auth, quota, routing chain.
type Pipeline struct {
	registry   *Registry
	categories *Categories
	call       Next
}

// PipelineOptions configures NewPipeline.
type PipelineOptions struct {
	Auth         *auth.Authenticator
	RequireToken bool
}

// NewPipeline composes the tool call chain once.
func NewPipeline(r *Registry, cats *Categories, opts PipelineOptions, logger *slog.Logger) *Pipeline {
	logger = logger.With("component", "tools")
	return &Pipeline{
		registry:   r,
		categories: cats,
		call: Chain(
			&AuthInterceptor{auth: opts.Auth, require: opts.RequireToken, logger: logger},
			&QuotaInterceptor{registry: r, categories: cats, tokens: opts.Auth.Tokens(), logger: logger},
			&RoutingInterceptor{registry: r, categories: cats, logger: logger},
		),
	}
}

// List returns the tools exposed by category.
func (p *Pipeline) List(category string) []Tool {
	return p.categories.Filter(p.registry, category)
}

// Call runs inv through the chain.
func (p *Pipeline) Call(ctx context.Context, inv *Invocation) (any, error) {
	return p.call(ctx, inv)
}

// AuthInterceptor resolves the bearer as an opaque API token. When tokens
// are not required, a call without a bearer proceeds anonymously; a bearer
// that is present must still be valid.
type AuthInterceptor struct {
	auth    *auth.Authenticator
	require bool
	logger  *slog.Logger
}

func (a *AuthInterceptor) Intercept(ctx context.Context, inv *Invocation, next Next) (any, error) {
	if inv.Bearer == "" && !a.require {
		return next(ctx, inv)
	}
	id, err := a.auth.AuthenticateToken(ctx, inv.Bearer)
	if err != nil {
		a.logger.Warn("tool call rejected", "tool", inv.Tool, "reason", "invalid token")
		return nil, auth.ErrUnauthorized
	}
	inv.Identity = id
	return next(ctx, inv)
}

// QuotaInterceptor consumes one unit of the caller's daily image quota
// before a quota-bound tool runs. Anonymous calls are not metered, and calls
// missing a required argument are rejected before anything is charged.
type QuotaInterceptor struct {
	registry   *Registry
	categories *Categories
	tokens     *auth.TokenService
	logger     *slog.Logger
}

func (q *QuotaInterceptor) Intercept(ctx context.Context, inv *Invocation, next Next) (any, error) {
	t, ok := q.registry.Lookup(inv.Tool)
	if !ok || !t.QuotaBound || inv.Identity == nil || inv.Identity.TokenID == "" {
		return next(ctx, inv)
	}
	// Calls the routing stage will refuse are not charged.
	if !q.categories.Resolve(inv.Category).Match(t.Name) {
		return next(ctx, inv)
	}
	if err := t.CheckArgs(inv); err != nil {
		return nil, err
	}
	tokenID := inv.Identity.TokenID
	if !q.tokens.CheckLimit(ctx, tokenID) || !q.tokens.Increment(ctx, tokenID) {
		q.logger.Info("daily image limit reached", "token_id", tokenID, "tool", inv.Tool)
		return nil, auth.ErrQuotaExceeded
	}
	return next(ctx, inv)
}

// RoutingInterceptor dispatches to the tool handler when the category
// exposes the tool.
type RoutingInterceptor struct {
	registry   *Registry
	categories *Categories
	logger     *slog.Logger
}

func (r *RoutingInterceptor) Intercept(ctx context.Context, inv *Invocation, next Next) (any, error) {
	t, ok := r.registry.Lookup(inv.Tool)
	if !ok || !r.categories.Resolve(inv.Category).Match(t.Name) {
		return next(ctx, inv)
	}
	r.logger.Debug("dispatching tool", "tool", t.Name, "category", inv.Category)
	return t.Handler(ctx, inv)
}
