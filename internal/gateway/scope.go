package gateway

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/widgetkit/gateway/internal/core/domain"
)

// Scope is what the pipeline hands to business logic: the resolved tenant,
// credential and session plus the tenant's storage connection. The connection
// belongs to the current request only.
type Scope struct {
	RequestID  string
	Route      Route
	Tenant     *domain.Tenant
	Credential *domain.Credential
	Session    *domain.Session
	Format     Format
	Conn       *sqlx.Conn
}

type scopeKey struct{}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the Scope attached by the pipeline, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}
