package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/widgetkit/gateway/internal/api/middleware"
	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/credential"
	"github.com/widgetkit/gateway/internal/origin"
	"github.com/widgetkit/gateway/internal/storage/registry"
)

// Preflight answers CORS preflights before routing. The tenant is taken from
// a resolvable API key or, failing that, from the Origin header; the request
// origin is then checked against that tenant's origins plus the global list.
// Preflights are never rate limited and never touch tenant storage.
func (p *Pipeline) Preflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !origin.IsPreflight(r) {
			next.ServeHTTP(w, r)
			return
		}

		tenant := p.preflightTenant(r)
		if p.deps.Origins.HandlePreflight(w, r, p.deps.Origins.AllowedOrigins(tenant)) {
			p.metrics.Outcome(string(StatePreflight))
			return
		}

		middleware.AddLogField(r.Context(), "pipeline_state", string(StateOriginRejected))
		p.metrics.Outcome(string(StateOriginRejected))
		setResponseHeaders(w.Header())
		WriteError(w, Negotiate(r, tenant, p.defaultFormat), domain.ErrForbidden("Origin not allowed"))
	})
}

// preflightTenant finds the tenant whose origins apply to a preflight. A key
// is rarely present since browsers strip custom headers from preflights, so the
// Origin header itself selects the tenant when no key resolves.
func (p *Pipeline) preflightTenant(r *http.Request) *domain.Tenant {
	ctx := r.Context()
	if key := credential.ExtractKey(r); key != "" {
		if cred, err := p.deps.Credentials.Resolve(ctx, key); err == nil {
			tenant, err := p.deps.Tenants.GetTenant(ctx, cred.TenantID)
			if err == nil {
				return tenant
			}
			p.logger.Debug("preflight tenant lookup failed", slog.String("tenant_id", cred.TenantID), slog.String("error", err.Error()))
		}
	}

	o := r.Header.Get("Origin")
	if o == "" {
		return nil
	}
	tenant, err := p.deps.Tenants.FindTenantByOrigin(ctx, o)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			p.logger.Warn("preflight origin lookup failed", slog.String("origin", o), slog.String("error", err.Error()))
		}
		return nil
	}
	return tenant
}

// NotFound renders RESOURCE_NOT_FOUND for unrouted API paths.
func (p *Pipeline) NotFound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setResponseHeaders(w.Header())
		WriteError(w, Negotiate(r, nil, p.defaultFormat), domain.ErrNotFound("Endpoint not found"))
	}
}

// MethodNotAllowed renders METHOD_NOT_ALLOWED.
func (p *Pipeline) MethodNotAllowed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setResponseHeaders(w.Header())
		WriteError(w, Negotiate(r, nil, p.defaultFormat), domain.ErrMethodNotAllowed())
	}
}

// Internal renders the generic INTERNAL_SERVER_ERROR envelope. It is the
// fallback for the outermost panic recovery.
func (p *Pipeline) Internal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setResponseHeaders(w.Header())
		WriteError(w, Negotiate(r, nil, p.defaultFormat), domain.ErrInternal())
	}
}
