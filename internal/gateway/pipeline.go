// Package gateway composes credential resolution, admission, tenant storage
// routing and origin policy into the per-request pipeline that fronts every
// widget API handler.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/widgetkit/gateway/internal/api/middleware"
	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/credential"
	"github.com/widgetkit/gateway/internal/origin"
	"github.com/widgetkit/gateway/internal/storage/registry"
	"github.com/widgetkit/gateway/internal/telemetry"
	"github.com/widgetkit/gateway/internal/tenantdb"
)

// DefaultUsageTimeout bounds the deferred usage accounting write.
const DefaultUsageTimeout = 5 * time.Second

// HandlerFunc is business logic behind the pipeline. A returned error is
// rendered as an envelope unless the handler already wrote a response.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, s *Scope) error

// StorageRouter hands out per-request tenant connections.
type StorageRouter interface {
	Acquire(ctx context.Context, tenantID string) (*tenantdb.Handle, error)
}

// SessionVerifier validates bearer session tokens.
type SessionVerifier interface {
	Verify(raw string) (domain.Session, error)
}

// Dependencies are the stages the pipeline composes. All are required except
// Sessions.
type Dependencies struct {
	Credentials ports.CredentialResolver
	Tenants     ports.TenantStore
	Admission   ports.AdmissionPolicy
	Storage     StorageRouter
	Origins     *origin.Resolver
	Usage       ports.UsageStore
	Sessions    SessionVerifier
}

// Pipeline runs the ordered gateway stages for each request.
type Pipeline struct {
	routes        *RouteTable
	deps          Dependencies
	defaultFormat Format
	usageTimeout  time.Duration
	observer      Observer
	now           func() time.Time
	metrics       *telemetry.Metrics
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaultFormat sets the representation used when nothing else decides.
func WithDefaultFormat(f Format) Option {
	return func(p *Pipeline) {
		if f != "" {
			p.defaultFormat = f
		}
	}
}

// WithUsageTimeout bounds the deferred usage accounting write.
func WithUsageTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.usageTimeout = d
		}
	}
}

// WithObserver registers a state transition callback.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithClock sets the time stamped on usage accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMetrics records pipeline outcomes. A nil m disables recording.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger; nil keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pipeline over routes.
func New(routes *RouteTable, deps Dependencies, opts ...Option) (*Pipeline, error) {
	switch {
	case routes == nil:
		return nil, errors.New("gateway: route table is required")
	case deps.Credentials == nil:
		return nil, errors.New("gateway: credential resolver is required")
	case deps.Tenants == nil:
		return nil, errors.New("gateway: tenant store is required")
	case deps.Admission == nil:
		return nil, errors.New("gateway: admission policy is required")
	case deps.Storage == nil:
		return nil, errors.New("gateway: storage router is required")
	case deps.Origins == nil:
		return nil, errors.New("gateway: origin resolver is required")
	case deps.Usage == nil:
		return nil, errors.New("gateway: usage store is required")
	}

	p := &Pipeline{
		routes:        routes,
		deps:          deps,
		defaultFormat: FormatJSON,
		usageTimeout:  DefaultUsageTimeout,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Routes returns the pipeline's route table.
func (p *Pipeline) Routes() *RouteTable {
	return p.routes
}

// Handle wraps h in the pipeline for the named route.
func (p *Pipeline) Handle(name string, h HandlerFunc) (http.Handler, error) {
	route, ok := p.routes.ByName(name)
	if !ok {
		return nil, fmt.Errorf("gateway: handler %q has no route entry", name)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, route, h)
	}), nil
}

// Mount registers every route of the table under prefix on r, each wrapped
// in the pipeline, then validates the registration against the table.
func (p *Pipeline) Mount(r chi.Router, prefix string, handlers map[string]HandlerFunc) error {
	var errs []error
	for name := range handlers {
		if _, ok := p.routes.ByName(name); !ok {
			errs = append(errs, fmt.Errorf("handler %q has no route entry", name))
		}
	}

	r.Route(prefix, func(api chi.Router) {
		api.Use(p.Preflight)
		api.NotFound(p.NotFound())
		api.MethodNotAllowed(p.MethodNotAllowed())

		for _, route := range p.routes.Routes() {
			if !strings.HasPrefix(route.Pattern, prefix+"/") {
				errs = append(errs, fmt.Errorf("route %q: pattern %s is outside %s", route.Name, route.Pattern, prefix))
				continue
			}
			h, ok := handlers[route.Name]
			if !ok {
				errs = append(errs, fmt.Errorf("route %q has no handler", route.Name))
				continue
			}
			api.Method(route.Method, strings.TrimPrefix(route.Pattern, prefix), http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				p.serve(w, req, route, h)
			}))
		}
	})
	if len(errs) > 0 {
		return fmt.Errorf("gateway: mount %s: %w", prefix, errors.Join(errs...))
	}
	return p.routes.Validate(r, prefix)
}

// request carries one pipeline run. It is never shared between goroutines.
type request struct {
	p       *Pipeline
	id      string
	state   State
	span    trace.Span
	started time.Time
}

func (rq *request) to(ctx context.Context, next State) {
	prev := rq.state
	rq.state = next
	rq.p.metrics.ObserveStage(string(next), rq.started)
	rq.started = time.Now()
	rq.span.AddEvent(string(next))
	middleware.AddLogField(ctx, "pipeline_state", string(next))
	if rq.p.observer != nil {
		rq.p.observer(rq.id, prev, next)
	}
}

// fail moves to a terminal state and renders err.
func (rq *request) fail(ctx context.Context, w http.ResponseWriter, format Format, terminal State, err *domain.APIError) {
	rq.to(ctx, terminal)
	rq.span.SetStatus(codes.Error, string(err.Code))
	middleware.AddLogField(ctx, "error_code", string(err.Code))
	if err.Err != nil {
		middleware.AddError(ctx, err.Err)
	}
	WriteError(w, format, err)
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, route Route, h HandlerFunc) {
	ctx, span := telemetry.Tracer().Start(r.Context(), "gateway."+route.Name,
		trace.WithAttributes(
			attribute.String("gateway.route", route.Name),
			attribute.String("gateway.endpoint_class", string(route.Class)),
		))
	defer span.End()
	r = r.WithContext(ctx)

	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
	rq := &request{p: p, id: middleware.GetRequestID(ctx), state: StateStart, span: span, started: time.Now()}
	defer func() {
		final := rq.state
		if !final.Terminal() {
			rq.to(ctx, StateResponded)
			final = StateResponded
		}
		p.metrics.Outcome(string(final))
	}()

	setResponseHeaders(ww.Header())
	format := Negotiate(r, nil, p.defaultFormat)

	// Credential.
	cred, err := p.deps.Credentials.Resolve(ctx, credential.ExtractKey(r))
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			rq.fail(ctx, ww, format, StateUnauthorized, domain.ErrUnauthorized(""))
			return
		}
		p.logger.Error("credential lookup failed", slog.String("request_id", rq.id), slog.String("error", err.Error()))
		rq.fail(ctx, ww, format, StateStorageUnavailable, domain.ErrDatabase(err))
		return
	}
	middleware.AddLogField(ctx, "credential_id", cred.ID)
	middleware.AddLogField(ctx, "tenant_id", cred.TenantID)
	span.SetAttributes(attribute.String("tenant.id", cred.TenantID), attribute.String("credential.id", cred.ID))

	tenant, err := p.deps.Tenants.GetTenant(ctx, cred.TenantID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			rq.fail(ctx, ww, format, StateUnauthorized, domain.ErrUnauthorized(""))
			return
		}
		p.logger.Error("tenant lookup failed", slog.String("tenant_id", cred.TenantID), slog.String("error", err.Error()))
		rq.fail(ctx, ww, format, StateStorageUnavailable, domain.ErrDatabase(err))
		return
	}
	format = Negotiate(r, tenant, p.defaultFormat)
	if !tenant.Active() {
		rq.fail(ctx, ww, format, StateForbidden, domain.ErrForbidden("Tenant is suspended"))
		return
	}
	if !cred.HasPermission(route.Permission) {
		rq.fail(ctx, ww, format, StateForbidden,
			domain.ErrForbidden(fmt.Sprintf("API key lacks the %s permission", route.Permission)))
		return
	}
	session, apiErr := p.session(r, route, tenant)
	if apiErr != nil {
		terminal := StateUnauthorized
		if apiErr.Code == domain.ErrorCodeForbidden {
			terminal = StateForbidden
		}
		rq.fail(ctx, ww, format, terminal, apiErr)
		return
	}
	rq.to(ctx, StateCredentialResolved)

	// Admission.
	decision, err := p.deps.Admission.Check(ctx, &ports.AdmissionRequest{
		Tenant:     tenant,
		Credential: cred,
		ClientAddr: clientAddr(r),
		Class:      route.Class,
		Format:     string(format),
	})
	if err != nil {
		p.logger.Error("admission check failed", slog.String("tenant_id", tenant.ID), slog.String("error", err.Error()))
		rq.fail(ctx, ww, format, StateStorageUnavailable, domain.ErrDatabase(err))
		return
	}
	setRateLimitHeaders(ww.Header(), decision.RateLimitInfo)
	if !decision.Allow {
		ww.Header().Set("Retry-After", fmt.Sprint(decision.RetryAfter))
		middleware.AddLogField(ctx, "rate_limit_scope", decision.Scope)
		rq.fail(ctx, ww, format, StateRateLimited, domain.ErrRateLimit(decision.Scope, decision.RetryAfter))
		return
	}
	rq.to(ctx, StateAdmissionCleared)
	defer p.recordUsage(ctx, cred, tenant)

	// Storage.
	handle, err := p.deps.Storage.Acquire(ctx, tenant.ID)
	if err != nil {
		p.logger.Error("tenant storage unavailable",
			slog.String("request_id", rq.id),
			slog.String("tenant_id", tenant.ID),
			slog.String("error", err.Error()),
		)
		rq.fail(ctx, ww, format, StateStorageUnavailable, domain.ErrDatabase(err))
		return
	}
	rq.to(ctx, StateStorageAcquired)
	defer func() {
		if err := handle.Release(); err != nil {
			p.logger.Warn("release tenant storage", slog.String("tenant_id", tenant.ID), slog.String("error", err.Error()))
		}
		rq.to(ctx, StateReleased)
	}()

	// Origin.
	p.deps.Origins.Annotate(ww, r.Header.Get("Origin"), p.deps.Origins.AllowedOrigins(tenant))
	rq.to(ctx, StateOriginAuthorized)

	// Handler.
	scope := &Scope{
		RequestID:  rq.id,
		Route:      route,
		Tenant:     tenant,
		Credential: cred,
		Session:    session,
		Format:     format,
		Conn:       handle.Conn(),
	}
	rq.to(ctx, StateHandlerInvoked)
	if err := p.invoke(ww, r.WithContext(WithScope(ctx, scope)), h, scope); err != nil {
		apiErr := domain.AsAPIError(err)
		if apiErr.Code == domain.ErrorCodeInternalServer || apiErr.Type == domain.ErrorTypeStorage {
			p.logger.Error("handler failed",
				slog.String("request_id", rq.id),
				slog.String("route", route.Name),
				slog.String("tenant_id", tenant.ID),
				slog.String("error", err.Error()),
			)
			span.RecordError(err)
		}
		middleware.AddLogField(ctx, "error_code", string(apiErr.Code))
		if ww.Status() == 0 {
			WriteError(ww, format, apiErr)
		}
	}
}

// invoke runs h, turning a panic into an internal error so deferred release
// and accounting still run on the normal return path.
func (p *Pipeline) invoke(w http.ResponseWriter, r *http.Request, h HandlerFunc, s *Scope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = domain.ErrInternal().WithCause(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	return h(w, r, s)
}

// session extracts and verifies the bearer token, if any. Only routes that
// require a session reject an unusable token; elsewhere it is ignored, since
// a comment body may carry an unrelated "token" field.
func (p *Pipeline) session(r *http.Request, route Route, tenant *domain.Tenant) (*domain.Session, *domain.APIError) {
	raw := bearerToken(r)
	if raw == "" {
		if route.Session {
			return nil, domain.ErrUnauthorized("Session token required")
		}
		return nil, nil
	}

	var apiErr *domain.APIError
	switch s, err := p.verify(raw); {
	case errors.Is(err, errSessionsDisabled):
		apiErr = domain.ErrUnauthorized("Session tokens are not enabled")
	case err != nil:
		apiErr = domain.ErrUnauthorized("Invalid or expired session token").WithCause(err)
	case s.TenantID != tenant.ID:
		apiErr = domain.ErrForbidden("Session token belongs to another tenant")
	default:
		return &s, nil
	}
	if !route.Session {
		p.logger.Debug("ignoring unusable session token",
			slog.String("route", route.Name),
			slog.String("reason", apiErr.Message),
		)
		return nil, nil
	}
	return nil, apiErr
}

var errSessionsDisabled = errors.New("session tokens are not enabled")

func (p *Pipeline) verify(raw string) (domain.Session, error) {
	if p.deps.Sessions == nil {
		return domain.Session{}, errSessionsDisabled
	}
	return p.deps.Sessions.Verify(raw)
}

func (p *Pipeline) recordUsage(ctx context.Context, cred *domain.Credential, tenant *domain.Tenant) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.usageTimeout)
	defer cancel()
	if err := p.deps.Usage.RecordUsage(ctx, cred.ID, tenant.ID, p.now()); err != nil {
		p.logger.Warn("usage accounting failed",
			slog.String("tenant_id", tenant.ID),
			slog.String("credential_id", cred.ID),
			slog.String("error", err.Error()),
		)
	}
}

// bearerToken reads the session token from Authorization or the body field token.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if fields := credential.BodyFields(r); fields != nil {
		return fields["token"]
	}
	return ""
}

// clientAddr is the host part of RemoteAddr. Proxy headers are honoured only
// when the server installs a real-IP middleware in front of the pipeline.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setResponseHeaders(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}

func setRateLimitHeaders(h http.Header, info *ports.RateLimitInfo) {
	if info == nil {
		return
	}
	h.Set("X-Rate-Limit-Limit", fmt.Sprint(info.Limit))
	h.Set("X-Rate-Limit-Remaining", fmt.Sprint(info.Remaining))
	h.Set("X-Rate-Limit-Reset", fmt.Sprint(info.ResetAt))
}
