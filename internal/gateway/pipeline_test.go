package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"

	"github.com/widgetkit/gateway/internal/admission"
	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/credential"
	"github.com/widgetkit/gateway/internal/origin"
	"github.com/widgetkit/gateway/internal/storage/registry"
	"github.com/widgetkit/gateway/internal/tenantdb"
	"github.com/widgetkit/gateway/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testRoutes = []Route{
	{Name: "echo.read", Method: http.MethodGet, Pattern: "/api/echo", Permission: domain.PermCommentsRead, Class: domain.ClassRead},
	{Name: "echo.write", Method: http.MethodPost, Pattern: "/api/echo", Permission: domain.PermCommentsWrite, Class: domain.ClassWrite},
	{Name: "echo.me", Method: http.MethodGet, Pattern: "/api/me", Permission: domain.PermAuthSession, Class: domain.ClassAuth, Session: true},
	{Name: "echo.panic", Method: http.MethodGet, Pattern: "/api/panic", Permission: domain.PermCommentsRead, Class: domain.ClassRead},
	{Name: "echo.invalid", Method: http.MethodGet, Pattern: "/api/invalid", Permission: domain.PermCommentsRead, Class: domain.ClassRead},
	{Name: "echo.cancel", Method: http.MethodGet, Pattern: "/api/cancel", Permission: domain.PermCommentsRead, Class: domain.ClassRead},
}

type harness struct {
	t        *testing.T
	registry *registry.Store
	counters *admission.MemoryStore
	router   *tenantdb.Router
	issuer   *token.Issuer
	mux      chi.Router
	key      string

	mu     sync.Mutex
	states []State
	cancel context.CancelFunc
}

type harnessOptions struct {
	limits   admission.Limits
	migrator tenantdb.MigratorFunc
	perms    []domain.Permission
	rpm      int
	// noSessions leaves the pipeline without a session verifier.
	noSessions bool
}

func generousLimits() admission.Limits {
	return admission.Limits{
		Window:     time.Minute,
		Global:     1000,
		Tenant:     1000,
		Credential: 1000,
		Client:     1000,
		EndpointClass: map[domain.EndpointClass]int{
			domain.ClassRead:  1000,
			domain.ClassWrite: 1000,
			domain.ClassAuth:  1000,
		},
	}
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	if err := reg.CreateTenant(ctx, &domain.Tenant{ID: "acme", Name: "Acme", Domain: "acme.test"}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
	if err := reg.CreateTenant(ctx, &domain.Tenant{ID: "globex", Name: "Globex", Domain: "globex.test"}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	key, err := credential.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	perms := opts.perms
	if perms == nil {
		perms = []domain.Permission{domain.PermWildcard}
	}
	if err := reg.CreateCredential(ctx, &domain.Credential{
		ID:                 "cred-1",
		TenantID:           "acme",
		KeyHash:            credential.HashKey(key),
		KeyPrefix:          credential.Prefix(key),
		Name:               "primary",
		Permissions:        perms,
		RateLimitPerMinute: opts.rpm,
		ExpiresAt:          time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}

	var router *tenantdb.Router
	if opts.migrator != nil {
		router, err = tenantdb.NewRouter(t.TempDir(), opts.migrator, tenantdb.WithLogger(logger))
	} else {
		router, err = tenantdb.NewRouter(t.TempDir(), nil, tenantdb.WithLogger(logger))
	}
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	limits := opts.limits
	if limits.Window == 0 {
		limits = generousLimits()
	}
	counters := admission.NewMemoryStore(0, nil)
	t.Cleanup(func() { counters.Close() })

	issuer, err := token.NewIssuer(testSecret, "widget-gateway", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	table, err := NewRouteTable(testRoutes...)
	if err != nil {
		t.Fatalf("NewRouteTable() error = %v", err)
	}

	h := &harness{t: t, registry: reg, counters: counters, router: router, issuer: issuer, key: key}
	deps := Dependencies{
		Credentials: credential.NewCache(reg, credential.WithLogger(logger)),
		Tenants:     reg,
		Admission:   admission.NewController(counters, limits, admission.WithLogger(logger)),
		Storage:     router,
		Origins:     origin.NewResolver([]string{"https://admin.widgetkit.test"}, false),
		Usage:       reg,
	}
	if !opts.noSessions {
		deps.Sessions = issuer
	}
	p, err := New(table, deps,
		WithLogger(logger),
		WithObserver(func(_ string, _, to State) {
			h.mu.Lock()
			h.states = append(h.states, to)
			h.mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	mux := chi.NewRouter()
	if err := p.Mount(mux, "/api", h.handlers()); err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	h.mux = mux
	return h
}

func (h *harness) handlers() map[string]HandlerFunc {
	echo := func(w http.ResponseWriter, r *http.Request, s *Scope) error {
		var n int
		if err := s.Conn.GetContext(r.Context(), &n, `SELECT COUNT(*) FROM comments`); err != nil {
			return domain.ErrDatabase(err)
		}
		if ScopeFrom(r.Context()) != s {
			return errors.New("scope missing from context")
		}
		Respond(w, r, http.StatusOK, "ok", map[string]any{"tenant": s.Tenant.ID, "comments": n})
		return nil
	}
	return map[string]HandlerFunc{
		"echo.read":  echo,
		"echo.write": echo,
		"echo.me": func(w http.ResponseWriter, r *http.Request, s *Scope) error {
			Respond(w, r, http.StatusOK, "ok", map[string]string{"user_id": s.Session.UserID})
			return nil
		},
		"echo.panic": func(w http.ResponseWriter, r *http.Request, s *Scope) error {
			panic("handler exploded")
		},
		"echo.invalid": func(w http.ResponseWriter, r *http.Request, s *Scope) error {
			return domain.ErrValidation("Invalid payload", map[string]string{"body": "required"})
		},
		"echo.cancel": func(w http.ResponseWriter, r *http.Request, s *Scope) error {
			h.cancel()
			<-r.Context().Done()
			return r.Context().Err()
		},
	}
}

func (h *harness) do(method, target string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	h.t.Helper()
	h.mu.Lock()
	h.states = nil
	h.mu.Unlock()

	req := httptest.NewRequest(method, target, nil)
	req.Header.Set(credential.HeaderName, h.key)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func (h *harness) visited() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

func (h *harness) usage() (int64, int64) {
	h.t.Helper()
	cred, err := h.registry.GetCredential(context.Background(), "cred-1")
	if err != nil {
		h.t.Fatalf("GetCredential() error = %v", err)
	}
	tenant, err := h.registry.GetTenant(context.Background(), "acme")
	if err != nil {
		h.t.Fatalf("GetTenant() error = %v", err)
	}
	return cred.TotalRequests, tenant.TotalRequests
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestPipeline_Success(t *testing.T) {
	h := newHarness(t, harnessOptions{rpm: 2})

	rec := h.do(http.MethodGet, "/api/echo", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	env := decode(t, rec)
	if !env.Success || env.Message != "ok" {
		t.Errorf("envelope = %+v", env)
	}

	want := []State{
		StateCredentialResolved, StateAdmissionCleared, StateStorageAcquired,
		StateOriginAuthorized, StateHandlerInvoked, StateReleased, StateResponded,
	}
	got := h.visited()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "SAMEORIGIN",
		"Cache-Control":          "no-store, no-cache, must-revalidate",
		"Pragma":                 "no-cache",
		"Expires":                "0",
		"X-Rate-Limit-Limit":     "2",
		"X-Rate-Limit-Remaining": "1",
	}
	for k, v := range headers {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if rec.Header().Get("X-XSS-Protection") == "" || rec.Header().Get("X-Rate-Limit-Reset") == "" {
		t.Error("missing X-XSS-Protection or X-Rate-Limit-Reset")
	}

	if _, err := os.Stat(filepath.Join(h.router.Root(), "acme"+tenantdb.FileExt)); err != nil {
		t.Errorf("tenant storage file not created: %v", err)
	}
	if n := h.router.OpenHandles(); n != 0 {
		t.Errorf("OpenHandles() = %d, want 0", n)
	}
	if credTotal, tenantTotal := h.usage(); credTotal != 1 || tenantTotal != 1 {
		t.Errorf("usage = (%d, %d), want (1, 1)", credTotal, tenantTotal)
	}
}

func TestPipeline_Unauthorized(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.registry.CreateCredential(context.Background(), &domain.Credential{
		ID: "cred-revoked", TenantID: "acme", KeyHash: credential.HashKey(strings.Repeat("R", 64)),
		Status: domain.StatusRevoked, Permissions: []domain.Permission{domain.PermWildcard},
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"missing", func(r *http.Request) { r.Header.Del(credential.HeaderName) }},
		{"malformed", func(r *http.Request) { r.Header.Set(credential.HeaderName, "short") }},
		{"unknown", func(r *http.Request) { r.Header.Set(credential.HeaderName, strings.Repeat("U", 64)) }},
		{"revoked", func(r *http.Request) { r.Header.Set(credential.HeaderName, strings.Repeat("R", 64)) }},
	}

	var bodies []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodGet, "/api/echo", tt.mutate)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			env := decode(t, rec)
			if env.Code != domain.ErrorCodeUnauthorized {
				t.Errorf("code = %q", env.Code)
			}
			bodies = append(bodies, rec.Body.String())
		})
	}
	for i := 1; i < len(bodies); i++ {
		if b := bodies[i]; b != bodies[0] {
			t.Errorf("unauthorized bodies differ: %q vs %q", b, bodies[0])
		}
	}
	if n := h.counters.Len(); n != 0 {
		t.Errorf("counters touched by unauthenticated requests: %d", n)
	}
}

func TestPipeline_KeyFromQuery(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(http.MethodGet, "/api/echo?api_key="+h.key, func(r *http.Request) {
		r.Header.Del(credential.HeaderName)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPipeline_CredentialRateLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{rpm: 2})

	for i := 1; i <= 2; i++ {
		if rec := h.do(http.MethodPost, "/api/echo", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, body = %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := h.do(http.MethodPost, "/api/echo", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 3 status = %d, want 429", rec.Code)
	}
	env := decode(t, rec)
	if env.Code != domain.ErrorCodeRateLimitExceeded {
		t.Errorf("code = %q", env.Code)
	}
	data, _ := env.Data.(map[string]any)
	if data["scope"] != "credential:cred-1" {
		t.Errorf("scope = %v", data["scope"])
	}
	if ra, _ := data["retry_after"].(float64); ra <= 0 || ra > 60 {
		t.Errorf("retry_after = %v", data["retry_after"])
	}
	if rec.Header().Get("Retry-After") == "" || rec.Header().Get("Retry-After") == "0" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	for _, s := range h.visited() {
		if s == StateStorageAcquired {
			t.Error("rate-limited request acquired storage")
		}
	}
	if credTotal, _ := h.usage(); credTotal != 2 {
		t.Errorf("credential total = %d, want 2", credTotal)
	}
}

func TestPipeline_SuspendedTenant(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.registry.SetTenantStatus(context.Background(), "acme", domain.StatusSuspended); err != nil {
		t.Fatalf("SetTenantStatus() error = %v", err)
	}

	rec := h.do(http.MethodGet, "/api/echo", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if n := h.counters.Len(); n != 0 {
		t.Errorf("suspended tenant touched %d counters", n)
	}
	if credTotal, _ := h.usage(); credTotal != 0 {
		t.Errorf("credential total = %d, want 0", credTotal)
	}
}

func TestPipeline_PermissionDenied(t *testing.T) {
	h := newHarness(t, harnessOptions{perms: []domain.Permission{domain.PermCommentsRead}})

	if rec := h.do(http.MethodGet, "/api/echo", nil); rec.Code != http.StatusOK {
		t.Fatalf("read status = %d, want 200", rec.Code)
	}
	rec := h.do(http.MethodPost, "/api/echo", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("write status = %d, want 403", rec.Code)
	}
	if env := decode(t, rec); env.Code != domain.ErrorCodeForbidden || !strings.Contains(env.Message, "comments.write") {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPipeline_StorageUnavailable(t *testing.T) {
	h := newHarness(t, harnessOptions{migrator: func(ctx context.Context, db *sqlx.DB) error {
		return errors.New("disk full at /secret/path")
	}})

	rec := h.do(http.MethodGet, "/api/echo", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	env := decode(t, rec)
	if env.Code != domain.ErrorCodeDatabaseError {
		t.Errorf("code = %q", env.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("internal error detail leaked to the client")
	}
	if credTotal, tenantTotal := h.usage(); credTotal != 1 || tenantTotal != 1 {
		t.Errorf("usage = (%d, %d), want (1, 1) after admission cleared", credTotal, tenantTotal)
	}
}

func TestPipeline_HandlerPanicReleases(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodGet, "/api/panic", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	env := decode(t, rec)
	if env.Code != domain.ErrorCodeInternalServer || strings.Contains(rec.Body.String(), "exploded") {
		t.Errorf("envelope = %s", rec.Body.String())
	}
	if n := h.router.OpenHandles(); n != 0 {
		t.Errorf("OpenHandles() = %d after panic, want 0", n)
	}

	released := 0
	for _, s := range h.visited() {
		if s == StateReleased {
			released++
		}
	}
	if released != 1 {
		t.Errorf("released %d times, want exactly once", released)
	}
	if credTotal, _ := h.usage(); credTotal != 1 {
		t.Errorf("credential total = %d, want 1", credTotal)
	}
}

func TestPipeline_HandlerError(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodGet, "/api/invalid", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if env := decode(t, rec); env.Code != domain.ErrorCodeValidationFailed || env.Message != "Invalid payload" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestPipeline_ClientCancellation(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.do(http.MethodGet, "/api/cancel", func(r *http.Request) {
		*r = *r.WithContext(ctx)
	})

	if n := h.router.OpenHandles(); n != 0 {
		t.Errorf("OpenHandles() = %d after cancellation, want 0", n)
	}
	if credTotal, tenantTotal := h.usage(); credTotal != 1 || tenantTotal != 1 {
		t.Errorf("usage = (%d, %d), want (1, 1)", credTotal, tenantTotal)
	}
}

func TestPipeline_CORS(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodGet, "/api/echo", func(r *http.Request) {
		r.Header.Set("Origin", "https://unknown.test")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q for unknown origin", got)
	}

	rec = h.do(http.MethodGet, "/api/echo", func(r *http.Request) {
		r.Header.Set("Origin", "https://www.acme.test")
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://www.acme.test" {
		t.Errorf("Access-Control-Allow-Origin = %q, want tenant domain echoed", got)
	}
}

func TestPipeline_Preflight(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	preflight := func(origin string, withKey bool) *httptest.ResponseRecorder {
		return h.do(http.MethodOptions, "/api/echo", func(r *http.Request) {
			if !withKey {
				r.Header.Del(credential.HeaderName)
			}
			r.Header.Set("Origin", origin)
			r.Header.Set("Access-Control-Request-Method", http.MethodPost)
			r.Header.Set("Access-Control-Request-Headers", "content-type, x-api-key")
		})
	}

	tests := []struct {
		name    string
		origin  string
		withKey bool
		want    int
	}{
		{"global origin", "https://admin.widgetkit.test", false, http.StatusNoContent},
		{"tenant domain without key", "https://acme.test", false, http.StatusNoContent},
		{"tenant www domain without key", "http://www.acme.test", false, http.StatusNoContent},
		{"tenant domain with key", "https://acme.test", true, http.StatusNoContent},
		{"key pins tenant", "https://globex.test", true, http.StatusForbidden},
		{"unknown origin", "https://evil.test", false, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := preflight(tt.origin, tt.withKey)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusNoContent {
				if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.origin {
					t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.origin)
				}
				return
			}
			env := decode(t, rec)
			if env.Code != domain.ErrorCodeForbidden || env.Message != "Origin not allowed" {
				t.Errorf("envelope = %+v", env)
			}
		})
	}

	if n := h.counters.Len(); n != 0 {
		t.Errorf("preflights touched %d counters", n)
	}
	if _, err := os.Stat(filepath.Join(h.router.Root(), "acme"+tenantdb.FileExt)); !os.IsNotExist(err) {
		t.Errorf("preflight created tenant storage: %v", err)
	}
}

func TestPipeline_PreflightDeclaredOrigin(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	if err := h.registry.CreateTenant(context.Background(), &domain.Tenant{
		ID:             "initech",
		Name:           "Initech",
		Domain:         "initech.test",
		AllowedOrigins: []string{"https://app.partner.test"},
	}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	rec := h.do(http.MethodOptions, "/api/echo", func(r *http.Request) {
		r.Header.Del(credential.HeaderName)
		r.Header.Set("Origin", "https://app.partner.test")
		r.Header.Set("Access-Control-Request-Method", http.MethodPost)
		r.Header.Set("Access-Control-Request-Headers", "x-api-key")
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("declared origin preflight status = %d, want 204", rec.Code)
	}
}

func TestPipeline_Session(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	good, _, err := h.issuer.Issue("user-1", "acme")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	foreign, _, _ := h.issuer.Issue("user-1", "globex")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"invalid", "Bearer garbage", http.StatusUnauthorized},
		{"other tenant", "Bearer " + foreign, http.StatusForbidden},
		{"valid", "Bearer " + good, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodGet, "/api/me", func(r *http.Request) {
				if tt.header != "" {
					r.Header.Set("Authorization", tt.header)
				}
			})
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec := h.do(http.MethodGet, "/api/me", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+good)
	})
	data, _ := decode(t, rec).Data.(map[string]any)
	if data["user_id"] != "user-1" {
		t.Errorf("user_id = %v", data["user_id"])
	}
}

func TestPipeline_UnusableTokenOnOpenRoute(t *testing.T) {
	stale, err := token.NewIssuer("another-secret-of-32-bytes-length!", "widget-gateway", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	foreignRaw, _, err := stale.Issue("user-1", "acme")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	withBearer := func(v string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+v) }
	}
	withBodyToken := func(r *http.Request) {
		body := `{"content":"hello","token":"stale-token"}`
		r.Body = io.NopCloser(strings.NewReader(body))
		r.ContentLength = int64(len(body))
		r.Header.Set("Content-Type", "application/json")
	}

	for name, noSessions := range map[string]bool{"verifier": false, "no_verifier": true} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{noSessions: noSessions})
			foreign, _, _ := h.issuer.Issue("user-1", "globex")

			cases := []struct {
				name   string
				method string
				mutate func(*http.Request)
			}{
				{"garbage bearer", http.MethodGet, withBearer("garbage")},
				{"wrong signer", http.MethodGet, withBearer(foreignRaw)},
				{"other tenant", http.MethodGet, withBearer(foreign)},
				{"body token", http.MethodPost, withBodyToken},
			}
			for _, c := range cases {
				rec := h.do(c.method, "/api/echo", c.mutate)
				if rec.Code != http.StatusOK {
					t.Errorf("%s: status = %d, want 200 (%s)", c.name, rec.Code, rec.Body.String())
				}
			}

			rec := h.do(http.MethodGet, "/api/me", withBearer("garbage"))
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("session route with bad token status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestPipeline_HTMLFormat(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodGet, "/api/echo?format=html", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `class="widget-response widget-success"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestPipeline_NotFoundAndMethod(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodGet, "/api/nope", nil)
	if rec.Code != http.StatusNotFound || decode(t, rec).Code != domain.ErrorCodeResourceNotFound {
		t.Errorf("not found: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = h.do(http.MethodDelete, "/api/echo", nil)
	if rec.Code != http.StatusMethodNotAllowed || decode(t, rec).Code != domain.ErrorCodeMethodNotAllowed {
		t.Errorf("method: status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestPipeline_MountMismatch(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	table, _ := NewRouteTable(testRoutes...)
	p, err := New(table, Dependencies{
		Credentials: credential.NewCache(h.registry),
		Tenants:     h.registry,
		Admission:   admission.NewController(h.counters, generousLimits()),
		Storage:     h.router,
		Origins:     origin.NewResolver(nil, false),
		Usage:       h.registry,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	handlers := h.handlers()
	delete(handlers, "echo.panic")
	handlers["stray"] = handlers["echo.read"]
	if err := p.Mount(chi.NewRouter(), "/api", handlers); err == nil {
		t.Fatal("Mount() error = nil, want missing and stray handler errors")
	} else if !strings.Contains(err.Error(), "echo.panic") || !strings.Contains(err.Error(), "stray") {
		t.Errorf("Mount() error = %v", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	table, _ := NewRouteTable(testRoutes...)
	if _, err := New(table, Dependencies{}); err == nil {
		t.Error("New() error = nil with no dependencies")
	}
	if _, err := New(nil, Dependencies{}); err == nil {
		t.Error("New() error = nil with no route table")
	}
}
