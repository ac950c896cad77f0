// Package runtime provides the Gateway struct that wires the widget gateway
// together and manages its configuration and HTTP server lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/widgetkit/gateway/internal/admission"
	"github.com/widgetkit/gateway/internal/api/middleware"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/credential"
	"github.com/widgetkit/gateway/internal/gateway"
	"github.com/widgetkit/gateway/internal/origin"
	"github.com/widgetkit/gateway/internal/pkg/config"
	"github.com/widgetkit/gateway/internal/storage/registry"
	"github.com/widgetkit/gateway/internal/telemetry"
	"github.com/widgetkit/gateway/internal/tenantdb"
	"github.com/widgetkit/gateway/internal/token"
	"github.com/widgetkit/gateway/internal/widgets"
)

const (
	healthTimeout        = 2 * time.Second
	recorderDrainTimeout = 5 * time.Second
)

// Gateway is the main entry point for running the widget gateway.
// It owns the stores behind the pipeline and serves the widget API through it.
type Gateway struct {
	// Dependencies (injected via options)
	config   ports.ConfigProvider
	registry *registry.Store
	counters ports.CounterStore
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	// Resources the gateway opened itself and must close.
	closers []namedCloser

	cfg        *config.Config
	credential *credential.Cache
	admission  *admission.Controller
	recorder   *admission.Recorder
	storage    *tenantdb.Router
	origins    *origin.Resolver
	tokens     *token.Issuer
	pipeline   *gateway.Pipeline
	handler    http.Handler

	server   *http.Server
	listener net.Listener

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
}

type namedCloser struct {
	name string
	c    io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New creates a Gateway with the given options, loads its configuration and
// builds every component. The HTTP server is not started until Start.
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfig)")
	}

	cfg, err := gw.config.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := gw.build(cfg); err != nil {
		gw.closeAll()
		return nil, err
	}
	return gw, nil
}

// build wires the components described by cfg.
func (g *Gateway) build(cfg *config.Config) error {
	g.cfg = cfg

	if g.metrics == nil && cfg.Metrics.Enabled {
		g.metrics = telemetry.NewMetrics()
	}

	if g.registry == nil {
		store, err := openRegistry(cfg.Registry)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		g.registry = store
		g.closers = append(g.closers, namedCloser{"registry", store})
	}

	if g.counters == nil {
		counters, err := openCounters(cfg)
		if err != nil {
			return fmt.Errorf("open rate limit counters: %w", err)
		}
		g.counters = counters
		g.closers = append(g.closers, namedCloser{"counters", counters})
	}

	recorder := admission.NewRecorder(g.registry, admission.DefaultQueueSize, g.metrics, g.logger)
	g.recorder = recorder
	// Registered after the registry so it drains before the registry closes.
	g.closers = append(g.closers, namedCloser{"analytics recorder", closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), recorderDrainTimeout)
		defer cancel()
		return recorder.Close(ctx)
	})})

	g.admission = admission.NewController(g.counters, admission.LimitsFromConfig(cfg.RateLimits),
		admission.WithKeyPrefix(cfg.RateLimits.KeyPrefix),
		admission.WithFailureMode(admission.FailureMode(cfg.RateLimits.FailureMode)),
		admission.WithRecorder(g.recorder),
		admission.WithMetrics(g.metrics),
		admission.WithLogger(g.logger))

	g.credential = credential.NewCache(g.registry,
		credential.WithTTL(cfg.Credentials.CacheTTL),
		credential.WithSize(cfg.Credentials.CacheSize),
		credential.WithLookupRate(cfg.Credentials.LookupsPerSecond, cfg.Credentials.LookupBurst),
		credential.WithMetrics(g.metrics),
		credential.WithLogger(g.logger))

	router, err := tenantdb.NewRouter(cfg.Storage.Root, nil,
		tenantdb.WithCacheSize(cfg.Storage.CacheSizeKiB),
		tenantdb.WithBusyTimeout(cfg.Storage.BusyTimeout),
		tenantdb.WithMetrics(g.metrics),
		tenantdb.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("create tenant storage router: %w", err)
	}
	g.storage = router

	g.origins = origin.NewResolver(cfg.CORS.AllowedOrigins, cfg.LoopbackAllowed())

	deps := gateway.Dependencies{
		Credentials: g.credential,
		Tenants:     g.registry,
		Admission:   g.admission,
		Storage:     g.storage,
		Origins:     g.origins,
		Usage:       g.registry,
	}
	var issuer widgets.TokenIssuer
	if cfg.Tokens.Secret != "" {
		g.tokens, err = token.NewIssuer(cfg.Tokens.Secret, cfg.Tokens.Issuer, cfg.Tokens.TTL)
		if err != nil {
			return fmt.Errorf("create session issuer: %w", err)
		}
		deps.Sessions = g.tokens
		issuer = g.tokens
	} else {
		g.logger.Warn("tokens.secret not set, session endpoints are disabled")
	}

	routes, err := gateway.NewRouteTable(widgets.Routes()...)
	if err != nil {
		return fmt.Errorf("build route table: %w", err)
	}

	format, _ := gateway.ParseFormat(cfg.Responses.DefaultFormat)
	g.pipeline, err = gateway.New(routes, deps,
		gateway.WithDefaultFormat(format),
		gateway.WithMetrics(g.metrics),
		gateway.WithLogger(g.logger))
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	g.handler, err = g.routes(cfg, widgets.New(issuer))
	if err != nil {
		return fmt.Errorf("mount routes: %w", err)
	}
	return nil
}

// openRegistry opens the configured registry, creating the parent directory
// of a SQLite file if needed.
func openRegistry(cfg config.RegistryConfig) (*registry.Store, error) {
	if cfg.Driver == "sqlite" && !strings.HasPrefix(cfg.DSN, "file:") && !strings.Contains(cfg.DSN, ":memory:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o750); err != nil {
			return nil, err
		}
	}
	return registry.New(registry.Config{Driver: cfg.Driver, DSN: cfg.DSN})
}

func openCounters(cfg *config.Config) (ports.CounterStore, error) {
	if cfg.RateLimits.Backend == "redis" {
		return admission.NewRedisStore(context.Background(), cfg.Redis)
	}
	return admission.NewMemoryStore(cfg.RateLimits.Window, nil), nil
}

// routes builds the HTTP handler tree. Health and metrics sit outside the
// pipeline; everything under the widget prefix goes through it.
func (g *Gateway) routes(cfg *config.Config, svc *widgets.Service) (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if cfg.Server.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logging(g.logger))
	r.Use(middleware.Recoverer(g.logger, g.pipeline.Internal()))
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	if cfg.Server.MaxBodyBytes > 0 {
		r.Use(chimw.RequestSize(cfg.Server.MaxBodyBytes))
	}

	// Wrap with OpenTelemetry
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "widget-gateway")
	})

	r.NotFound(g.pipeline.NotFound())
	r.MethodNotAllowed(g.pipeline.MethodNotAllowed())

	r.Get("/healthz", g.healthz)
	if g.metrics != nil {
		r.Method(http.MethodGet, cfg.Metrics.Path, g.metrics.Handler())
	}

	if err := g.pipeline.Mount(r, widgets.Prefix, svc.Handlers()); err != nil {
		return nil, err
	}

	for _, route := range g.pipeline.Routes().Routes() {
		g.logger.Debug("registered handler",
			slog.String("name", route.Name),
			slog.String("method", route.Method),
			slog.String("path", route.Pattern))
	}
	return r, nil
}

func (g *Gateway) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := g.registry.Ping(ctx); err != nil {
		middleware.AddError(r.Context(), err)
		gateway.WriteEnvelope(w, gateway.FormatJSON, http.StatusServiceUnavailable, gateway.Envelope{
			Success: false,
			Message: "Registry unavailable",
		})
		return
	}
	gateway.WriteEnvelope(w, gateway.FormatJSON, http.StatusOK, gateway.Envelope{
		Success: true,
		Message: "ok",
	})
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Registry returns the durable registry the gateway reads credentials from.
func (g *Gateway) Registry() *registry.Store {
	return g.registry
}

// Config returns the configuration currently in force.
func (g *Gateway) Config() *config.Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Addr returns the listening address once Start has returned.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Start binds the configured port, serves in the background and watches the
// configuration for changes.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.New("gateway already started")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
	if err != nil {
		g.cancel()
		return fmt.Errorf("listen: %w", err)
	}
	g.listener = ln

	g.server = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		g.logger.Info("HTTP server listening", slog.String("addr", ln.Addr().String()))
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.String("environment", g.cfg.Environment),
		slog.Int("routes", len(g.pipeline.Routes().Routes())),
		slog.String("storage_root", g.storage.Root()))
	return nil
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.recorder != nil {
		if err := g.recorder.Close(ctx); err != nil {
			g.logger.Error("failed to drain analytics", slog.String("error", err.Error()))
		}
	}

	if open := g.storage.OpenHandles(); open != 0 {
		g.logger.Warn("tenant storage handles still open", slog.Int64("open", open))
	}

	g.closeAll()

	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeAll() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		if err := g.closers[i].c.Close(); err != nil {
			g.logger.Error("failed to close "+g.closers[i].name, slog.String("error", err.Error()))
		}
	}
	g.closers = nil
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		g.reload(newCfg)
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload applies the settings that can change without a restart: rate limit
// ceilings and the global origin allow-list.
func (g *Gateway) reload(cfg *config.Config) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.admission.SetLimits(admission.LimitsFromConfig(cfg.RateLimits))
	g.origins.SetGlobal(cfg.CORS.AllowedOrigins)
	// Revocations made with keygen while running show up without waiting out the TTL.
	g.credential.Purge()

	if cfg.Server != g.cfg.Server || cfg.Registry != g.cfg.Registry || cfg.Storage != g.cfg.Storage {
		g.logger.Warn("server, registry and storage changes take effect after restart")
	}
	g.cfg = cfg

	g.logger.Info("reload complete",
		slog.Int("global_origins", len(cfg.CORS.AllowedOrigins)),
		slog.Int("tenant_limit", cfg.RateLimits.Tenant))
}
