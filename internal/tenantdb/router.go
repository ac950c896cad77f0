// Package tenantdb routes a tenant to a live connection on its own SQLite
// storage file, creating and migrating the file on first use.
package tenantdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/telemetry"
)

var (
	// ErrStorageUnavailable wraps every failure to hand out a working handle.
	ErrStorageUnavailable = errors.New("tenant storage unavailable")

	// ErrInvalidTenant is returned for identifiers that cannot name a file.
	ErrInvalidTenant = errors.New("invalid tenant identifier")
)

// FileExt is the suffix of every tenant storage file.
const FileExt = ".sqlite"

const driverName = "sqlite"

// Router implements acquire/release over per-tenant storage files.
// Handles are never pooled across requests: each Acquire opens the file and
// Release closes it, so open files track in-flight requests, not tenants.
type Router struct {
	root         string
	cacheSizeKiB int
	busyTimeout  time.Duration
	migrator     ports.SchemaMigrator
	creating     singleflight.Group
	open         atomic.Int64
	metrics      *telemetry.Metrics
	logger       *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCacheSize bounds each connection's page cache.
func WithCacheSize(kib int) Option {
	return func(r *Router) { r.cacheSizeKiB = kib }
}

// WithBusyTimeout sets how long a connection waits on a locked file.
func WithBusyTimeout(d time.Duration) Option {
	return func(r *Router) { r.busyTimeout = d }
}

// WithMetrics records open handles and file creations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter creates a router rooted at root, creating the directory if needed.
// migrator applies the initial schema to new tenant files.
func NewRouter(root string, migrator ports.SchemaMigrator, opts ...Option) (*Router, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if migrator == nil {
		migrator = WidgetSchema{}
	}

	r := &Router{
		root:         abs,
		cacheSizeKiB: 2048,
		busyTimeout:  5 * time.Second,
		migrator:     migrator,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the absolute storage root.
func (r *Router) Root() string {
	return r.root
}

// Path returns the deterministic storage file for tenantID.
func (r *Router) Path(tenantID string) (string, error) {
	if !domain.ValidTenantID(tenantID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}
	return filepath.Join(r.root, tenantID+FileExt), nil
}

// OpenHandles returns the number of handles acquired and not yet released.
func (r *Router) OpenHandles() int64 {
	return r.open.Load()
}

// Acquire returns a verified connection to tenantID's storage, creating the
// file first if it does not exist. Every error wraps ErrStorageUnavailable.
func (r *Router) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	path, err := r.Path(tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	if err := r.ensure(ctx, tenantID, path); err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageUnavailable, tenantID, err)
	}

	db, conn, err := r.connect(ctx, path, "rw")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStorageUnavailable, tenantID, err)
	}

	r.open.Add(1)
	r.metrics.HandleOpened()

	return &Handle{
		TenantID: tenantID,
		Path:     path,
		db:       db,
		conn:     conn,
		router:   r,
	}, nil
}

// ensure creates the tenant file if it is missing. Concurrent first requests
// for one tenant share a single creation.
func (r *Router) ensure(ctx context.Context, tenantID, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	_, err, _ := r.creating.Do(tenantID, func() (any, error) {
		return nil, r.create(context.WithoutCancel(ctx), tenantID, path)
	})
	return err
}

// create builds and migrates the file under a temporary name, then links it
// into place so no request ever sees a half-migrated file.
func (r *Router) create(ctx context.Context, tenantID, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	defer os.Remove(tmp)

	db, conn, err := r.connect(ctx, tmp, "rwc")
	if err != nil {
		return err
	}
	conn.Close()

	if err := r.migrator.Migrate(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close new file: %w", err)
	}

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("publish storage file: %w", err)
	}

	r.metrics.StorageFileCreated()
	r.logger.Info("tenant storage created",
		slog.String("tenant_id", tenantID),
		slog.String("path", path))
	return nil
}

// connect opens path with a single dedicated connection, tunes it and
// verifies it with a round trip.
func (r *Router) connect(ctx context.Context, path, mode string) (*sqlx.DB, *sqlx.Conn, error) {
	dsn := (&url.URL{Scheme: "file", Path: path, RawQuery: "mode=" + mode}).String()

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Connx(ctx)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	for _, stmt := range r.pragmas() {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			db.Close()
			return nil, nil, fmt.Errorf("%s: %w", stmt, err)
		}
	}

	var one int
	if err := conn.QueryRowxContext(ctx, "SELECT 1").Scan(&one); err != nil || one != 1 {
		conn.Close()
		db.Close()
		if err == nil {
			err = fmt.Errorf("verification returned %d", one)
		}
		return nil, nil, fmt.Errorf("verify connection: %w", err)
	}

	return db, conn, nil
}

// pragmas tune a connection for many small concurrent writes: busy wait
// first, then WAL, a bounded page cache and in-memory temp storage.
func (r *Router) pragmas() []string {
	return []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", r.busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", r.cacheSizeKiB),
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
}

func (r *Router) released() {
	r.open.Add(-1)
	r.metrics.HandleReleased()
}
