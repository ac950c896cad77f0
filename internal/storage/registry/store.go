// Package registry is the durable store of tenants, credentials and usage
// counters. It runs on SQLite by default and on PostgreSQL or MySQL when
// configured.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/storage/dialect"
)

// ErrNotFound is returned when a record does not exist or is not usable.
var ErrNotFound = errors.New("registry: not found")

// ErrInvalidTenantID is returned when a tenant ID cannot name a storage file.
var ErrInvalidTenantID = errors.New("registry: invalid tenant id")

// HourLayout formats usage_hourly buckets.
const HourLayout = "2006-01-02T15"

// Store is a SQL implementation of ports.RegistryStore that supports multiple
// database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.RegistryStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name; MySQL DSNs need parseTime=true
}

// New opens the registry and ensures its schema exists.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.Name() == string(dialect.SQLite) {
		// A single writer avoids SQLITE_BUSY between the request path and the analytics worker.
		db.SetMaxOpenConns(1)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite-backed registry.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	key, text, ts := s.dialect.KeyType(), s.dialect.TextType(), s.dialect.TimestampType()

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tenants (
id %[1]s PRIMARY KEY,
name %[2]s NOT NULL,
domain %[2]s NOT NULL,
status %[1]s NOT NULL,
allowed_origins %[2]s,
settings %[2]s,
total_requests BIGINT NOT NULL DEFAULT 0,
created_at %[3]s NOT NULL,
updated_at %[3]s NOT NULL
)`, key, text, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS api_keys (
id %[1]s PRIMARY KEY,
tenant_id %[1]s NOT NULL,
key_hash %[1]s NOT NULL UNIQUE,
key_prefix %[1]s NOT NULL,
name %[2]s NOT NULL,
status %[1]s NOT NULL,
permissions %[2]s NOT NULL,
rate_limit_per_minute INTEGER NOT NULL DEFAULT 0,
total_requests BIGINT NOT NULL DEFAULT 0,
last_used_at %[3]s NULL,
expires_at %[3]s NOT NULL,
created_at %[3]s NOT NULL,
FOREIGN KEY (tenant_id) REFERENCES tenants(id)
)`, key, text, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage_hourly (
tenant_id %[1]s NOT NULL,
credential_id %[1]s NOT NULL,
endpoint_class %[1]s NOT NULL,
format %[1]s NOT NULL,
hour_bucket %[1]s NOT NULL,
hits BIGINT NOT NULL DEFAULT 0,
PRIMARY KEY (tenant_id, credential_id, endpoint_class, format, hour_bucket)
)`, key),
		`CREATE INDEX idx_api_keys_tenant ON api_keys(tenant_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			if isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// isDuplicateIndex tolerates re-running CREATE INDEX, which MySQL cannot
// express with IF NOT EXISTS.
func isDuplicateIndex(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "Duplicate key name")
}

// tenantRow and credentialRow mirror the table layout; JSON columns are
// decoded into the domain records.
type tenantRow struct {
	domain.Tenant
	AllowedOriginsJSON sql.NullString `db:"allowed_origins"`
	SettingsJSON       sql.NullString `db:"settings"`
}

type credentialRow struct {
	domain.Credential
	PermissionsJSON string `db:"permissions"`
}

const tenantColumns = `id, name, domain, status, allowed_origins, settings, total_requests, created_at, updated_at`

const credentialColumns = `id, tenant_id, key_hash, key_prefix, name, status, permissions,
rate_limit_per_minute, total_requests, last_used_at, expires_at, created_at`

// CreateTenant inserts a tenant. Missing status defaults to active.
func (s *Store) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	return s.putTenant(ctx, t, "")
}

// UpsertTenant inserts a tenant or, when the ID exists, overwrites its
// profile. Status, counters and creation time of an existing tenant are kept.
func (s *Store) UpsertTenant(ctx context.Context, t *domain.Tenant) error {
	return s.putTenant(ctx, t, s.dialect.UpsertClause(
		[]string{"id"},
		[]string{"name", "domain", "allowed_origins", "settings", "updated_at"},
	))
}

func (s *Store) putTenant(ctx context.Context, t *domain.Tenant, conflict string) error {
	if !domain.ValidTenantID(t.ID) {
		return fmt.Errorf("%w: %q (letters, digits, '-' and '_' only, at most 64)", ErrInvalidTenantID, t.ID)
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = domain.StatusActive
	}

	origins, err := json.Marshal(t.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed origins: %w", err)
	}
	settings, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO tenants (` + tenantColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ` + conflict)

	if _, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Domain, t.Status, string(origins), string(settings), t.TotalRequests, t.CreatedAt, t.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save tenant: %w", err)
	}

	return nil
}

// GetTenant loads a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	query := s.dialect.Rebind(`SELECT ` + tenantColumns + ` FROM tenants WHERE id = ?`)
	t, err := s.getTenant(ctx, query, id)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}
	return t, err
}

// FindTenantByOrigin matches origin's host (with or without www) against the
// tenant domain column, or the exact origin against the declared origins.
// Wildcard origin entries are not searched.
func (s *Store) FindTenantByOrigin(ctx context.Context, origin string) (*domain.Tenant, error) {
	u, err := url.Parse(strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/"))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("origin %q: %w", origin, ErrNotFound)
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	exact := u.Scheme + "://" + u.Host

	query := s.dialect.Rebind(`SELECT ` + tenantColumns + ` FROM tenants
	          WHERE status = ? AND (LOWER(domain) IN (?, ?) OR allowed_origins LIKE ?)
	          ORDER BY created_at, id LIMIT 1`)
	t, err := s.getTenant(ctx, query, domain.StatusActive, host, "www."+host, `%"`+exact+`"%`)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("origin %q: %w", origin, err)
	}
	return t, err
}

func (s *Store) getTenant(ctx context.Context, query string, args ...any) (*domain.Tenant, error) {
	var row tenantRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}

	t := row.Tenant
	if row.AllowedOriginsJSON.Valid && row.AllowedOriginsJSON.String != "" {
		if err := json.Unmarshal([]byte(row.AllowedOriginsJSON.String), &t.AllowedOrigins); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed origins: %w", err)
		}
	}
	if row.SettingsJSON.Valid && row.SettingsJSON.String != "" {
		if err := json.Unmarshal([]byte(row.SettingsJSON.String), &t.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}

	return &t, nil
}

// SetTenantStatus activates or suspends a tenant.
func (s *Store) SetTenantStatus(ctx context.Context, id, status string) error {
	query := s.dialect.Rebind(`UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`)
	return s.updateOne(ctx, "tenant", id, query, status, time.Now().UTC(), id)
}

// CreateCredential inserts a credential. KeyHash must already be set.
func (s *Store) CreateCredential(ctx context.Context, c *domain.Credential) error {
	if c.KeyHash == "" {
		return fmt.Errorf("credential key hash is required")
	}
	c.CreatedAt = time.Now().UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	if c.Status == "" {
		c.Status = domain.StatusActive
	}

	perms, err := json.Marshal(c.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}

	query := s.dialect.Rebind(`INSERT INTO api_keys (` + credentialColumns + `)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query,
		c.ID, c.TenantID, c.KeyHash, c.KeyPrefix, c.Name, c.Status, string(perms),
		c.RateLimitPerMinute, c.TotalRequests, c.LastUsedAt, c.ExpiresAt, c.CreatedAt); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

// GetCredential loads a credential by id regardless of status.
func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	query := s.dialect.Rebind(`SELECT ` + credentialColumns + ` FROM api_keys WHERE id = ?`)
	return s.getCredential(ctx, query, id)
}

// FindActiveCredential returns the credential for keyHash when it is active
// and unexpired at now. Every other outcome is ErrNotFound.
func (s *Store) FindActiveCredential(ctx context.Context, keyHash string, now time.Time) (*domain.Credential, error) {
	query := s.dialect.Rebind(`SELECT ` + credentialColumns + `
	          FROM api_keys WHERE key_hash = ? AND status = ?`)

	c, err := s.getCredential(ctx, query, keyHash, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	if !c.Valid(now) {
		return nil, fmt.Errorf("credential %s expired: %w", c.ID, ErrNotFound)
	}
	return c, nil
}

func (s *Store) getCredential(ctx context.Context, query string, args ...any) (*domain.Credential, error) {
	var row credentialRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	c := row.Credential
	if err := json.Unmarshal([]byte(row.PermissionsJSON), &c.Permissions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal permissions: %w", err)
	}
	return &c, nil
}

// RevokeCredential marks a credential revoked. Credentials are never deleted.
func (s *Store) RevokeCredential(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`UPDATE api_keys SET status = ? WHERE id = ?`)
	return s.updateOne(ctx, "credential", id, query, domain.StatusRevoked, id)
}

// RecordUsage bumps the credential and tenant counters in one transaction.
func (s *Store) RecordUsage(ctx context.Context, credentialID, tenantID string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind(`UPDATE api_keys SET total_requests = total_requests + 1, last_used_at = ? WHERE id = ?`),
		at.UTC(), credentialID); err != nil {
		return fmt.Errorf("failed to update credential usage: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind(`UPDATE tenants SET total_requests = total_requests + 1 WHERE id = ?`),
		tenantID); err != nil {
		return fmt.Errorf("failed to update tenant usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage: %w", err)
	}
	return nil
}

// RecordHourly increments the analytics bucket for sample.
func (s *Store) RecordHourly(ctx context.Context, sample domain.UsageSample) error {
	conflict := []string{"tenant_id", "credential_id", "endpoint_class", "format", "hour_bucket"}
	query := s.dialect.Rebind(`INSERT INTO usage_hourly (tenant_id, credential_id, endpoint_class, format, hour_bucket, hits)
	          VALUES (?, ?, ?, ?, ?, 1) ` + s.dialect.IncrementClause("usage_hourly", conflict, "hits"))

	if _, err := s.db.ExecContext(ctx, query,
		sample.TenantID, sample.CredentialID, string(sample.Class), sample.Format,
		sample.Hour.UTC().Format(HourLayout)); err != nil {
		return fmt.Errorf("failed to record hourly usage: %w", err)
	}
	return nil
}

// HourlyUsage is one usage_hourly bucket.
type HourlyUsage struct {
	TenantID     string `db:"tenant_id" json:"tenant_id"`
	CredentialID string `db:"credential_id" json:"credential_id"`
	Class        string `db:"endpoint_class" json:"endpoint_class"`
	Format       string `db:"format" json:"format"`
	Hour         string `db:"hour_bucket" json:"hour"`
	Hits         int64  `db:"hits" json:"hits"`
}

// ListHourly returns a tenant's analytics buckets, newest first.
func (s *Store) ListHourly(ctx context.Context, tenantID string, limit int) ([]HourlyUsage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.dialect.Rebind(`SELECT tenant_id, credential_id, endpoint_class, format, hour_bucket, hits
	          FROM usage_hourly WHERE tenant_id = ?
	          ORDER BY hour_bucket DESC, endpoint_class, format LIMIT ?`)

	var out []HourlyUsage
	if err := s.db.SelectContext(ctx, &out, query, tenantID, limit); err != nil {
		return nil, fmt.Errorf("failed to list hourly usage: %w", err)
	}
	return out, nil
}

// Ping verifies the registry is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) updateOne(ctx context.Context, kind, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
