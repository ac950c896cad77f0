package ports

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/widgetkit/gateway/internal/core/domain"
)

// CredentialStore is the durable credential lookup used on cache misses.
type CredentialStore interface {
	// FindActiveCredential returns the credential with keyHash if it is active
	// and unexpired at now, or registry.ErrNotFound.
	FindActiveCredential(ctx context.Context, keyHash string, now time.Time) (*domain.Credential, error)
}

// TenantStore loads tenant records.
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)

	// FindTenantByOrigin returns the active tenant whose domain or declared
	// origins name origin, or registry.ErrNotFound.
	FindTenantByOrigin(ctx context.Context, origin string) (*domain.Tenant, error)
}

// UsageStore persists usage accounting.
type UsageStore interface {
	// RecordUsage bumps credential and tenant counters and last-used in one transaction.
	RecordUsage(ctx context.Context, credentialID, tenantID string, at time.Time) error

	// RecordHourly increments the analytics bucket for sample.
	RecordHourly(ctx context.Context, sample domain.UsageSample) error
}

// RegistryStore is the full durable registry.
type RegistryStore interface {
	CredentialStore
	TenantStore
	UsageStore

	Ping(ctx context.Context) error
	Close() error
}

// CounterStore holds fixed-window rate-limit counters.
// Increment must be atomic per key: it adds one and returns the new count
// together with the time the key's window resets.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
	Close() error
}

// SchemaMigrator applies a tenant's initial schema to a freshly created storage file.
type SchemaMigrator interface {
	Migrate(ctx context.Context, db *sqlx.DB) error
}
