// Package ports defines the interfaces between gateway stages and the stores behind them.
package ports

import (
	"context"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default).
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// CredentialResolver resolves a raw API key to a usable credential.
// Every failure to find a valid credential is reported as the same error.
type CredentialResolver interface {
	Resolve(ctx context.Context, key string) (*domain.Credential, error)
}

// AdmissionPolicy enforces the layered rate limits.
type AdmissionPolicy interface {
	Check(ctx context.Context, req *AdmissionRequest) (*AdmissionDecision, error)
}

// AdmissionRequest identifies the five scopes a request is counted against.
type AdmissionRequest struct {
	Tenant     *domain.Tenant
	Credential *domain.Credential
	ClientAddr string
	Class      domain.EndpointClass
	Format     string
}

// AdmissionDecision is the result of an admission check.
type AdmissionDecision struct {
	Allow         bool
	Scope         string // offending scope key when rejected
	RetryAfter    int    // seconds
	RateLimitInfo *RateLimitInfo
}

// RateLimitInfo contains rate limit information for response headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   int64 // Unix timestamp
}

// UsageRecorder receives analytics samples after admission succeeds.
type UsageRecorder interface {
	Record(sample domain.UsageSample)
}
