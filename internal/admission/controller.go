// Package admission implements layered rate limiting over five independent
// scopes: global, tenant, credential, client address and endpoint class.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/telemetry"
)

// ErrUnavailable means the counter store failed and the controller is
// configured to fail closed.
var ErrUnavailable = errors.New("admission counters unavailable")

// FailureMode decides what happens when the counter store errors.
type FailureMode string

const (
	FailOpen   FailureMode = "open"
	FailClosed FailureMode = "closed"
)

// Controller implements ports.AdmissionPolicy.
//
// Checking a scope increments it. Scopes are evaluated in a fixed order and
// evaluation stops at the first exceeded scope, so a request rejected on the
// third scope has already been counted against the first two and never
// against the fourth and fifth.
type Controller struct {
	store     ports.CounterStore
	limits    atomic.Pointer[Limits]
	keyPrefix string
	mode      FailureMode
	recorder  ports.UsageRecorder
	now       func() time.Time
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

var _ ports.AdmissionPolicy = (*Controller)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithKeyPrefix namespaces counter keys in a shared store.
func WithKeyPrefix(prefix string) Option {
	return func(c *Controller) { c.keyPrefix = prefix }
}

// WithFailureMode sets the behavior on counter store errors.
func WithFailureMode(mode FailureMode) Option {
	return func(c *Controller) { c.mode = mode }
}

// WithRecorder receives an analytics sample for every admitted request.
func WithRecorder(r ports.UsageRecorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithClock sets the time source used for Retry-After.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithMetrics records rejections and store errors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates a controller over store with the given ceilings.
func NewController(store ports.CounterStore, limits Limits, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		mode:   FailOpen,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.SetLimits(limits)
	return c
}

// SetLimits swaps the ceilings used by subsequent checks.
func (c *Controller) SetLimits(l Limits) {
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
	c.limits.Store(&l)
}

// Limits returns the ceilings currently in force.
func (c *Controller) Limits() Limits {
	return *c.limits.Load()
}

// Check counts req against each scope in order and rejects on the first
// scope whose count exceeds its ceiling.
func (c *Controller) Check(ctx context.Context, req *ports.AdmissionRequest) (*ports.AdmissionDecision, error) {
	limits := c.limits.Load()
	now := c.now()

	var headerInfo *ports.RateLimitInfo
	for _, s := range limits.scopes(req.Tenant, req.Credential, req.ClientAddr, req.Class) {
		if s.limit <= 0 {
			continue
		}

		count, resetAt, err := c.store.Increment(ctx, c.keyPrefix+s.key, limits.Window)
		if err != nil {
			c.metrics.AdmissionStoreError()
			if c.mode == FailOpen {
				c.logger.Warn("rate limit check failed (fail-open)",
					slog.String("scope", s.key),
					slog.String("error", err.Error()))
				continue
			}
			c.logger.Error("rate limit check failed (fail-closed)",
				slog.String("scope", s.key),
				slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		info := &ports.RateLimitInfo{
			Limit:     s.limit,
			Remaining: max(s.limit-int(count), 0),
			ResetAt:   resetAt.Unix(),
		}

		if count > int64(s.limit) {
			c.metrics.AdmissionRejected(s.family)
			return &ports.AdmissionDecision{
				Allow:         false,
				Scope:         s.key,
				RetryAfter:    retryAfter(resetAt, now),
				RateLimitInfo: info,
			}, nil
		}

		if s.family == ScopeCredential || headerInfo == nil {
			headerInfo = info
		}
	}

	if c.recorder != nil {
		sample := domain.UsageSample{
			Class:  req.Class,
			Format: req.Format,
			Hour:   now.UTC().Truncate(time.Hour),
		}
		if req.Tenant != nil {
			sample.TenantID = req.Tenant.ID
		}
		if req.Credential != nil {
			sample.CredentialID = req.Credential.ID
			if sample.TenantID == "" {
				sample.TenantID = req.Credential.TenantID
			}
		}
		c.recorder.Record(sample)
	}

	return &ports.AdmissionDecision{Allow: true, RateLimitInfo: headerInfo}, nil
}

// retryAfter is the whole seconds until resetAt, never less than one.
func retryAfter(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
