package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/storage/registry"
	"github.com/widgetkit/gateway/internal/telemetry"
)

var (
	// ErrNotFound is returned for missing, malformed, inactive and expired
	// keys alike.
	ErrNotFound = errors.New("credential not found")

	// ErrLookupFailed means the registry could not answer. It is not cached.
	ErrLookupFailed = errors.New("credential lookup failed")
)

// Defaults applied when options leave them unset.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultSize          = 10000
	DefaultLookupTimeout = 3 * time.Second
)

// entry is a cached lookup; a nil credential is a cached miss.
type entry struct {
	cred *domain.Credential
}

// Cache implements ports.CredentialResolver.
type Cache struct {
	store         ports.CredentialStore
	entries       *expirable.LRU[string, entry]
	group         singleflight.Group
	lookups       *rate.Limiter
	now           func() time.Time
	lookupTimeout time.Duration
	metrics       *telemetry.Metrics
	logger        *slog.Logger
}

var _ ports.CredentialResolver = (*Cache)(nil)

type options struct {
	ttl           time.Duration
	size          int
	lookupRate    rate.Limit
	lookupBurst   int
	lookupTimeout time.Duration
	now           func() time.Time
	metrics       *telemetry.Metrics
	logger        *slog.Logger
}

// Option configures a Cache.
type Option func(*options)

// WithTTL bounds how long hits and misses stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithSize bounds the number of cached keys.
func WithSize(n int) Option {
	return func(o *options) { o.size = n }
}

// WithLookupRate bounds registry lookups per second on cache misses.
// A non-positive rate disables the bound.
func WithLookupRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.lookupRate = rate.Inf
			return
		}
		o.lookupRate = rate.Limit(perSecond)
		o.lookupBurst = burst
	}
}

// WithLookupTimeout bounds a single registry lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(o *options) { o.lookupTimeout = d }
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records lookup results.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewCache creates a credential cache over store.
func NewCache(store ports.CredentialStore, opts ...Option) *Cache {
	o := options{
		ttl:           DefaultTTL,
		size:          DefaultSize,
		lookupRate:    rate.Inf,
		lookupTimeout: DefaultLookupTimeout,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.lookupBurst <= 0 {
		o.lookupBurst = 1
	}

	return &Cache{
		store:         store,
		entries:       expirable.NewLRU[string, entry](o.size, nil, o.ttl),
		lookups:       rate.NewLimiter(o.lookupRate, o.lookupBurst),
		now:           o.now,
		lookupTimeout: o.lookupTimeout,
		metrics:       o.metrics,
		logger:        o.logger,
	}
}

// Resolve returns a private copy of the credential for key, ErrNotFound, or
// an error wrapping ErrLookupFailed when the registry is unreachable.
func (c *Cache) Resolve(ctx context.Context, key string) (*domain.Credential, error) {
	if !ValidFormat(key) {
		c.metrics.CredentialLookup("malformed")
		return nil, ErrNotFound
	}

	hash := HashKey(key)

	if e, ok := c.entries.Get(hash); ok {
		if e.cred == nil {
			c.metrics.CredentialLookup("negative_hit")
			return nil, ErrNotFound
		}
		c.metrics.CredentialLookup("hit")
		return c.validCopy(e.cred)
	}

	v, err, _ := c.group.Do(hash, func() (any, error) {
		return c.load(ctx, hash)
	})
	if err != nil {
		c.metrics.CredentialLookup("error")
		return nil, err
	}

	e := v.(entry)
	if e.cred == nil {
		c.metrics.CredentialLookup("miss")
		return nil, ErrNotFound
	}
	c.metrics.CredentialLookup("loaded")
	return c.validCopy(e.cred)
}

// load fetches hash from the registry and caches the outcome. The lookup is
// shared by concurrent callers, so it is detached from any single caller's
// cancellation and bounded by its own timeout.
func (c *Cache) load(ctx context.Context, hash string) (entry, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.lookupTimeout)
	defer cancel()

	if err := c.lookups.Wait(lookupCtx); err != nil {
		return entry{}, fmt.Errorf("%w: lookup budget exhausted: %v", ErrLookupFailed, err)
	}

	cred, err := c.store.FindActiveCredential(lookupCtx, hash, c.now())
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.entries.Add(hash, entry{})
		return entry{}, nil
	case err != nil:
		c.logger.Error("credential lookup failed", slog.String("error", err.Error()))
		return entry{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	e := entry{cred: cred}
	c.entries.Add(hash, e)
	return e, nil
}

// validCopy rechecks validity, since a cached credential can expire within the TTL.
func (c *Cache) validCopy(cred *domain.Credential) (*domain.Credential, error) {
	if !cred.Valid(c.now()) {
		return nil, ErrNotFound
	}
	return cred.Clone(), nil
}

// Purge drops every cached entry so revocations take effect at once.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Len returns the number of cached keys, hits and misses combined.
func (c *Cache) Len() int {
	return c.entries.Len()
}
