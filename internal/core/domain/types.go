package domain

import (
	"regexp"
	"slices"
	"time"
)

// Status values shared by credentials and tenants.
const (
	StatusActive    = "active"
	StatusRevoked   = "revoked"
	StatusExpired   = "expired"
	StatusSuspended = "suspended"
)

// Permission is a named capability granted to a credential.
type Permission string

const (
	PermWildcard           Permission = "*"
	PermWidgetsRead        Permission = "widgets.read"
	PermWidgetsWrite       Permission = "widgets.write"
	PermCommentsRead       Permission = "comments.read"
	PermCommentsWrite      Permission = "comments.write"
	PermReviewsRead        Permission = "reviews.read"
	PermReviewsWrite       Permission = "reviews.write"
	PermNotificationsRead  Permission = "notifications.read"
	PermNotificationsWrite Permission = "notifications.write"
	PermAuthSession        Permission = "auth.session"
)

// KnownPermissions lists every capability a credential may be granted.
var KnownPermissions = []Permission{
	PermWildcard,
	PermWidgetsRead, PermWidgetsWrite,
	PermCommentsRead, PermCommentsWrite,
	PermReviewsRead, PermReviewsWrite,
	PermNotificationsRead, PermNotificationsWrite,
	PermAuthSession,
}

// IsKnownPermission reports whether p is a recognised capability.
func IsKnownPermission(p Permission) bool {
	return slices.Contains(KnownPermissions, p)
}

// EndpointClass groups routes that share an admission ceiling.
type EndpointClass string

const (
	ClassRead  EndpointClass = "read"
	ClassWrite EndpointClass = "write"
	ClassAuth  EndpointClass = "auth"
)

// Valid reports whether c is one of the declared classes.
func (c EndpointClass) Valid() bool {
	switch c {
	case ClassRead, ClassWrite, ClassAuth:
		return true
	}
	return false
}

// Credential is one issued API key. The raw key is never stored; KeyHash
// identifies it in the registry.
type Credential struct {
	ID                 string       `db:"id" json:"id"`
	TenantID           string       `db:"tenant_id" json:"tenant_id"`
	KeyHash            string       `db:"key_hash" json:"-"`
	KeyPrefix          string       `db:"key_prefix" json:"key_prefix"`
	Name               string       `db:"name" json:"name"`
	Status             string       `db:"status" json:"status"`
	Permissions        []Permission `db:"-" json:"permissions"`
	RateLimitPerMinute int          `db:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	TotalRequests      int64        `db:"total_requests" json:"total_requests"`
	LastUsedAt         *time.Time   `db:"last_used_at" json:"last_used_at,omitempty"`
	ExpiresAt          time.Time    `db:"expires_at" json:"expires_at"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
}

// Valid reports whether the credential may be used at now: status active and
// now strictly before expiry.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.Status == StatusActive && now.Before(c.ExpiresAt)
}

// HasPermission reports whether the credential grants p, directly or via the wildcard.
func (c *Credential) HasPermission(p Permission) bool {
	if c == nil {
		return false
	}
	for _, granted := range c.Permissions {
		if granted == PermWildcard || granted == p {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to a single request.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	out.Permissions = slices.Clone(c.Permissions)
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}

// TenantSettings holds per-tenant overrides stored alongside the tenant.
type TenantSettings struct {
	// RateLimits overrides the global ceiling per scope name
	// ("tenant", "credential", "client", "endpoint-class:<class>").
	RateLimits map[string]int `json:"rate_limits,omitempty"`

	// ResponseFormat is the preferred representation ("json" or "html").
	ResponseFormat string `json:"response_format,omitempty"`
}

// Tenant is one onboarded website.
type Tenant struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Domain         string         `db:"domain" json:"domain"`
	Status         string         `db:"status" json:"status"`
	AllowedOrigins []string       `db:"-" json:"allowed_origins"`
	Settings       TenantSettings `db:"-" json:"settings"`
	TotalRequests  int64          `db:"total_requests" json:"total_requests"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidTenantID reports whether id can name a tenant. Tenant IDs double as
// storage file names, so dots and path separators are refused.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Active reports whether the tenant accepts gateway traffic.
func (t *Tenant) Active() bool {
	return t != nil && t.Status == StatusActive
}

// Session is the verified identity carried by a bearer token.
type Session struct {
	UserID   string
	TenantID string
	IssuedAt time.Time
	Expires  time.Time
}

// UsageSample is one analytics increment recorded after admission.
type UsageSample struct {
	TenantID     string
	CredentialID string
	Class        EndpointClass
	Format       string
	Hour         time.Time
}
