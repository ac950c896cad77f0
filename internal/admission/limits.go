package admission

import (
	"time"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/pkg/config"
)

// Scope families, in evaluation order.
const (
	ScopeGlobal        = "global"
	ScopeTenant        = "tenant"
	ScopeCredential    = "credential"
	ScopeClient        = "client"
	ScopeEndpointClass = "endpoint-class"
)

// DefaultWindow is the canonical counter window.
const DefaultWindow = 60 * time.Second

// Limits are the global ceilings per scope. A ceiling of zero or less
// disables the scope.
type Limits struct {
	Window        time.Duration
	Global        int
	Tenant        int
	Credential    int
	Client        int
	EndpointClass map[domain.EndpointClass]int
}

// LimitsFromConfig converts the rate_limits config section.
func LimitsFromConfig(cfg config.RateLimitConfig) Limits {
	l := Limits{
		Window:        cfg.Window,
		Global:        cfg.Global,
		Tenant:        cfg.Tenant,
		Credential:    cfg.Credential,
		Client:        cfg.Client,
		EndpointClass: make(map[domain.EndpointClass]int, len(cfg.EndpointClass)),
	}
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
	for class, n := range cfg.EndpointClass {
		l.EndpointClass[domain.EndpointClass(class)] = n
	}
	return l
}

// scope is one counter a request is evaluated against.
type scope struct {
	family string
	key    string
	limit  int
}

// scopes lists the five scopes for req in evaluation order with their
// resolved ceilings. Specificity is credential, then tenant, then global.
func (l Limits) scopes(tenant *domain.Tenant, cred *domain.Credential, clientAddr string, class domain.EndpointClass) []scope {
	var overrides map[string]int
	tenantID := ""
	if tenant != nil {
		overrides = tenant.Settings.RateLimits
		tenantID = tenant.ID
	}
	credentialID := ""
	credentialLimit := 0
	if cred != nil {
		credentialID = cred.ID
		credentialLimit = cred.RateLimitPerMinute
		if tenantID == "" {
			tenantID = cred.TenantID
		}
	}

	classFamily := ScopeEndpointClass + ":" + string(class)

	return []scope{
		{family: ScopeGlobal, key: ScopeGlobal, limit: l.Global},
		{family: ScopeTenant, key: ScopeTenant + ":" + tenantID, limit: pick(0, overrides[ScopeTenant], l.Tenant)},
		{family: ScopeCredential, key: ScopeCredential + ":" + credentialID, limit: pick(credentialLimit, overrides[ScopeCredential], l.Credential)},
		{family: ScopeClient, key: ScopeClient + ":" + clientAddr, limit: pick(0, overrides[ScopeClient], l.Client)},
		{family: ScopeEndpointClass, key: classFamily, limit: pick(0, overrides[classFamily], l.EndpointClass[class])},
	}
}

// pick returns the most specific positive ceiling.
func pick(credential, tenant, global int) int {
	switch {
	case credential > 0:
		return credential
	case tenant > 0:
		return tenant
	default:
		return global
	}
}
