package origin

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/widgetkit/gateway/internal/core/domain"
)

// Header values sent on successful preflights.
const (
	AllowMethods  = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	AllowHeaders  = "Content-Type, Authorization, X-API-Key, X-Requested-With, X-Request-ID"
	ExposeHeaders = "X-Rate-Limit-Limit, X-Rate-Limit-Remaining, X-Rate-Limit-Reset, Retry-After, X-Request-ID"
	MaxAge        = "86400"
)

// Resolver derives allow-lists from global configuration and tenant records.
type Resolver struct {
	global        atomic.Pointer[[]string]
	allowLoopback bool
	compiled      sync.Map // entry -> Pattern
}

// NewResolver creates a resolver. allowLoopback admits localhost origins
// regardless of the allow-list and must only be set outside production.
func NewResolver(global []string, allowLoopback bool) *Resolver {
	r := &Resolver{allowLoopback: allowLoopback}
	r.SetGlobal(global)
	return r
}

// SetGlobal replaces the global default origins.
func (r *Resolver) SetGlobal(origins []string) {
	cp := append([]string(nil), origins...)
	r.global.Store(&cp)
}

// Global returns the global default origins.
func (r *Resolver) Global() []string {
	return *r.global.Load()
}

// AllowedOrigins unions the global origins, the tenant's declared origins and
// the four scheme/www variants of the tenant's domain.
func (r *Resolver) AllowedOrigins(t *domain.Tenant) []string {
	seen := map[string]bool{}
	var out []string
	add := func(entries ...string) {
		for _, e := range entries {
			key := Normalize(e)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, e)
		}
	}

	add(r.Global()...)
	if t != nil {
		add(t.AllowedOrigins...)
		add(DomainVariants(t.Domain)...)
	}
	return out
}

// DomainVariants expands a bare domain into http/https with and without www.
func DomainVariants(d string) []string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimPrefix(d, "www.")
	if d == "" {
		return nil
	}
	return []string{
		"http://" + d,
		"https://" + d,
		"http://www." + d,
		"https://www." + d,
	}
}

// IsAllowed reports whether origin matches any of patterns. Entries that do
// not compile never match.
func (r *Resolver) IsAllowed(origin string, patterns []string) bool {
	if origin == "" {
		return false
	}
	if r.allowLoopback && IsLoopback(origin) {
		return true
	}
	for _, entry := range patterns {
		if p, ok := r.pattern(entry); ok && p.Match(origin) {
			return true
		}
	}
	return false
}

func (r *Resolver) pattern(entry string) (Pattern, bool) {
	if v, ok := r.compiled.Load(entry); ok {
		return v.(Pattern), true
	}
	p, err := Compile(entry)
	if err != nil {
		return Pattern{}, false
	}
	r.compiled.Store(entry, p)
	return p, true
}

// IsLoopback reports whether origin names localhost or a loopback address.
func IsLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsPreflight reports whether req is a CORS preflight.
func IsPreflight(req *http.Request) bool {
	return req.Method == http.MethodOptions &&
		req.Header.Get("Origin") != "" &&
		req.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight answers a preflight. It writes a 204 with the CORS headers
// and returns true when the origin is allowed; otherwise it writes nothing
// and returns false so the caller can reject the request.
func (r *Resolver) HandlePreflight(w http.ResponseWriter, req *http.Request, patterns []string) bool {
	origin := req.Header.Get("Origin")
	w.Header().Add("Vary", "Origin")
	if !r.IsAllowed(origin, patterns) {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", AllowMethods)
	h.Set("Access-Control-Allow-Headers", AllowHeaders)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Max-Age", MaxAge)
	w.WriteHeader(http.StatusNoContent)
	return true
}

// Annotate adds CORS headers for an actual request from an allowed origin.
// A missing or disallowed origin gets no CORS headers; the request itself is
// not blocked.
func (r *Resolver) Annotate(w http.ResponseWriter, origin string, patterns []string) bool {
	if origin == "" {
		return false
	}
	w.Header().Add("Vary", "Origin")
	if !r.IsAllowed(origin, patterns) {
		return false
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", ExposeHeaders)
	return true
}
