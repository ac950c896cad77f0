// Package origin computes per-tenant CORS allow-lists and applies them to
// preflight and actual requests.
package origin

import (
	"fmt"
	"regexp"
	"strings"
)

// Wildcard allows every origin.
const Wildcard = "*"

// Pattern is a compiled allow-list entry: an exact origin, the universal
// wildcard, or a single-level subdomain wildcard such as *.example.com.
type Pattern struct {
	raw   string
	exact string
	any   bool
	re    *regexp.Regexp
}

// Compile parses one allow-list entry. A subdomain wildcard without a scheme
// matches both http and https.
func Compile(entry string) (Pattern, error) {
	raw := strings.TrimSpace(entry)
	if raw == Wildcard {
		return Pattern{raw: raw, any: true}, nil
	}
	if raw == "" {
		return Pattern{}, fmt.Errorf("empty origin pattern")
	}

	norm := Normalize(raw)
	if !strings.Contains(norm, "*") {
		return Pattern{raw: raw, exact: norm}, nil
	}

	scheme, host := "https?", norm
	if i := strings.Index(norm, "://"); i >= 0 {
		scheme, host = regexp.QuoteMeta(norm[:i]), norm[i+3:]
	}
	if !strings.HasPrefix(host, "*.") || strings.Count(host, "*") != 1 || len(host) < 3 {
		return Pattern{}, fmt.Errorf("unsupported origin pattern %q", entry)
	}

	expr := fmt.Sprintf(`^%s://[a-z0-9-]+\.%s(:[0-9]+)?$`, scheme, regexp.QuoteMeta(host[2:]))
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile origin pattern %q: %w", entry, err)
	}
	return Pattern{raw: raw, re: re}, nil
}

// String returns the entry the pattern was compiled from.
func (p Pattern) String() string {
	return p.raw
}

// Match reports whether origin is allowed by p.
func (p Pattern) Match(origin string) bool {
	if origin == "" {
		return false
	}
	switch {
	case p.any:
		return true
	case p.re != nil:
		return p.re.MatchString(Normalize(origin))
	default:
		return p.exact == Normalize(origin)
	}
}

// Normalize lowercases an origin and drops any trailing slash.
func Normalize(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}
