package gateway

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/widgetkit/gateway/internal/core/domain"
)

// Format is a response representation.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// FormatParam is the query parameter that forces a representation.
const FormatParam = "format"

// ParseFormat maps a configured or requested format name to a Format.
func ParseFormat(s string) (Format, bool) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, true
	case FormatHTML:
		return FormatHTML, true
	}
	return "", false
}

// Negotiate picks the representation for r: the format query parameter,
// then the Accept header, then the tenant's response_format setting, then
// fallback.
func Negotiate(r *http.Request, tenant *domain.Tenant, fallback Format) Format {
	if f, ok := ParseFormat(r.URL.Query().Get(FormatParam)); ok {
		return f
	}
	if f, ok := fromAccept(r.Header.Get("Accept")); ok {
		return f
	}
	if tenant != nil {
		if f, ok := ParseFormat(tenant.Settings.ResponseFormat); ok {
			return f
		}
	}
	if fallback == "" {
		return FormatJSON
	}
	return fallback
}

// fromAccept prefers whichever of text/html and application/json carries the
// higher quality. Wildcards and ties express no preference.
func fromAccept(header string) (Format, bool) {
	if header == "" {
		return "", false
	}
	htmlQ, jsonQ := -1.0, -1.0
	for _, part := range strings.Split(header, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if v, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				q = parsed
			}
		}
		switch mediaType {
		case "text/html", "application/xhtml+xml":
			htmlQ = max(htmlQ, q)
		case "application/json":
			jsonQ = max(jsonQ, q)
		}
	}
	switch {
	case htmlQ > jsonQ && htmlQ > 0:
		return FormatHTML, true
	case jsonQ > htmlQ && jsonQ > 0:
		return FormatJSON, true
	}
	return "", false
}
