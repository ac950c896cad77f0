package credential

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// HeaderName is the request header carrying the API key.
const HeaderName = "X-API-Key"

// FieldName is the query and body field carrying the API key.
const FieldName = "api_key"

// maxSniffBytes bounds how much of a body is buffered to look for a key.
const maxSniffBytes = 1 << 20

// ExtractKey finds the API key in the header, the query string, or the body,
// in that order. A body that is read is restored so handlers can read it again.
func ExtractKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderName)); key != "" {
		return key
	}
	if key := r.URL.Query().Get(FieldName); key != "" {
		return key
	}
	if fields := BodyFields(r); fields != nil {
		return fields[FieldName]
	}
	return ""
}

// BodyFields returns the top-level string fields of a form or JSON body
// without consuming it. It returns nil for bodies it does not understand.
func BodyFields(r *http.Request) map[string]string {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" && mediaType != "application/x-www-form-urlencoded" {
		return nil
	}

	orig := r.Body
	raw, err := io.ReadAll(io.LimitReader(orig, maxSniffBytes+1))
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(raw), orig), Closer: orig}
	if err != nil || len(raw) > maxSniffBytes {
		return nil
	}

	fields := map[string]string{}
	switch mediaType {
	case "application/json":
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil
		}
		for k, v := range body {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
	default:
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil
		}
		for k := range values {
			fields[k] = values.Get(k)
		}
	}
	return fields
}

type readCloser struct {
	io.Reader
	io.Closer
}
