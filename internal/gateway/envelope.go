package gateway

import (
	"bytes"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/widgetkit/gateway/internal/core/domain"
)

// Envelope is the body of every gateway response.
type Envelope struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Data    any              `json:"data"`
	Code    domain.ErrorCode `json:"code,omitempty"`
}

var fragment = template.Must(template.New("envelope").Funcs(template.FuncMap{
	"pretty": func(v any) string {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return ""
		}
		return string(b)
	},
}).Parse(`<div class="widget-response {{if .Success}}widget-success{{else}}widget-error{{end}}"{{with .Code}} data-code="{{.}}"{{end}}>
<p class="widget-message">{{.Message}}</p>
{{- with .Data}}
<pre class="widget-data">{{pretty .}}</pre>
{{- end}}
</div>
`))

// WriteEnvelope renders env as JSON or an HTML fragment.
func WriteEnvelope(w http.ResponseWriter, format Format, status int, env Envelope) {
	var (
		body        []byte
		contentType string
	)
	switch format {
	case FormatHTML:
		var buf bytes.Buffer
		if err := fragment.Execute(&buf, env); err != nil {
			slog.Error("render envelope", slog.String("error", err.Error()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		body, contentType = buf.Bytes(), "text/html; charset=utf-8"
	default:
		var err error
		body, err = json.Marshal(env)
		if err != nil {
			slog.Error("encode envelope", slog.String("error", err.Error()))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		contentType = "application/json"
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// WriteError renders err. Errors that are not *domain.APIError become a
// generic internal error; their text never reaches the client.
func WriteError(w http.ResponseWriter, format Format, err error) {
	apiErr := domain.AsAPIError(err)
	WriteEnvelope(w, format, apiErr.HTTPStatusCode(), Envelope{
		Success: false,
		Message: apiErr.Message,
		Data:    apiErr.Data,
		Code:    apiErr.Code,
	})
}

// Respond writes a success envelope in the representation negotiated for r.
func Respond(w http.ResponseWriter, r *http.Request, status int, message string, data any) {
	format := FormatJSON
	if s := ScopeFrom(r.Context()); s != nil {
		format = s.Format
	}
	WriteEnvelope(w, format, status, Envelope{Success: true, Message: message, Data: data})
}
