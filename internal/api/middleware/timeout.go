package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout enforces request timeouts.
// If a request exceeds the timeout, its context is cancelled. The handler is
// not forcibly terminated; it must check ctx.Done() for cooperative cancellation.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
