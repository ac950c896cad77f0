package domain

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name:     "type code and message",
			err:      ErrForbidden("Origin not allowed"),
			expected: "permission (FORBIDDEN): Origin not allowed",
		},
		{
			name:     "with cause",
			err:      ErrDatabase(errors.New("disk full")),
			expected: "storage (DATABASE_ERROR): Database unavailable: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected int
		code     ErrorCode
	}{
		{"unauthorized", ErrUnauthorized(""), http.StatusUnauthorized, ErrorCodeUnauthorized},
		{"forbidden", ErrForbidden("nope"), http.StatusForbidden, ErrorCodeForbidden},
		{"rate limit", ErrRateLimit("global", 3), http.StatusTooManyRequests, ErrorCodeRateLimitExceeded},
		{"database", ErrDatabase(nil), http.StatusServiceUnavailable, ErrorCodeDatabaseError},
		{"validation", ErrValidation("bad", nil), http.StatusUnprocessableEntity, ErrorCodeValidationFailed},
		{"not found", ErrNotFound("missing"), http.StatusNotFound, ErrorCodeResourceNotFound},
		{"method", ErrMethodNotAllowed(), http.StatusMethodNotAllowed, ErrorCodeMethodNotAllowed},
		{"internal", ErrInternal(), http.StatusInternalServerError, ErrorCodeInternalServer},
		{"override", ErrForbidden("x").WithStatusCode(http.StatusConflict), http.StatusConflict, ErrorCodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %s, want %s", tt.err.Code, tt.code)
			}
		})
	}
}

func TestAsAPIError(t *testing.T) {
	cause := errors.New("boom: /var/lib/secret")

	got := AsAPIError(cause)
	if got.Code != ErrorCodeInternalServer {
		t.Errorf("Code = %s, want %s", got.Code, ErrorCodeInternalServer)
	}
	if got.Message != "Internal server error" {
		t.Errorf("Message = %q leaks internal detail", got.Message)
	}
	if !errors.Is(got, cause) {
		t.Error("AsAPIError() lost the cause")
	}

	rl := ErrRateLimit("tenant:t1", 7)
	if AsAPIError(rl) != rl {
		t.Error("AsAPIError() should return an existing APIError unchanged")
	}
}

func TestErrRateLimitData(t *testing.T) {
	data, ok := ErrRateLimit("credential:c1", 12).Data.(map[string]any)
	if !ok {
		t.Fatal("Data is not a map")
	}
	if data["scope"] != "credential:c1" || data["retry_after"] != 12 {
		t.Errorf("Data = %v", data)
	}
}

func TestCredentialValid(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		cred *Credential
		want bool
	}{
		{"active", &Credential{Status: StatusActive, ExpiresAt: now.Add(time.Hour)}, true},
		{"revoked", &Credential{Status: StatusRevoked, ExpiresAt: now.Add(time.Hour)}, false},
		{"expired status", &Credential{Status: StatusExpired, ExpiresAt: now.Add(time.Hour)}, false},
		{"expires now", &Credential{Status: StatusActive, ExpiresAt: now}, false},
		{"past expiry", &Credential{Status: StatusActive, ExpiresAt: now.Add(-time.Second)}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredentialHasPermission(t *testing.T) {
	c := &Credential{Permissions: []Permission{PermCommentsRead}}
	if !c.HasPermission(PermCommentsRead) {
		t.Error("HasPermission(comments.read) = false, want true")
	}
	if c.HasPermission(PermCommentsWrite) {
		t.Error("HasPermission(comments.write) = true, want false")
	}

	wild := &Credential{Permissions: []Permission{PermWildcard}}
	if !wild.HasPermission(PermReviewsWrite) {
		t.Error("wildcard should grant reviews.write")
	}
}

func TestCredentialClone(t *testing.T) {
	used := time.Now()
	c := &Credential{ID: "c1", Permissions: []Permission{PermCommentsRead}, LastUsedAt: &used}
	clone := c.Clone()

	clone.Permissions[0] = PermWildcard
	*clone.LastUsedAt = used.Add(time.Hour)

	if c.Permissions[0] != PermCommentsRead {
		t.Error("Clone() shares the permissions slice")
	}
	if !c.LastUsedAt.Equal(used) {
		t.Error("Clone() shares LastUsedAt")
	}
}
