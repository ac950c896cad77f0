package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/core/ports"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type captureRecorder struct {
	mu      sync.Mutex
	samples []domain.UsageSample
}

func (r *captureRecorder) Record(s domain.UsageSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("connection reset")
}

func (failingStore) Close() error { return nil }

func generous() Limits {
	return Limits{
		Window:     time.Minute,
		Global:     1000,
		Tenant:     1000,
		Credential: 1000,
		Client:     1000,
		EndpointClass: map[domain.EndpointClass]int{
			domain.ClassRead:  1000,
			domain.ClassWrite: 1000,
		},
	}
}

func request() *ports.AdmissionRequest {
	return &ports.AdmissionRequest{
		Tenant:     &domain.Tenant{ID: "acme", Status: domain.StatusActive},
		Credential: &domain.Credential{ID: "cred-1", TenantID: "acme"},
		ClientAddr: "203.0.113.9",
		Class:      domain.ClassWrite,
		Format:     "json",
	}
}

func newController(limits Limits, opts ...Option) (*Controller, *MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(0, clock.Now)
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewController(store, limits, opts...), store, clock
}

func (s *MemoryStore) peek(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		return c.count
	}
	return 0
}

func TestCheck_FirstExceededScopeWins(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Limits)
		wantScope string
	}{
		{"global", func(l *Limits) { l.Global = 1; l.Tenant = 1 }, "global"},
		{"tenant", func(l *Limits) { l.Tenant = 1; l.Credential = 1 }, "tenant:acme"},
		{"credential", func(l *Limits) { l.Credential = 1; l.Client = 1 }, "credential:cred-1"},
		{"client", func(l *Limits) { l.Client = 1; l.EndpointClass[domain.ClassWrite] = 1 }, "client:203.0.113.9"},
		{"endpoint class", func(l *Limits) { l.EndpointClass[domain.ClassWrite] = 1 }, "endpoint-class:write"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := generous()
			tt.mutate(&limits)
			c, _, _ := newController(limits)

			first, err := c.Check(context.Background(), request())
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if !first.Allow {
				t.Fatalf("first request rejected on %s", first.Scope)
			}

			second, err := c.Check(context.Background(), request())
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if second.Allow {
				t.Fatal("second request allowed, want rejection")
			}
			if second.Scope != tt.wantScope {
				t.Errorf("Scope = %q, want %q", second.Scope, tt.wantScope)
			}
		})
	}
}

func TestCheck_CheckingIncrements(t *testing.T) {
	limits := generous()
	limits.Credential = 1
	c, store, _ := newController(limits)

	for i := 0; i < 2; i++ {
		if _, err := c.Check(context.Background(), request()); err != nil {
			t.Fatalf("Check() error = %v", err)
		}
	}

	// Scopes before the rejecting one were counted twice; later scopes only once.
	want := map[string]int64{
		"global":               2,
		"tenant:acme":          2,
		"credential:cred-1":    2,
		"client:203.0.113.9":   1,
		"endpoint-class:write": 1,
	}
	for key, n := range want {
		if got := store.peek(key); got != n {
			t.Errorf("counter %s = %d, want %d", key, got, n)
		}
	}
}

func TestCheck_CredentialCeilingScenario(t *testing.T) {
	c, _, clock := newController(generous())
	req := request()
	req.Credential.RateLimitPerMinute = 2

	for i := 1; i <= 2; i++ {
		d, err := c.Check(context.Background(), req)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if !d.Allow {
			t.Fatalf("request %d rejected on %s", i, d.Scope)
		}
	}

	clock.Advance(15 * time.Second)
	d, err := c.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if d.Allow {
		t.Fatal("third request allowed, want rejection")
	}
	if d.Scope != "credential:cred-1" {
		t.Errorf("Scope = %q, want credential:cred-1", d.Scope)
	}
	if d.RetryAfter != 45 {
		t.Errorf("RetryAfter = %d, want 45 (window reset)", d.RetryAfter)
	}

	clock.Advance(45 * time.Second)
	d, err = c.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !d.Allow {
		t.Error("request after window reset rejected")
	}
}

func TestCheck_DisabledScopeSkipped(t *testing.T) {
	limits := generous()
	limits.Client = 0
	c, store, _ := newController(limits)

	if _, err := c.Check(context.Background(), request()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if got := store.peek("client:203.0.113.9"); got != 0 {
		t.Errorf("disabled scope counted %d times", got)
	}
}

func TestCheck_OverrideSpecificity(t *testing.T) {
	limits := generous()
	limits.Credential = 100
	c, _, _ := newController(limits)

	req := request()
	req.Tenant.Settings.RateLimits = map[string]int{"credential": 3, "tenant": 1}

	// Tenant override of the tenant scope applies.
	if d, _ := c.Check(context.Background(), req); !d.Allow {
		t.Fatalf("first request rejected on %s", d.Scope)
	}
	d, _ := c.Check(context.Background(), req)
	if d.Allow || d.Scope != "tenant:acme" {
		t.Fatalf("decision = %+v, want tenant rejection", d)
	}

	// Credential override beats the tenant override.
	c2, _, _ := newController(limits)
	req2 := request()
	req2.Tenant.Settings.RateLimits = map[string]int{"credential": 3}
	req2.Credential.RateLimitPerMinute = 1
	c2.Check(context.Background(), req2)
	d2, _ := c2.Check(context.Background(), req2)
	if d2.Allow || d2.Scope != "credential:cred-1" {
		t.Fatalf("decision = %+v, want credential rejection at 1", d2)
	}
	if d2.RateLimitInfo.Limit != 1 {
		t.Errorf("Limit = %d, want 1", d2.RateLimitInfo.Limit)
	}
}

func TestCheck_HeaderInfoReflectsCredentialScope(t *testing.T) {
	limits := generous()
	limits.Credential = 10
	c, _, clock := newController(limits)

	d, err := c.Check(context.Background(), request())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	info := d.RateLimitInfo
	if info == nil {
		t.Fatal("RateLimitInfo = nil")
	}
	if info.Limit != 10 || info.Remaining != 9 {
		t.Errorf("info = %+v, want limit 10 remaining 9", info)
	}
	if info.ResetAt != clock.Now().Add(time.Minute).Unix() {
		t.Errorf("ResetAt = %d", info.ResetAt)
	}
}

func TestCheck_FailureModes(t *testing.T) {
	open := NewController(failingStore{}, generous(), WithFailureMode(FailOpen))
	d, err := open.Check(context.Background(), request())
	if err != nil {
		t.Fatalf("fail-open Check() error = %v", err)
	}
	if !d.Allow {
		t.Error("fail-open should allow")
	}

	closed := NewController(failingStore{}, generous(), WithFailureMode(FailClosed))
	if _, err := closed.Check(context.Background(), request()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("fail-closed Check() error = %v, want ErrUnavailable", err)
	}
}

func TestCheck_RecordsOnlyAdmitted(t *testing.T) {
	limits := generous()
	limits.Credential = 1
	rec := &captureRecorder{}
	c, _, clock := newController(limits, WithRecorder(rec))

	c.Check(context.Background(), request())
	c.Check(context.Background(), request())

	if len(rec.samples) != 1 {
		t.Fatalf("recorded %d samples, want 1", len(rec.samples))
	}
	s := rec.samples[0]
	if s.TenantID != "acme" || s.CredentialID != "cred-1" || s.Class != domain.ClassWrite || s.Format != "json" {
		t.Errorf("sample = %+v", s)
	}
	if !s.Hour.Equal(clock.Now().Truncate(time.Hour)) {
		t.Errorf("Hour = %v, want hour bucket", s.Hour)
	}
}

func TestSetLimits(t *testing.T) {
	c, _, _ := newController(generous())
	next := generous()
	next.Global = 1
	c.SetLimits(next)

	if c.Limits().Global != 1 {
		t.Errorf("Limits().Global = %d, want 1", c.Limits().Global)
	}
	c.Check(context.Background(), request())
	if d, _ := c.Check(context.Background(), request()); d.Allow || d.Scope != "global" {
		t.Errorf("decision = %+v, want global rejection after reload", d)
	}
}

func TestRetryAfterMinimum(t *testing.T) {
	now := time.Now()
	if got := retryAfter(now, now); got != 1 {
		t.Errorf("retryAfter(now) = %d, want 1", got)
	}
	if got := retryAfter(now.Add(1500*time.Millisecond), now); got != 2 {
		t.Errorf("retryAfter(1.5s) = %d, want 2", got)
	}
}
