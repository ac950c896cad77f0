package admission

import (
	"context"
	"sync"
	"time"

	"github.com/widgetkit/gateway/internal/core/ports"
)

// MemoryStore is an in-process fixed-window counter store. It suits a
// single gateway instance; use RedisStore when instances share limits.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type counter struct {
	count   int64
	resetAt time.Time
}

var _ ports.CounterStore = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store whose expired counters are swept
// every cleanupInterval. A non-positive interval disables the sweeper.
func NewMemoryStore(cleanupInterval time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		counters: make(map[string]*counter),
		now:      now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.sweep(cleanupInterval)
	} else {
		close(s.done)
	}
	return s
}

// Increment adds one to key, starting a new window when the old one elapsed.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &counter{resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, c.resetAt, nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *MemoryStore) sweep(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		if !now.Before(c.resetAt) {
			delete(s.counters, key)
		}
	}
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
