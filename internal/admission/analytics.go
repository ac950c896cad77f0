package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/widgetkit/gateway/internal/core/domain"
	"github.com/widgetkit/gateway/internal/core/ports"
	"github.com/widgetkit/gateway/internal/telemetry"
)

// DefaultQueueSize bounds the analytics backlog.
const DefaultQueueSize = 4096

// Recorder writes analytics samples to the usage store from a background
// worker. Record never blocks: when the queue is full the sample is dropped.
type Recorder struct {
	store   ports.UsageStore
	queue   chan domain.UsageSample
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

var _ ports.UsageRecorder = (*Recorder)(nil)

// NewRecorder starts a recorder with a queue of size samples.
func NewRecorder(store ports.UsageStore, size int, metrics *telemetry.Metrics, logger *slog.Logger) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:   store,
		queue:   make(chan domain.UsageSample, size),
		metrics: metrics,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues sample or drops it when the queue is full or closed.
func (r *Recorder) Record(sample domain.UsageSample) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.metrics.AnalyticsDrop()
		return
	}

	select {
	case r.queue <- sample:
	default:
		r.metrics.AnalyticsDrop()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for sample := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.RecordHourly(ctx, sample)
		cancel()
		if err != nil {
			r.logger.Warn("failed to record analytics sample",
				slog.String("tenant_id", sample.TenantID),
				slog.String("error", err.Error()))
			continue
		}
		r.metrics.AnalyticsWritten()
	}
}

// Close stops accepting samples and waits for the backlog to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
