package metrics

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/rs/zerolog/log"
)

// SyncSink receives one record per ERP sync run. Implementations must not
// block the caller.
type SyncSink interface {
	Record(attempt models.SyncAttempt)
}

// NopSink discards every record
type NopSink struct{}

// Record implements SyncSink
func (NopSink) Record(models.SyncAttempt) {}

// ChannelSink buffers sync records on a channel and folds them into the
// collector and the Prometheus series from a single consumer goroutine.
// Records arriving while the buffer is full are dropped and counted.
type ChannelSink struct {
	ch      chan models.SyncAttempt
	metrics *Metrics
	prom    *PromCollectors
	dropped int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewChannelSink creates a sink with the given buffer size. prom may be nil.
func NewChannelSink(buffer int, m *Metrics, prom *PromCollectors) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		ch:      make(chan models.SyncAttempt, buffer),
		metrics: m,
		prom:    prom,
		done:    make(chan struct{}),
	}
}

// Record implements SyncSink
func (s *ChannelSink) Record(attempt models.SyncAttempt) {
	select {
	case s.ch <- attempt:
	default:
		atomic.AddInt64(&s.dropped, 1)
		if s.prom != nil {
			s.prom.sinkDropped.Inc()
		}
	}
}

// Dropped returns the number of discarded records
func (s *ChannelSink) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Run consumes records until ctx is done or the sink is closed, then
// drains what is still buffered
func (s *ChannelSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case attempt, ok := <-s.ch:
			if !ok {
				return
			}
			s.apply(attempt)
		case <-ctx.Done():
			for {
				select {
				case attempt, ok := <-s.ch:
					if !ok {
						return
					}
					s.apply(attempt)
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting records and waits for Run to return
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
	<-s.done
}

func (s *ChannelSink) apply(a models.SyncAttempt) {
	if s.metrics != nil {
		s.metrics.IncrementCounter("sync.outcome." + string(a.Outcome))
		s.metrics.RecordTimer(SyncDuration, a.Duration.Milliseconds())
		switch a.Outcome {
		case models.SyncOutcomeFailure:
			s.metrics.RecordError(SyncErrorRate)
		case models.SyncOutcomeEscalated:
			s.metrics.RecordError(SyncErrorRate)
			s.metrics.IncrementCounter(SyncEscalated)
		default:
			s.metrics.RecordSuccess(SyncErrorRate)
		}
	}

	if s.prom != nil {
		source := a.Source
		if source == "" {
			source = "direct"
		}
		s.prom.syncTotal.WithLabelValues(string(a.Outcome), source).Inc()
		s.prom.syncDuration.WithLabelValues(string(a.Outcome)).Observe(a.Duration.Seconds())
		s.prom.syncRetries.Observe(float64(a.RetryCount))
	}

	log.Debug().
		Str("delivery_id", a.DeliveryID.String()).
		Str("outcome", string(a.Outcome)).
		Dur("duration", a.Duration).
		Int("retry_count", a.RetryCount).
		Msg("Sync attempt recorded")
}
