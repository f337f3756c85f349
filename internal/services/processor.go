package services

import (
	"context"
	"sync"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/search"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultBatchSize is the largest number of deliveries synced at once
const DefaultBatchSize = 10

// Sync sources recorded on SyncAttempt
const (
	SourceQueue     = "queue"
	SourceManual    = "manual"
	SourceReconcile = "reconcile"
)

// AttemptStore persists per-delivery sync failure counters
type AttemptStore interface {
	RecordSyncFailure(ctx context.Context, id uuid.UUID, syncErr string) (int, error)
	SyncAttempts(ctx context.Context, id uuid.UUID) (int, error)
}

// Escalator writes exhausted deliveries to the manual review ledger
type Escalator interface {
	Escalate(ctx context.Context, deliveryID uuid.UUID, attempts int, lastErr string) (*models.FailedSync, error)
}

// Scheduler accepts deliveries for background ERP sync
type Scheduler interface {
	Enqueue(id uuid.UUID) error
}

// ProcessorConfig tunes the queue processor
type ProcessorConfig struct {
	BatchSize     int
	BatchTimeout  time.Duration
	BatchDelay    time.Duration
	RatePerSecond float64
}

// ProcessorOption configures a SyncQueueProcessor
type ProcessorOption func(*SyncQueueProcessor)

// WithBatchObserver is called with the ids of every batch before it runs
func WithBatchObserver(fn func(batch []uuid.UUID)) ProcessorOption {
	return func(p *SyncQueueProcessor) {
		p.observer = fn
	}
}

// WithCollectors mirrors the queue depth into the metrics collectors
func WithCollectors(m *metrics.Metrics, prom *metrics.PromCollectors) ProcessorOption {
	return func(p *SyncQueueProcessor) {
		p.metrics = m
		p.prom = prom
	}
}

// WithIndexer publishes every sync attempt for search
func WithIndexer(indexer search.Indexer) ProcessorOption {
	return func(p *SyncQueueProcessor) {
		p.indexer = indexer
	}
}

// BatchReport summarises one processed batch
type BatchReport struct {
	Synced    int `json:"synced"`
	Requeued  int `json:"requeued"`
	Escalated int `json:"escalated"`
	Dropped   int `json:"dropped"`
}

// SyncQueueProcessor drains an in-memory FIFO of delivery ids in bounded,
// rate limited batches. Failed deliveries go back to the tail until their
// retry count reaches the sync attempt limit, then they are escalated.
type SyncQueueProcessor struct {
	syncer   Syncer
	attempts AttemptStore
	ledger   Escalator
	sink     metrics.SyncSink
	indexer  search.Indexer
	metrics  *metrics.Metrics
	prom     *metrics.PromCollectors
	limiter  *rate.Limiter
	cfg      ProcessorConfig
	observer func(batch []uuid.UUID)

	mu      sync.Mutex
	queue   []uuid.UUID
	queued  map[uuid.UUID]struct{}
	retries map[uuid.UUID]int
	running bool
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSyncQueueProcessor creates a new processor. sink may be nil.
func NewSyncQueueProcessor(syncer Syncer, attempts AttemptStore, ledger Escalator, sink metrics.SyncSink, cfg ProcessorConfig, opts ...ProcessorOption) *SyncQueueProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchAttemptTimeout
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &SyncQueueProcessor{
		syncer:   syncer,
		attempts: attempts,
		ledger:   ledger,
		sink:     sink,
		indexer:  search.NopIndexer{},
		limiter:  rate.NewLimiter(limit, cfg.BatchSize),
		cfg:      cfg,
		queued:   make(map[uuid.UUID]struct{}),
		retries:  make(map[uuid.UUID]int),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue adds a delivery to the tail of the queue and starts the
// processor when it is idle. A delivery already waiting is not added twice.
func (p *SyncQueueProcessor) Enqueue(id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return errors.New("sync queue processor is stopped")
	}
	if _, ok := p.queued[id]; ok {
		return apperrors.ErrAlreadyQueued
	}
	p.push(id)

	if !p.running {
		p.running = true
		p.done = make(chan struct{})
		go p.run(p.done)
	}
	return nil
}

// push appends id, the caller holds mu
func (p *SyncQueueProcessor) push(id uuid.UUID) {
	p.queue = append(p.queue, id)
	p.queued[id] = struct{}{}
	p.reportDepth()
}

func (p *SyncQueueProcessor) reportDepth() {
	depth := len(p.queue)
	if p.metrics != nil {
		p.metrics.SetGauge(metrics.SyncQueueDepth, int64(depth))
	}
	if p.prom != nil {
		p.prom.SetQueueDepth(depth)
	}
}

// Len returns the number of waiting deliveries
func (p *SyncQueueProcessor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Running reports whether a processing loop is active
func (p *SyncQueueProcessor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// next pops up to one batch. When the queue is empty the loop is marked
// stopped under the same lock so a concurrent Enqueue starts a new one.
func (p *SyncQueueProcessor) next() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 || p.ctx.Err() != nil {
		p.running = false
		return nil
	}

	n := p.cfg.BatchSize
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]uuid.UUID, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	for _, id := range batch {
		delete(p.queued, id)
	}
	p.reportDepth()
	return batch
}

func (p *SyncQueueProcessor) run(done chan struct{}) {
	defer close(done)
	log.Debug().Msg("Sync queue processor started")

	for {
		batch := p.next()
		if batch == nil {
			log.Debug().Msg("Sync queue processor idle")
			return
		}

		report := p.processBatch(p.ctx, batch)
		log.Info().
			Int("batch", len(batch)).
			Int("synced", report.Synced).
			Int("requeued", report.Requeued).
			Int("escalated", report.Escalated).
			Int("dropped", report.Dropped).
			Msg("Sync batch processed")

		if p.Len() > 0 {
			if err := sleepCtx(p.ctx, p.cfg.BatchDelay); err != nil {
				p.mu.Lock()
				p.running = false
				p.mu.Unlock()
				return
			}
		}
	}
}

// ProcessBatch pulls up to one batch from the queue and processes it
// synchronously
func (p *SyncQueueProcessor) ProcessBatch(ctx context.Context) BatchReport {
	p.mu.Lock()
	n := p.cfg.BatchSize
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make([]uuid.UUID, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	for _, id := range batch {
		delete(p.queued, id)
	}
	p.reportDepth()
	p.mu.Unlock()

	if len(batch) == 0 {
		return BatchReport{}
	}
	return p.processBatch(ctx, batch)
}

func (p *SyncQueueProcessor) processBatch(ctx context.Context, batch []uuid.UUID) BatchReport {
	if p.observer != nil {
		p.observer(batch)
	}

	var (
		mu     sync.Mutex
		report BatchReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchSize)
	for _, id := range batch {
		id := id
		g.Go(func() error {
			outcome := p.processOne(gctx, id)
			mu.Lock()
			switch outcome {
			case models.SyncOutcomeSuccess, models.SyncOutcomeAlreadySynced:
				report.Synced++
			case models.SyncOutcomeEscalated:
				report.Escalated++
			case models.SyncOutcomeFailure:
				report.Requeued++
			default:
				report.Dropped++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// processOne syncs one delivery and returns its outcome. An empty outcome
// means the delivery was dropped from the queue.
func (p *SyncQueueProcessor) processOne(ctx context.Context, id uuid.UUID) models.SyncOutcome {
	if err := p.limiter.Wait(ctx); err != nil {
		p.requeue(id)
		return models.SyncOutcomeFailure
	}

	retries := p.seedRetries(ctx, id)

	start := time.Now()
	res, err := p.syncer.Sync(ctx, id, SyncOptions{AttemptTimeout: p.cfg.BatchTimeout, Source: SourceQueue})
	duration := time.Since(start)

	if err == nil {
		p.mu.Lock()
		delete(p.retries, id)
		p.mu.Unlock()
		p.record(models.SyncAttempt{DeliveryID: id, Outcome: res.Outcome, Duration: duration, RetryCount: retries, Source: SourceQueue, At: time.Now()})
		return res.Outcome
	}

	if errors.Is(err, apperrors.ErrNotFound) {
		p.mu.Lock()
		delete(p.retries, id)
		p.mu.Unlock()
		log.Warn().Str("delivery_id", id.String()).Msg("Dropping sync of unknown delivery")
		return ""
	}

	retries++
	if p.attempts != nil {
		persisted, perr := p.attempts.RecordSyncFailure(ctx, id, err.Error())
		if perr != nil {
			log.Error().Err(perr).Str("delivery_id", id.String()).Msg("Failed to record sync failure")
		} else if persisted > retries {
			retries = persisted
		}
	}

	if retries >= p.syncer.MaxAttempts() {
		p.mu.Lock()
		delete(p.retries, id)
		p.mu.Unlock()
		p.escalate(ctx, id, retries, err, duration)
		return models.SyncOutcomeEscalated
	}

	p.mu.Lock()
	p.retries[id] = retries
	p.mu.Unlock()
	p.record(models.SyncAttempt{DeliveryID: id, Outcome: models.SyncOutcomeFailure, Duration: duration, RetryCount: retries, Source: SourceQueue, Error: err.Error(), At: time.Now()})
	p.requeue(id)

	log.Warn().
		Err(err).
		Str("delivery_id", id.String()).
		Int("retries", retries).
		Msg("Sync failed, requeued")
	return models.SyncOutcomeFailure
}

// seedRetries returns the tracked retry count, loading the persisted
// counter the first time a delivery is seen
func (p *SyncQueueProcessor) seedRetries(ctx context.Context, id uuid.UUID) int {
	p.mu.Lock()
	retries, ok := p.retries[id]
	p.mu.Unlock()
	if ok || p.attempts == nil {
		return retries
	}

	persisted, err := p.attempts.SyncAttempts(ctx, id)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			log.Warn().Err(err).Str("delivery_id", id.String()).Msg("Failed to load sync attempts")
		}
		return 0
	}

	p.mu.Lock()
	p.retries[id] = persisted
	p.mu.Unlock()
	return persisted
}

func (p *SyncQueueProcessor) requeue(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.queued[id]; ok {
		return
	}
	p.push(id)
}

func (p *SyncQueueProcessor) escalate(ctx context.Context, id uuid.UUID, retries int, syncErr error, duration time.Duration) {
	attempt := models.SyncAttempt{
		DeliveryID: id,
		Outcome:    models.SyncOutcomeEscalated,
		Duration:   duration,
		RetryCount: retries,
		Source:     SourceQueue,
		Error:      syncErr.Error(),
		At:         time.Now(),
	}

	if p.ledger != nil {
		entry, err := p.ledger.Escalate(ctx, id, retries, syncErr.Error())
		if err != nil {
			log.Error().Err(err).Str("delivery_id", id.String()).Msg("Failed to escalate delivery for manual review")
		} else {
			log.Error().
				Str("delivery_id", id.String()).
				Str("ledger_id", entry.ID.String()).
				Int("retries", retries).
				Msg("Delivery escalated for manual review")
		}
	}
	p.record(attempt)
}

func (p *SyncQueueProcessor) record(attempt models.SyncAttempt) {
	p.sink.Record(attempt)
	recordSearch(p.indexer, attempt)
}

// Wait blocks until the processing loop is idle
func (p *SyncQueueProcessor) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		running, done := p.running, p.done
		p.mu.Unlock()
		if !running {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops accepting work and waits for the running batch to finish
func (p *SyncQueueProcessor) Shutdown(ctx context.Context) error {
	p.cancel()
	return p.Wait(ctx)
}

// recordSearch indexes a sync attempt without blocking the caller
func recordSearch(indexer search.Indexer, attempt models.SyncAttempt) {
	if indexer == nil {
		return
	}
	if _, ok := indexer.(search.NopIndexer); ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := indexer.IndexSyncAttempt(ctx, attempt); err != nil {
			log.Warn().Err(err).Str("delivery_id", attempt.DeliveryID.String()).Msg("Failed to index sync attempt")
		}
	}()
}
