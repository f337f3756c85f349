package services

import (
	"context"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/messaging"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/search"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ledger is the manual review ledger
type Ledger interface {
	Escalator
	GetByID(ctx context.Context, id uuid.UUID) (*models.FailedSync, error)
	ListPending(ctx context.Context, limit, offset int) ([]models.FailedSync, error)
	Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (*models.FailedSync, error)
}

// ReviewService runs operator triggered syncs and works the manual review
// ledger
type ReviewService struct {
	syncer    Syncer
	attempts  AttemptStore
	ledger    Ledger
	scheduler Scheduler
	sink      metrics.SyncSink
	indexer   search.Indexer
	now       func() time.Time
}

// NewReviewService creates a new review service. sink and indexer may be nil.
func NewReviewService(syncer Syncer, attempts AttemptStore, ledger Ledger, scheduler Scheduler, sink metrics.SyncSink, indexer search.Indexer) *ReviewService {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	if indexer == nil {
		indexer = search.NopIndexer{}
	}
	return &ReviewService{
		syncer:    syncer,
		attempts:  attempts,
		ledger:    ledger,
		scheduler: scheduler,
		sink:      sink,
		indexer:   indexer,
		now:       time.Now,
	}
}

// SyncNow syncs a delivery in the foreground. An exhausted sync is
// escalated straight to the ledger and its TerminalSyncError returned.
func (s *ReviewService) SyncNow(ctx context.Context, id uuid.UUID) (*SyncResult, error) {
	start := s.now()
	res, err := s.syncer.Sync(ctx, id, SyncOptions{Source: SourceManual})
	duration := s.now().Sub(start)

	if err == nil {
		s.record(models.SyncAttempt{DeliveryID: id, Outcome: res.Outcome, Duration: duration, Source: SourceManual, At: s.now()})
		return res, nil
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	attempts := 0
	if res != nil {
		attempts = res.Attempts
	}
	if s.attempts != nil {
		if n, perr := s.attempts.RecordSyncFailure(ctx, id, err.Error()); perr == nil {
			attempts = n
		} else {
			log.Error().Err(perr).Str("delivery_id", id.String()).Msg("Failed to record sync failure")
		}
	}

	outcome := models.SyncOutcomeFailure
	if apperrors.IsTerminal(err) {
		outcome = models.SyncOutcomeEscalated
		if _, lerr := s.ledger.Escalate(ctx, id, attempts, err.Error()); lerr != nil {
			log.Error().Err(lerr).Str("delivery_id", id.String()).Msg("Failed to escalate delivery for manual review")
		}
	}
	s.record(models.SyncAttempt{DeliveryID: id, Outcome: outcome, Duration: duration, RetryCount: attempts, Source: SourceManual, Error: err.Error(), At: s.now()})
	return res, err
}

func (s *ReviewService) record(attempt models.SyncAttempt) {
	s.sink.Record(attempt)
	recordSearch(s.indexer, attempt)
}

// ListPending returns ledger entries awaiting review
func (s *ReviewService) ListPending(ctx context.Context, limit, offset int) ([]models.FailedSync, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.ledger.ListPending(ctx, limit, offset)
}

// Retry resolves a pending ledger entry and hands its delivery back to
// automatic sync
func (s *ReviewService) Retry(ctx context.Context, ledgerID uuid.UUID, operator string) (*models.FailedSync, error) {
	entry, err := s.ledger.Resolve(ctx, ledgerID, operator, s.now())
	if err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.Enqueue(entry.DeliveryID); err != nil && !errors.Is(err, apperrors.ErrAlreadyQueued) {
			return entry, errors.Wrap(err, "failed to schedule retried delivery")
		}
	}

	log.Info().
		Str("ledger_id", entry.ID.String()).
		Str("delivery_id", entry.DeliveryID.String()).
		Str("operator", operator).
		Msg("Manual review entry retried")
	return entry, nil
}

// PublishingScheduler forwards sync requests to the worker over the
// message bus
type PublishingScheduler struct {
	publisher messaging.SyncPublisher
	source    string
	timeout   time.Duration
}

// NewPublishingScheduler creates a scheduler that publishes sync requests
func NewPublishingScheduler(publisher messaging.SyncPublisher, source string) *PublishingScheduler {
	return &PublishingScheduler{publisher: publisher, source: source, timeout: 10 * time.Second}
}

// Enqueue implements Scheduler
func (s *PublishingScheduler) Enqueue(id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.publisher.PublishSyncRequest(ctx, messaging.SyncRequest{
		DeliveryID:  id,
		Source:      s.source,
		RequestedAt: time.Now().UTC(),
	})
}

// HandleSyncRequest feeds a received sync request into the processor. It is
// the message consumer handler of the worker.
func HandleSyncRequest(processor Scheduler) messaging.SyncHandler {
	return func(_ context.Context, req messaging.SyncRequest) error {
		err := processor.Enqueue(req.DeliveryID)
		if errors.Is(err, apperrors.ErrAlreadyQueued) {
			return nil
		}
		return err
	}
}
