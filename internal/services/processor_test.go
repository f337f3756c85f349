package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/messaging"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSyncer answers Sync from a per-call function and counts calls
type fakeSyncer struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	opts  []SyncOptions
	fn    func(id uuid.UUID, call int) error
}

func newFakeSyncer(fn func(id uuid.UUID, call int) error) *fakeSyncer {
	return &fakeSyncer{calls: make(map[uuid.UUID]int), fn: fn}
}

func (s *fakeSyncer) Sync(_ context.Context, id uuid.UUID, opts SyncOptions) (*SyncResult, error) {
	s.mu.Lock()
	s.calls[id]++
	call := s.calls[id]
	s.opts = append(s.opts, opts)
	s.mu.Unlock()

	if err := s.fn(id, call); err != nil {
		return &SyncResult{DeliveryID: id, Outcome: models.SyncOutcomeFailure, Attempts: 3}, err
	}
	return &SyncResult{DeliveryID: id, Outcome: models.SyncOutcomeSuccess, Attempts: 1}, nil
}

func (s *fakeSyncer) MaxAttempts() int { return DefaultMaxAttempts }

func (s *fakeSyncer) callsFor(id uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *fakeSyncer) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func terminalFor(id uuid.UUID) error {
	return &apperrors.TerminalSyncError{DeliveryID: id, Attempts: 3, Err: errors.New("erp unavailable")}
}

func waitIdle(t *testing.T, p *SyncQueueProcessor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestProcessorDrainsInBoundedBatches(t *testing.T) {
	syncer := newFakeSyncer(func(uuid.UUID, int) error { return nil })
	sink := &recordingSink{}

	var (
		mu      sync.Mutex
		batches []int
	)
	m := metrics.NewMetrics()
	p := NewSyncQueueProcessor(syncer, nil, nil, sink, ProcessorConfig{BatchSize: 10},
		WithBatchObserver(func(batch []uuid.UUID) {
			mu.Lock()
			batches = append(batches, len(batch))
			mu.Unlock()
		}),
		WithCollectors(m, nil),
	)

	for i := 0; i < 25; i++ {
		require.NoError(t, p.Enqueue(uuid.New()))
	}
	waitIdle(t, p)

	assert.Equal(t, 0, p.Len())
	assert.False(t, p.Running())
	assert.Equal(t, 25, syncer.total())
	assert.Len(t, sink.outcomes(), 25)
	assert.Equal(t, int64(0), m.GetGauges()[metrics.SyncQueueDepth])

	mu.Lock()
	defer mu.Unlock()
	sum := 0
	for _, n := range batches {
		assert.LessOrEqual(t, n, 10)
		sum += n
	}
	assert.Equal(t, 25, sum)

	for _, opts := range syncer.opts {
		assert.Equal(t, DefaultBatchAttemptTimeout, opts.AttemptTimeout)
		assert.Equal(t, SourceQueue, opts.Source)
	}
}

func TestProcessorDeduplicatesQueuedIDs(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	first := uuid.New()

	syncer := newFakeSyncer(func(id uuid.UUID, _ int) error {
		if id == first {
			close(entered)
			<-release
		}
		return nil
	})
	p := NewSyncQueueProcessor(syncer, nil, nil, nil, ProcessorConfig{BatchSize: 1})

	require.NoError(t, p.Enqueue(first))
	<-entered

	second := uuid.New()
	require.NoError(t, p.Enqueue(second))
	assert.ErrorIs(t, p.Enqueue(second), apperrors.ErrAlreadyQueued)
	assert.Equal(t, 1, p.Len())

	close(release)
	waitIdle(t, p)
	assert.Equal(t, 1, syncer.callsFor(second))
}

func TestProcessorEscalatesAfterMaxRetries(t *testing.T) {
	repos := newTestRepos(t)
	c := storedConfirmation(t, repos.confirmations)

	syncer := newFakeSyncer(func(id uuid.UUID, _ int) error { return terminalFor(id) })
	sink := &recordingSink{}
	p := NewSyncQueueProcessor(syncer, repos.confirmations, repos.ledger, sink, ProcessorConfig{})

	require.NoError(t, p.Enqueue(c.ID))
	waitIdle(t, p)

	assert.Equal(t, DefaultMaxAttempts, syncer.callsFor(c.ID))
	assert.Equal(t, []models.SyncOutcome{
		models.SyncOutcomeFailure,
		models.SyncOutcomeFailure,
		models.SyncOutcomeEscalated,
	}, sink.outcomes())

	pending, err := repos.ledger.ListPending(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].DeliveryID)
	assert.Equal(t, models.FailedSyncPendingReview, pending[0].Status)
	assert.Equal(t, 3, pending[0].Attempts)

	stored, err := repos.confirmations.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, stored.ManualReview)
	assert.False(t, stored.Synced)
	assert.Equal(t, 3, stored.SyncAttempts)
}

func TestProcessorRecoversAfterTransientFailure(t *testing.T) {
	repos := newTestRepos(t)
	c := storedConfirmation(t, repos.confirmations)

	syncer := newFakeSyncer(func(id uuid.UUID, call int) error {
		if call == 1 {
			return terminalFor(id)
		}
		return nil
	})
	sink := &recordingSink{}
	p := NewSyncQueueProcessor(syncer, repos.confirmations, repos.ledger, sink, ProcessorConfig{})

	require.NoError(t, p.Enqueue(c.ID))
	waitIdle(t, p)

	assert.Equal(t, 2, syncer.callsFor(c.ID))
	assert.Equal(t, []models.SyncOutcome{models.SyncOutcomeFailure, models.SyncOutcomeSuccess}, sink.outcomes())

	pending, err := repos.ledger.ListPending(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessorSeedsRetriesFromStore(t *testing.T) {
	repos := newTestRepos(t)
	c := storedConfirmation(t, repos.confirmations)
	for i := 0; i < 2; i++ {
		_, err := repos.confirmations.RecordSyncFailure(context.Background(), c.ID, "earlier failure")
		require.NoError(t, err)
	}

	syncer := newFakeSyncer(func(id uuid.UUID, _ int) error { return terminalFor(id) })
	sink := &recordingSink{}
	p := NewSyncQueueProcessor(syncer, repos.confirmations, repos.ledger, sink, ProcessorConfig{})

	require.NoError(t, p.Enqueue(c.ID))
	waitIdle(t, p)

	assert.Equal(t, 1, syncer.callsFor(c.ID))
	assert.Equal(t, []models.SyncOutcome{models.SyncOutcomeEscalated}, sink.outcomes())
}

func TestProcessorDropsUnknownDeliveries(t *testing.T) {
	syncer := newFakeSyncer(func(uuid.UUID, int) error {
		return errors.Wrap(apperrors.ErrNotFound, "failed to get delivery confirmation")
	})
	sink := &recordingSink{}
	p := NewSyncQueueProcessor(syncer, nil, nil, sink, ProcessorConfig{})

	id := uuid.New()
	require.NoError(t, p.Enqueue(id))
	waitIdle(t, p)

	assert.Equal(t, 1, syncer.callsFor(id))
	assert.Empty(t, sink.outcomes())
	assert.Equal(t, 0, p.Len())
}

func TestProcessBatchRunsSynchronously(t *testing.T) {
	syncer := newFakeSyncer(func(uuid.UUID, int) error { return nil })
	p := NewSyncQueueProcessor(syncer, nil, nil, nil, ProcessorConfig{BatchSize: 5})

	assert.Equal(t, BatchReport{}, p.ProcessBatch(context.Background()))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Error(t, p.Enqueue(uuid.New()))
}

func TestHandleSyncRequestIgnoresDuplicates(t *testing.T) {
	sched := &recordingScheduler{err: apperrors.ErrAlreadyQueued}
	handler := HandleSyncRequest(sched)
	assert.NoError(t, handler(context.Background(), syncRequest(uuid.New())))

	sched.err = errors.New("stopped")
	assert.Error(t, handler(context.Background(), syncRequest(uuid.New())))
}

func syncRequest(id uuid.UUID) messaging.SyncRequest {
	return messaging.SyncRequest{DeliveryID: id, Source: SourceQueue, RequestedAt: time.Now()}
}
