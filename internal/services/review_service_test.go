package services

import (
	"context"
	"testing"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/messaging"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSyncNowEscalatesTerminalFailure(t *testing.T) {
	repos := newTestRepos(t)
	c := storedConfirmation(t, repos.confirmations)

	gw := new(mockGateway)
	gw.On("UpdateShipmentStatus", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("erp down"))
	o, _ := newTestOrchestrator(repos, gw, newFakePhotoStore())

	sink := &recordingSink{}
	svc := NewReviewService(o, repos.confirmations, repos.ledger, nil, sink, nil)

	_, err := svc.SyncNow(context.Background(), c.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsTerminal(err))
	assert.Equal(t, []models.SyncOutcome{models.SyncOutcomeEscalated}, sink.outcomes())

	pending, err := svc.ListPending(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].DeliveryID)

	stored, err := repos.confirmations.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, stored.ManualReview)
	assert.Equal(t, 1, stored.SyncAttempts)
}

func TestSyncNowSuccess(t *testing.T) {
	repos := newTestRepos(t)
	c := storedConfirmation(t, repos.confirmations)
	o, _ := newTestOrchestrator(repos, healthyGateway(), newFakePhotoStore())

	sink := &recordingSink{}
	svc := NewReviewService(o, repos.confirmations, repos.ledger, nil, sink, nil)

	res, err := svc.SyncNow(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomeSuccess, res.Outcome)

	res, err = svc.SyncNow(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncOutcomeAlreadySynced, res.Outcome)
	assert.Equal(t, []models.SyncOutcome{models.SyncOutcomeSuccess, models.SyncOutcomeAlreadySynced}, sink.outcomes())

	_, err = svc.SyncNow(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRetryResolvesAndReschedules(t *testing.T) {
	repos := newTestRepos(t)
	c := storedConfirmation(t, repos.confirmations)
	entry, err := repos.ledger.Escalate(context.Background(), c.ID, 3, "erp down")
	require.NoError(t, err)

	sched := &recordingScheduler{}
	svc := NewReviewService(nil, repos.confirmations, repos.ledger, sched, nil, nil)

	resolved, err := svc.Retry(context.Background(), entry.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.FailedSyncResolved, resolved.Status)
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)
	assert.Equal(t, []uuid.UUID{c.ID}, sched.scheduled())

	stored, err := repos.confirmations.GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, stored.ManualReview)
	assert.Equal(t, 0, stored.SyncAttempts)

	_, err = svc.Retry(context.Background(), entry.ID, "ops@example.com")
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = svc.Retry(context.Background(), uuid.New(), "ops@example.com")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

type capturingPublisher struct {
	requests []messaging.SyncRequest
	err      error
}

func (p *capturingPublisher) PublishSyncRequest(_ context.Context, req messaging.SyncRequest) error {
	if p.err != nil {
		return p.err
	}
	p.requests = append(p.requests, req)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func TestPublishingScheduler(t *testing.T) {
	pub := &capturingPublisher{}
	sched := NewPublishingScheduler(pub, "api")

	id := uuid.New()
	require.NoError(t, sched.Enqueue(id))
	require.Len(t, pub.requests, 1)
	assert.Equal(t, id, pub.requests[0].DeliveryID)
	assert.Equal(t, "api", pub.requests[0].Source)

	pub.err = errors.New("bus unavailable")
	assert.Error(t, sched.Enqueue(id))
}

func TestReconcilerEnqueuesStaleUnsynced(t *testing.T) {
	repos := newTestRepos(t)
	stale := storedConfirmation(t, repos.confirmations)
	synced := storedConfirmation(t, repos.confirmations)
	require.NoError(t, repos.confirmations.MarkSynced(context.Background(), synced.ID, time.Now()))
	review := storedConfirmation(t, repos.confirmations)
	_, err := repos.ledger.Escalate(context.Background(), review.ID, 3, "erp down")
	require.NoError(t, err)

	sched := &recordingScheduler{}
	r := NewReconciler(repos.confirmations, sched, 10*time.Minute, 0)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	added, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, []uuid.UUID{stale.ID}, sched.scheduled())

	fresh := NewReconciler(repos.confirmations, &recordingScheduler{}, 10*time.Minute, 0)
	added, err = fresh.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)
}
