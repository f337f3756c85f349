package services

import (
	"context"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// UnsyncedLister lists confirmations still waiting for the ERP
type UnsyncedLister interface {
	ListUnsynced(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error)
}

// Reconciler re-schedules confirmations whose sync request was lost, for
// example when the API could not reach the message bus
type Reconciler struct {
	lister    UnsyncedLister
	scheduler Scheduler
	grace     time.Duration
	limit     int
	now       func() time.Time
}

// NewReconciler creates a reconciler. Confirmations younger than grace
// are left to their own sync request.
func NewReconciler(lister UnsyncedLister, scheduler Scheduler, grace time.Duration, limit int) *Reconciler {
	if limit <= 0 {
		limit = 500
	}
	return &Reconciler{
		lister:    lister,
		scheduler: scheduler,
		grace:     grace,
		limit:     limit,
		now:       time.Now,
	}
}

// Run enqueues every eligible confirmation and returns how many were added
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	ids, err := r.lister.ListUnsynced(ctx, r.now().Add(-r.grace), r.limit)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list unsynced confirmations")
	}

	added := 0
	for _, id := range ids {
		err := r.scheduler.Enqueue(id)
		switch {
		case err == nil:
			added++
		case errors.Is(err, apperrors.ErrAlreadyQueued):
		default:
			log.Error().Err(err).Str("delivery_id", id.String()).Msg("Failed to enqueue unsynced confirmation")
		}
	}

	if len(ids) > 0 {
		log.Info().Int("unsynced", len(ids)).Int("enqueued", added).Msg("Reconciliation pass finished")
	}
	return added, nil
}
