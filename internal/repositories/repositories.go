package repositories

import (
	"context"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ConfirmationRepository provides access to delivery confirmations
type ConfirmationRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewConfirmationRepository creates a new confirmation repository
func NewConfirmationRepository(db *gorm.DB, readOnlyDB *gorm.DB) *ConfirmationRepository {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	return &ConfirmationRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

func withEvidence(db *gorm.DB) *gorm.DB {
	return db.Preload("Signature").Preload("Photos", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position ASC")
	})
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(apperrors.ErrNotFound, msg)
	}
	return errors.Wrap(err, msg)
}

// Create persists a confirmation with its signature and photos in one
// transaction
func (r *ConfirmationRepository) Create(ctx context.Context, c *models.DeliveryConfirmation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Signature != nil {
		if c.Signature.ID == uuid.Nil {
			c.Signature.ID = uuid.New()
		}
		c.Signature.ConfirmationID = c.ID
	}
	for i := range c.Photos {
		if c.Photos[i].ID == uuid.Nil {
			c.Photos[i].ID = uuid.New()
		}
		c.Photos[i].ConfirmationID = c.ID
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(c).Error
	})
	if err != nil {
		return errors.Wrap(err, "failed to create delivery confirmation")
	}
	return nil
}

// GetByID loads a confirmation with its evidence. Reads that feed a write go
// to the primary.
func (r *ConfirmationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DeliveryConfirmation, error) {
	var c models.DeliveryConfirmation
	err := withEvidence(r.db.WithContext(ctx)).First(&c, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "failed to get delivery confirmation")
	}
	return &c, nil
}

// GetByClientReference finds the confirmation created from a client capture
func (r *ConfirmationRepository) GetByClientReference(ctx context.Context, ref string) (*models.DeliveryConfirmation, error) {
	var c models.DeliveryConfirmation
	err := withEvidence(r.db.WithContext(ctx)).First(&c, "client_reference = ?", ref).Error
	if err != nil {
		return nil, notFound(err, "failed to get delivery confirmation by client reference")
	}
	return &c, nil
}

// UpdateStatus stores a status change together with the recomputed hash and
// clears the synced state
func (r *ConfirmationRepository) UpdateStatus(ctx context.Context, c *models.DeliveryConfirmation) error {
	res := r.db.WithContext(ctx).Model(&models.DeliveryConfirmation{}).
		Where("id = ?", c.ID).
		Updates(map[string]interface{}{
			"status":         c.Status,
			"notes":          c.Notes,
			"integrity_hash": c.IntegrityHash,
			"synced":         false,
			"synced_at":      nil,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update delivery status")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(apperrors.ErrNotFound, "failed to update delivery status")
	}
	c.Synced = false
	c.SyncedAt = nil
	return nil
}

// MarkSynced flags the confirmation as pushed to the ERP
func (r *ConfirmationRepository) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.DeliveryConfirmation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"synced":          true,
			"synced_at":       at,
			"last_sync_error": "",
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to mark delivery synced")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(apperrors.ErrNotFound, "failed to mark delivery synced")
	}
	return nil
}

// RecordSyncFailure increments the persisted attempt counter and returns
// its new value
func (r *ConfirmationRepository) RecordSyncFailure(ctx context.Context, id uuid.UUID, syncErr string) (int, error) {
	var attempts int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DeliveryConfirmation{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"sync_attempts":   gorm.Expr("sync_attempts + ?", 1),
				"last_sync_error": syncErr,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrNotFound
		}
		var current models.DeliveryConfirmation
		if err := tx.Select("sync_attempts").First(&current, "id = ?", id).Error; err != nil {
			return err
		}
		attempts = current.SyncAttempts
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to record sync failure")
	}
	return attempts, nil
}

// SyncAttempts returns the persisted attempt counter
func (r *ConfirmationRepository) SyncAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	var c models.DeliveryConfirmation
	err := r.db.WithContext(ctx).Select("sync_attempts").First(&c, "id = ?", id).Error
	if err != nil {
		return 0, notFound(err, "failed to get sync attempts")
	}
	return c.SyncAttempts, nil
}

// ListUnsynced returns ids of confirmations that are neither synced nor under
// manual review and were created before the cutoff
func (r *ConfirmationRepository) ListUnsynced(ctx context.Context, createdBefore time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.readOnlyDB.WithContext(ctx).Model(&models.DeliveryConfirmation{}).
		Where("synced = ? AND manual_review = ? AND created_at < ?", false, false, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unsynced confirmations")
	}
	return ids, nil
}

// ListByDeliverer returns a deliverer's most recent confirmations
func (r *ConfirmationRepository) ListByDeliverer(ctx context.Context, delivererID string, limit, offset int) ([]models.DeliveryConfirmation, error) {
	var list []models.DeliveryConfirmation
	err := withEvidence(r.readOnlyDB.WithContext(ctx)).
		Where("deliverer_id = ?", delivererID).
		Order("delivered_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&list).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list confirmations")
	}
	return list, nil
}

// FailedSyncRepository provides access to the manual review ledger
type FailedSyncRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
}

// NewFailedSyncRepository creates a new ledger repository
func NewFailedSyncRepository(db *gorm.DB, readOnlyDB *gorm.DB) *FailedSyncRepository {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	return &FailedSyncRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// Escalate writes a pending review entry and flags the confirmation for
// manual review. A delivery has at most one pending entry; escalating it
// again refreshes that entry.
func (r *FailedSyncRepository) Escalate(ctx context.Context, deliveryID uuid.UUID, attempts int, lastErr string) (*models.FailedSync, error) {
	var entry models.FailedSync
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("delivery_id = ? AND status = ?", deliveryID, models.FailedSyncPendingReview).
			First(&entry).Error
		switch {
		case err == nil:
			entry.Attempts = attempts
			entry.LastError = lastErr
			if err := tx.Save(&entry).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry = models.FailedSync{
				ID:         uuid.New(),
				DeliveryID: deliveryID,
				Attempts:   attempts,
				LastError:  lastErr,
				Status:     models.FailedSyncPendingReview,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		default:
			return err
		}

		return tx.Model(&models.DeliveryConfirmation{}).
			Where("id = ?", deliveryID).
			Updates(map[string]interface{}{
				"manual_review":   true,
				"last_sync_error": lastErr,
			}).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to escalate delivery for manual review")
	}
	return &entry, nil
}

// GetByID gets a ledger entry
func (r *FailedSyncRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FailedSync, error) {
	var entry models.FailedSync
	if err := r.db.WithContext(ctx).First(&entry, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "failed to get failed sync entry")
	}
	return &entry, nil
}

// ListPending returns entries awaiting manual review, oldest first
func (r *FailedSyncRepository) ListPending(ctx context.Context, limit, offset int) ([]models.FailedSync, error) {
	var entries []models.FailedSync
	err := r.readOnlyDB.WithContext(ctx).
		Where("status = ?", models.FailedSyncPendingReview).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed syncs")
	}
	return entries, nil
}

// Resolve closes a pending entry and returns its confirmation to automatic
// sync with a fresh attempt counter
func (r *FailedSyncRepository) Resolve(ctx context.Context, id uuid.UUID, resolvedBy string, at time.Time) (*models.FailedSync, error) {
	var entry models.FailedSync
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, "id = ?", id).Error; err != nil {
			return err
		}
		if entry.Status != models.FailedSyncPendingReview {
			return apperrors.ErrInvalidTransition
		}

		entry.Status = models.FailedSyncResolved
		entry.ResolvedAt = &at
		entry.ResolvedBy = resolvedBy
		if err := tx.Save(&entry).Error; err != nil {
			return err
		}

		return tx.Model(&models.DeliveryConfirmation{}).
			Where("id = ?", entry.DeliveryID).
			Updates(map[string]interface{}{
				"manual_review": false,
				"sync_attempts": 0,
			}).Error
	})
	if err != nil {
		return nil, notFound(err, "failed to resolve failed sync entry")
	}
	return &entry, nil
}
