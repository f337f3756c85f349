package repositories

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.SetupModels(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newConfirmation(ref string) *models.DeliveryConfirmation {
	lat, lng := 52.37, 4.89
	c := &models.DeliveryConfirmation{
		ClientReference: ref,
		ShipmentRef:     "SHP-" + ref,
		DelivererID:     "driver-1",
		DeliveredAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		RecipientName:   "J. Jansen",
		Latitude:        &lat,
		Longitude:       &lng,
		Status:          models.StatusConfirmed,
		Signature: &models.Signature{
			Data:          "signature-data",
			IntegrityHash: models.HashSignaturePayload("signature-data"),
			QualityScore:  0.9,
			LegallyValid:  true,
		},
		Photos: []models.Photo{
			{Position: 1, ObjectKey: "b.jpg"},
			{Position: 0, ObjectKey: "a.jpg"},
		},
	}
	_ = c.RefreshIntegrityHash()
	return c
}

func TestConfirmationCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewConfirmationRepository(newTestDB(t), nil)

	c := newConfirmation("ref-1")
	require.NoError(t, repo.Create(ctx, c))
	require.NotEqual(t, uuid.Nil, c.ID)

	loaded, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Signature)
	assert.Equal(t, "signature-data", loaded.Signature.Data)
	require.Len(t, loaded.Photos, 2)
	assert.Equal(t, "a.jpg", loaded.Photos[0].ObjectKey)
	assert.True(t, loaded.VerifyIntegrity())

	byRef, err := repo.GetByClientReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, byRef.ID)
}

func TestConfirmationNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewConfirmationRepository(newTestDB(t), nil)

	_, err := repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = repo.MarkSynced(ctx, uuid.New(), time.Now())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = repo.RecordSyncFailure(ctx, uuid.New(), "boom")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestConfirmationSyncBookkeeping(t *testing.T) {
	ctx := context.Background()
	repo := NewConfirmationRepository(newTestDB(t), nil)
	c := newConfirmation("ref-2")
	require.NoError(t, repo.Create(ctx, c))

	n, err := repo.RecordSyncFailure(ctx, c.ID, "erp down")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.RecordSyncFailure(ctx, c.ID, "erp still down")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	attempts, err := repo.SyncAttempts(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, repo.MarkSynced(ctx, c.ID, at))

	loaded, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Synced)
	require.NotNil(t, loaded.SyncedAt)
	assert.True(t, at.Equal(*loaded.SyncedAt))
	assert.Empty(t, loaded.LastSyncError)
}

func TestConfirmationUpdateStatusClearsSynced(t *testing.T) {
	ctx := context.Background()
	repo := NewConfirmationRepository(newTestDB(t), nil)
	c := newConfirmation("ref-3")
	require.NoError(t, repo.Create(ctx, c))
	require.NoError(t, repo.MarkSynced(ctx, c.ID, time.Now()))

	c.Status = models.StatusDelivered
	c.Notes = "left with neighbour"
	require.NoError(t, c.RefreshIntegrityHash())
	require.NoError(t, repo.UpdateStatus(ctx, c))

	loaded, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, loaded.Status)
	assert.False(t, loaded.Synced)
	assert.Nil(t, loaded.SyncedAt)
	assert.True(t, loaded.VerifyIntegrity())
}

func TestListUnsyncedSkipsSyncedAndReview(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewConfirmationRepository(db, db)
	ledger := NewFailedSyncRepository(db, db)

	pending := newConfirmation("ref-a")
	synced := newConfirmation("ref-b")
	review := newConfirmation("ref-c")
	for _, c := range []*models.DeliveryConfirmation{pending, synced, review} {
		require.NoError(t, repo.Create(ctx, c))
	}
	require.NoError(t, repo.MarkSynced(ctx, synced.ID, time.Now()))
	_, err := ledger.Escalate(ctx, review.ID, 3, "erp down")
	require.NoError(t, err)

	ids, err := repo.ListUnsynced(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{pending.ID}, ids)

	ids, err = repo.ListUnsynced(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFailedSyncLedgerLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewConfirmationRepository(db, nil)
	ledger := NewFailedSyncRepository(db, nil)

	c := newConfirmation("ref-4")
	require.NoError(t, repo.Create(ctx, c))
	_, err := repo.RecordSyncFailure(ctx, c.ID, "timeout")
	require.NoError(t, err)

	first, err := ledger.Escalate(ctx, c.ID, 3, "timeout")
	require.NoError(t, err)
	second, err := ledger.Escalate(ctx, c.ID, 4, "still timing out")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	pending, err := ledger.ListPending(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 4, pending[0].Attempts)
	assert.Equal(t, models.FailedSyncPendingReview, pending[0].Status)

	flagged, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, flagged.ManualReview)

	resolved, err := ledger.Resolve(ctx, first.ID, "ops@example.com", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.FailedSyncResolved, resolved.Status)
	assert.Equal(t, "ops@example.com", resolved.ResolvedBy)

	cleared, err := repo.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, cleared.ManualReview)
	assert.Equal(t, 0, cleared.SyncAttempts)

	_, err = ledger.Resolve(ctx, first.ID, "ops@example.com", time.Now())
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	_, err = ledger.Resolve(ctx, uuid.New(), "ops@example.com", time.Now())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
