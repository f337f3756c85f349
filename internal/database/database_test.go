package database

import (
	"context"
	"testing"

	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMetricsHooksRecordQueries(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: NewLogger(false)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	d := &Database{Write: db, Read: db}
	require.NoError(t, d.Migrate())
	defer d.Close()

	m := metrics.NewMetrics()
	require.NoError(t, RegisterMetricsHooks(db, m))

	ctx := context.Background()
	entry := models.FailedSync{ID: uuid.New(), DeliveryID: uuid.New(), Attempts: 3, Status: models.FailedSyncPendingReview}
	require.NoError(t, db.WithContext(ctx).Create(&entry).Error)

	var found models.FailedSync
	require.NoError(t, db.WithContext(ctx).First(&found, "id = ?", entry.ID).Error)
	err = db.WithContext(ctx).First(&found, "id = ?", uuid.New()).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	timers := m.GetTimers()
	assert.Equal(t, int64(1), timers["db.create"].Count)
	assert.Equal(t, int64(2), timers["db.query"].Count)

	// a missing row is not a database failure
	assert.Equal(t, int64(0), m.GetErrorRates()["db.query"].Errors)
}

func TestNewLoggerLevels(t *testing.T) {
	assert.NotNil(t, NewLogger(true))
	assert.NotNil(t, NewLogger(false))
}
