package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/api/middleware"
	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/metrics"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/offline"
	"github.com/Omer1970/ShippingAPP-sub001/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConfirmations struct{ mock.Mock }

func (m *mockConfirmations) Capture(ctx context.Context, payload models.CapturePayload) (*models.DeliveryConfirmation, bool, error) {
	args := m.Called(ctx, payload)
	c, _ := args.Get(0).(*models.DeliveryConfirmation)
	return c, args.Bool(1), args.Error(2)
}

func (m *mockConfirmations) Workflow(ctx context.Context, id uuid.UUID) (*services.Workflow, error) {
	args := m.Called(ctx, id)
	wf, _ := args.Get(0).(*services.Workflow)
	return wf, args.Error(1)
}

func (m *mockConfirmations) ListByDeliverer(ctx context.Context, delivererID string, limit, offset int) ([]services.Workflow, error) {
	args := m.Called(ctx, delivererID, limit, offset)
	list, _ := args.Get(0).([]services.Workflow)
	return list, args.Error(1)
}

func (m *mockConfirmations) UpdateStatus(ctx context.Context, id uuid.UUID, update models.StatusUpdate) (*models.DeliveryConfirmation, error) {
	args := m.Called(ctx, id, update)
	c, _ := args.Get(0).(*models.DeliveryConfirmation)
	return c, args.Error(1)
}

type mockSyncs struct{ mock.Mock }

func (m *mockSyncs) SyncNow(ctx context.Context, id uuid.UUID) (*services.SyncResult, error) {
	args := m.Called(ctx, id)
	res, _ := args.Get(0).(*services.SyncResult)
	return res, args.Error(1)
}

func (m *mockSyncs) ListPending(ctx context.Context, limit, offset int) ([]models.FailedSync, error) {
	args := m.Called(ctx, limit, offset)
	items, _ := args.Get(0).([]models.FailedSync)
	return items, args.Error(1)
}

func (m *mockSyncs) Retry(ctx context.Context, ledgerID uuid.UUID, operator string) (*models.FailedSync, error) {
	args := m.Called(ctx, ledgerID, operator)
	entry, _ := args.Get(0).(*models.FailedSync)
	return entry, args.Error(1)
}

type mockQueue struct{ mock.Mock }

func (m *mockQueue) Check(ctx context.Context, userID string) offline.Connectivity {
	return m.Called(ctx, userID).Get(0).(offline.Connectivity)
}

func (m *mockQueue) IsOffline(ctx context.Context, userID string) bool {
	return m.Called(ctx, userID).Bool(0)
}

func (m *mockQueue) Enqueue(ctx context.Context, userID string, payload models.CapturePayload) (models.OfflineQueueEntry, error) {
	args := m.Called(ctx, userID, payload)
	return args.Get(0).(models.OfflineQueueEntry), args.Error(1)
}

func (m *mockQueue) List(ctx context.Context, userID string) []models.OfflineQueueEntry {
	entries, _ := m.Called(ctx, userID).Get(0).([]models.OfflineQueueEntry)
	return entries
}

func (m *mockQueue) Drain(ctx context.Context, userID string) (offline.DrainResult, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(offline.DrainResult), args.Error(1)
}

func (m *mockQueue) Requeue(ctx context.Context, userID, temporaryID string) (models.OfflineQueueEntry, error) {
	args := m.Called(ctx, userID, temporaryID)
	return args.Get(0).(models.OfflineQueueEntry), args.Error(1)
}

type fixture struct {
	confirmations *mockConfirmations
	syncs         *mockSyncs
	queue         *mockQueue
	router        *gin.Engine
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	f := &fixture{
		confirmations: new(mockConfirmations),
		syncs:         new(mockSyncs),
		queue:         new(mockQueue),
		router:        gin.New(),
	}

	v1 := f.router.Group("/api/v1")
	NewDeliveryHandler(f.confirmations, f.syncs, f.queue, nil).RegisterRoutes(v1)
	NewOfflineHandler(f.queue).RegisterRoutes(v1)
	NewReviewHandler(f.syncs).RegisterRoutes(v1)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func payload() models.CapturePayload {
	return models.CapturePayload{
		ClientReference: "ref-1",
		ShipmentRef:     "SHP-1",
		DelivererID:     "driver-7",
		RecipientName:   "Ada Lovelace",
		SignatureWaived: true,
		WaiverReason:    "mailbox",
	}
}

func queuedEntry() models.OfflineQueueEntry {
	return models.OfflineQueueEntry{
		Payload: payload(),
		Meta: models.QueueMeta{
			QueuedAt:    time.Now(),
			UserID:      "driver-7",
			Status:      models.QueueStatusQueued,
			TemporaryID: "tmp-1",
		},
	}
}

func TestCaptureCreated(t *testing.T) {
	f := newFixture()
	conf := &models.DeliveryConfirmation{ID: uuid.New(), ClientReference: "ref-1"}
	f.queue.On("IsOffline", mock.Anything, "driver-7").Return(false)
	f.confirmations.On("Capture", mock.Anything, mock.Anything).Return(conf, true, nil).Once()
	f.confirmations.On("Capture", mock.Anything, mock.Anything).Return(conf, false, nil).Once()

	w := f.do(t, http.MethodPost, "/api/v1/deliveries", payload(), "X-User-ID", "driver-7")
	assert.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/deliveries", payload(), "X-User-ID", "driver-7")
	assert.Equal(t, http.StatusOK, w.Code)

	var got models.DeliveryConfirmation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, conf.ID, got.ID)
}

func TestCaptureOfflineUserIsQueued(t *testing.T) {
	f := newFixture()
	f.queue.On("IsOffline", mock.Anything, "driver-7").Return(true)
	f.queue.On("Enqueue", mock.Anything, "driver-7", mock.Anything).Return(queuedEntry(), nil)

	w := f.do(t, http.MethodPost, "/api/v1/deliveries", payload())
	assert.Equal(t, http.StatusAccepted, w.Code)

	var got QueuedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "tmp-1", got.TemporaryID)
	assert.Equal(t, models.QueueStatusQueued, got.Status)
	f.confirmations.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestCaptureValidationIsNotQueued(t *testing.T) {
	f := newFixture()
	f.queue.On("IsOffline", mock.Anything, mock.Anything).Return(false)
	f.confirmations.On("Capture", mock.Anything, mock.Anything).
		Return(nil, false, apperrors.NewValidationError("blank_canvas", "too_few_strokes"))

	w := f.do(t, http.MethodPost, "/api/v1/deliveries", payload())
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var got ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{"blank_canvas", "too_few_strokes"}, got.Kinds)
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestCaptureStorageFailureFallsBackToQueue(t *testing.T) {
	f := newFixture()
	f.queue.On("IsOffline", mock.Anything, mock.Anything).Return(false)
	f.confirmations.On("Capture", mock.Anything, mock.Anything).Return(nil, false, errors.New("database is locked"))
	f.queue.On("Enqueue", mock.Anything, "driver-7", mock.Anything).Return(queuedEntry(), nil)

	w := f.do(t, http.MethodPost, "/api/v1/deliveries", payload())
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCaptureBothTiersDown(t *testing.T) {
	f := newFixture()
	f.queue.On("IsOffline", mock.Anything, mock.Anything).Return(true)
	f.queue.On("Enqueue", mock.Anything, mock.Anything, mock.Anything).
		Return(models.OfflineQueueEntry{}, &apperrors.DurabilityError{UserID: "driver-7", Err: errors.New("disk full")})

	w := f.do(t, http.MethodPost, "/api/v1/deliveries", payload())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCaptureMalformedBody(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliveries", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCaptureBodyOverLimit(t *testing.T) {
	f := newFixture()
	router := gin.New()
	router.Use(middleware.BodyLimit(1024))
	NewDeliveryHandler(f.confirmations, f.syncs, f.queue, nil).RegisterRoutes(router.Group("/api/v1"))

	big := payload()
	big.SignatureWaived = false
	big.Signature = &models.SignatureCapture{Data: strings.Repeat("A", 4096)}
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(big))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deliveries", &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	f.confirmations.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
	f.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatusErrors(t *testing.T) {
	f := newFixture()
	missing, conflict := uuid.New(), uuid.New()
	f.confirmations.On("UpdateStatus", mock.Anything, missing, mock.Anything).
		Return(nil, errors.Wrap(apperrors.ErrNotFound, "failed to get delivery confirmation"))
	f.confirmations.On("UpdateStatus", mock.Anything, conflict, mock.Anything).
		Return(nil, apperrors.ErrInvalidTransition)

	update := models.StatusUpdate{Status: models.StatusDelivered}
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/api/v1/deliveries/"+missing.String()+"/status", update).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPatch, "/api/v1/deliveries/"+conflict.String()+"/status", update).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPatch, "/api/v1/deliveries/not-a-uuid/status", update).Code)
}

func TestGetWorkflow(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	f.confirmations.On("Workflow", mock.Anything, id).Return(&services.Workflow{
		Confirmation: &models.DeliveryConfirmation{ID: id},
		Completeness: services.Completeness{Percent: 75},
	}, nil)

	w := f.do(t, http.MethodGet, "/api/v1/deliveries/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got services.Workflow
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 75, got.Completeness.Percent)
}

func TestListByDeliverer(t *testing.T) {
	f := newFixture()
	f.confirmations.On("ListByDeliverer", mock.Anything, "driver-7", 5, 0).
		Return([]services.Workflow{{Confirmation: &models.DeliveryConfirmation{ID: uuid.New()}}}, nil)

	w := f.do(t, http.MethodGet, "/api/v1/deliveries?deliverer_id=driver-7&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/deliveries", nil).Code)
}

func TestSyncNowTerminalIsBadGateway(t *testing.T) {
	f := newFixture()
	ok, failing := uuid.New(), uuid.New()
	f.syncs.On("SyncNow", mock.Anything, ok).Return(&services.SyncResult{DeliveryID: ok, Outcome: models.SyncOutcomeSuccess}, nil)
	f.syncs.On("SyncNow", mock.Anything, failing).
		Return(nil, &apperrors.TerminalSyncError{DeliveryID: failing, Attempts: 3, Err: errors.New("erp down")})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/deliveries/"+ok.String()+"/sync", nil).Code)
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/api/v1/deliveries/"+failing.String()+"/sync", nil).Code)
}

func TestOfflineRoutes(t *testing.T) {
	f := newFixture()
	f.queue.On("List", mock.Anything, "driver-7").Return([]models.OfflineQueueEntry{queuedEntry()})
	f.queue.On("Check", mock.Anything, "driver-7").Return(offline.Connectivity{Offline: true})
	f.queue.On("Drain", mock.Anything, "driver-7").Return(offline.DrainResult{Replayed: 1}, nil).Once()
	f.queue.On("Drain", mock.Anything, "driver-7").Return(offline.DrainResult{Busy: true}, nil).Once()
	f.queue.On("Requeue", mock.Anything, "driver-7", "tmp-1").Return(queuedEntry(), nil)
	f.queue.On("Requeue", mock.Anything, "driver-7", "tmp-2").Return(models.OfflineQueueEntry{}, apperrors.ErrQueueEntryMissing)

	w := f.do(t, http.MethodGet, "/api/v1/offline/driver-7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list OfflineQueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.True(t, list.Connectivity.Offline)
	assert.Len(t, list.Entries, 1)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/offline/driver-7/drain", nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/api/v1/offline/driver-7/drain", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/offline/driver-7/entries/tmp-1/requeue", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/offline/driver-7/entries/tmp-2/requeue", nil).Code)
}

func TestReviewRoutes(t *testing.T) {
	f := newFixture()
	ledgerID := uuid.New()
	f.syncs.On("ListPending", mock.Anything, 20, 0).Return([]models.FailedSync{{ID: ledgerID}}, nil)
	f.syncs.On("Retry", mock.Anything, ledgerID, "ops@example.com").
		Return(&models.FailedSync{ID: ledgerID, Status: models.FailedSyncResolved}, nil)

	w := f.do(t, http.MethodGet, "/api/v1/reviews?limit=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), ledgerID.String())

	path := "/api/v1/reviews/" + ledgerID.String() + "/retry"
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, path, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, path, nil, "X-User-ID", "ops@example.com").Code)
}

func TestHealthReportsUnhealthyComponents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := metrics.NewMetrics()
	m.SetHealth("database", true)
	router := gin.New()
	NewMetricsHandler(m, metrics.NewPromCollectors(), nil).RegisterRoutes(router)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/metrics").Code)
	assert.Equal(t, http.StatusOK, get("/metrics/prometheus").Code)

	m.SetHealth("erp", false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
}
