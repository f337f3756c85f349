package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Omer1970/ShippingAPP-sub001/internal/api/middleware"
	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"
	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/offline"
	"github.com/Omer1970/ShippingAPP-sub001/internal/services"
	"github.com/Omer1970/ShippingAPP-sub001/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ConfirmationService is the capture side used by the delivery handler
type ConfirmationService interface {
	Capture(ctx context.Context, payload models.CapturePayload) (*models.DeliveryConfirmation, bool, error)
	Workflow(ctx context.Context, id uuid.UUID) (*services.Workflow, error)
	ListByDeliverer(ctx context.Context, delivererID string, limit, offset int) ([]services.Workflow, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, update models.StatusUpdate) (*models.DeliveryConfirmation, error)
}

// SyncService triggers and reviews ERP syncs
type SyncService interface {
	SyncNow(ctx context.Context, id uuid.UUID) (*services.SyncResult, error)
	ListPending(ctx context.Context, limit, offset int) ([]models.FailedSync, error)
	Retry(ctx context.Context, ledgerID uuid.UUID, operator string) (*models.FailedSync, error)
}

// OfflineQueue buffers captures of users that cannot reach the backend
type OfflineQueue interface {
	Check(ctx context.Context, userID string) offline.Connectivity
	IsOffline(ctx context.Context, userID string) bool
	Enqueue(ctx context.Context, userID string, payload models.CapturePayload) (models.OfflineQueueEntry, error)
	List(ctx context.Context, userID string) []models.OfflineQueueEntry
	Drain(ctx context.Context, userID string) (offline.DrainResult, error)
	Requeue(ctx context.Context, userID, temporaryID string) (models.OfflineQueueEntry, error)
}

// QueuedResponse answers a capture that was buffered instead of stored
type QueuedResponse struct {
	Status      models.QueueStatus `json:"status"`
	TemporaryID string             `json:"temporary_id"`
	Message     string             `json:"message"`
}

// DeliveryHandler handles delivery confirmation HTTP requests
type DeliveryHandler struct {
	confirmations ConfirmationService
	syncs         SyncService
	queue         OfflineQueue
	tracer        tracing.Tracer
}

// NewDeliveryHandler creates a new delivery handler
func NewDeliveryHandler(confirmations ConfirmationService, syncs SyncService, queue OfflineQueue, tracer tracing.Tracer) *DeliveryHandler {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &DeliveryHandler{
		confirmations: confirmations,
		syncs:         syncs,
		queue:         queue,
		tracer:        tracer,
	}
}

// HandleCapture stores a delivery confirmation. Captures of offline users,
// and captures that fail for reasons other than validation, are buffered in
// the offline queue and answered with 202.
func (h *DeliveryHandler) HandleCapture(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-capture-delivery")
	defer h.tracer.EndTransaction(txn)

	var payload models.CapturePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		log.Error().Err(err).Msg("Invalid request body")
		h.tracer.RecordError(txn, err)
		c.JSON(bindStatus(err), ErrorResponse{Error: err.Error()})
		return
	}

	userID := middleware.UserID(c)
	if userID == "" {
		userID = payload.DelivererID
	}
	h.tracer.AddAttribute(txn, "shipment_ref", payload.ShipmentRef)
	h.tracer.AddAttribute(txn, "user_id", userID)

	ctx := c.Request.Context()
	if h.queue != nil && h.queue.IsOffline(ctx, userID) {
		h.buffer(c, userID, payload, "user offline, capture queued for replay")
		return
	}

	conf, created, err := h.confirmations.Capture(ctx, payload)
	if err != nil {
		h.tracer.RecordError(txn, err)
		if apperrors.IsValidation(err) || h.queue == nil {
			writeError(c, err)
			return
		}
		log.Warn().Err(err).Str("user_id", userID).Msg("Capture failed, buffering in offline queue")
		h.buffer(c, userID, payload, "capture could not be stored, queued for replay")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, conf)
}

func (h *DeliveryHandler) buffer(c *gin.Context, userID string, payload models.CapturePayload, msg string) {
	entry, err := h.queue.Enqueue(c.Request.Context(), userID, payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, QueuedResponse{
		Status:      entry.Meta.Status,
		TemporaryID: entry.Meta.TemporaryID,
		Message:     msg,
	})
}

// HandleGetWorkflow returns a confirmation with its completeness
func (h *DeliveryHandler) HandleGetWorkflow(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	wf, err := h.confirmations.Workflow(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// HandleList returns the confirmations of one deliverer
func (h *DeliveryHandler) HandleList(c *gin.Context) {
	deliverer := c.Query("deliverer_id")
	if deliverer == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "deliverer_id is required"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	list, err := h.confirmations.ListByDeliverer(c.Request.Context(), deliverer, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": list, "count": len(list)})
}

// HandleUpdateStatus moves a confirmation to a new status
func (h *DeliveryHandler) HandleUpdateStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-update-delivery-status")
	defer h.tracer.EndTransaction(txn)

	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var update models.StatusUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(bindStatus(err), ErrorResponse{Error: err.Error()})
		return
	}
	h.tracer.AddAttribute(txn, "status", string(update.Status))

	conf, err := h.confirmations.UpdateStatus(c.Request.Context(), id, update)
	if err != nil {
		h.tracer.RecordError(txn, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conf)
}

// HandleSyncNow pushes a confirmation to the ERP synchronously
func (h *DeliveryHandler) HandleSyncNow(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-sync-delivery")
	defer h.tracer.EndTransaction(txn)

	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	res, err := h.syncs.SyncNow(c.Request.Context(), id)
	if err != nil {
		h.tracer.RecordError(txn, err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RegisterRoutes registers the handler's routes
func (h *DeliveryHandler) RegisterRoutes(router gin.IRouter) {
	deliveries := router.Group("/deliveries")
	deliveries.POST("", h.HandleCapture)
	deliveries.GET("", h.HandleList)
	deliveries.GET("/:id", h.HandleGetWorkflow)
	deliveries.PATCH("/:id/status", h.HandleUpdateStatus)
	deliveries.POST("/:id/sync", h.HandleSyncNow)
}
