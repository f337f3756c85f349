package handlers

import (
	"net/http"

	"github.com/Omer1970/ShippingAPP-sub001/internal/models"
	"github.com/Omer1970/ShippingAPP-sub001/internal/offline"

	"github.com/gin-gonic/gin"
)

// OfflineQueueResponse lists a user's buffered captures
type OfflineQueueResponse struct {
	UserID       string                     `json:"user_id"`
	Connectivity offline.Connectivity       `json:"connectivity"`
	Entries      []models.OfflineQueueEntry `json:"entries"`
}

// OfflineHandler exposes a user's offline queue
type OfflineHandler struct {
	queue OfflineQueue
}

// NewOfflineHandler creates a new offline queue handler
func NewOfflineHandler(queue OfflineQueue) *OfflineHandler {
	return &OfflineHandler{queue: queue}
}

// HandleList returns the queue and the current connectivity of a user
func (h *OfflineHandler) HandleList(c *gin.Context) {
	userID := c.Param("user")
	ctx := c.Request.Context()

	entries := h.queue.List(ctx, userID)
	if entries == nil {
		entries = []models.OfflineQueueEntry{}
	}
	c.JSON(http.StatusOK, OfflineQueueResponse{
		UserID:       userID,
		Connectivity: h.queue.Check(ctx, userID),
		Entries:      entries,
	})
}

// HandleDrain replays the eligible entries of a user
func (h *OfflineHandler) HandleDrain(c *gin.Context) {
	res, err := h.queue.Drain(c.Request.Context(), c.Param("user"))
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if res.Busy {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}

// HandleRequeue makes a failed entry eligible for replay again
func (h *OfflineHandler) HandleRequeue(c *gin.Context) {
	entry, err := h.queue.Requeue(c.Request.Context(), c.Param("user"), c.Param("tempID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// RegisterRoutes registers the handler's routes
func (h *OfflineHandler) RegisterRoutes(router gin.IRouter) {
	queue := router.Group("/offline/:user")
	queue.GET("", h.HandleList)
	queue.POST("/drain", h.HandleDrain)
	queue.POST("/entries/:tempID/requeue", h.HandleRequeue)
}
