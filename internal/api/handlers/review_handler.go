package handlers

import (
	"net/http"
	"strconv"

	"github.com/Omer1970/ShippingAPP-sub001/internal/api/middleware"

	"github.com/gin-gonic/gin"
)

// ReviewHandler exposes the manual review ledger
type ReviewHandler struct {
	syncs SyncService
}

// NewReviewHandler creates a new review handler
func NewReviewHandler(syncs SyncService) *ReviewHandler {
	return &ReviewHandler{syncs: syncs}
}

// HandleListPending returns escalated deliveries awaiting an operator
func (h *ReviewHandler) HandleListPending(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	pending, err := h.syncs.ListPending(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": pending, "count": len(pending)})
}

// HandleRetry resolves a ledger entry and schedules its delivery again
func (h *ReviewHandler) HandleRetry(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	operator := middleware.UserID(c)
	if operator == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing " + middleware.UserHeader + " header"})
		return
	}

	entry, err := h.syncs.Retry(c.Request.Context(), id, operator)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// RegisterRoutes registers the handler's routes
func (h *ReviewHandler) RegisterRoutes(router gin.IRouter) {
	reviews := router.Group("/reviews")
	reviews.GET("", h.HandleListPending)
	reviews.POST("/:id/retry", h.HandleRetry)
}
