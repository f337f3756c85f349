package handlers

import (
	"net/http"

	"github.com/Omer1970/ShippingAPP-sub001/internal/apperrors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string   `json:"error"`
	Kinds []string `json:"kinds,omitempty"`
}

// statusFor maps an error kind to its HTTP status
func statusFor(err error) int {
	var (
		verr *apperrors.ValidationError
		derr *apperrors.DurabilityError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrQueueEntryMissing):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrInvalidTransition), errors.Is(err, apperrors.ErrAlreadyQueued):
		return http.StatusConflict
	case apperrors.IsTerminal(err):
		return http.StatusBadGateway
	case errors.As(err, &derr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// bindStatus maps a request body decoding error to its HTTP status
func bindStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		resp.Kinds = verr.Kinds
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}

	c.JSON(status, resp)
}

// pathID parses a uuid path parameter, answering 400 when it is malformed
func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
