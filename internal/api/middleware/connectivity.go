package middleware

import (
	"context"
	"time"

	"github.com/Omer1970/ShippingAPP-sub001/internal/offline"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// UserHeader carries the identity of the field user making the call
const UserHeader = "X-User-ID"

const drainTimeout = 2 * time.Minute

// UserID returns the calling field user, empty when unknown
func UserID(c *gin.Context) string {
	return c.GetHeader(UserHeader)
}

// CallRecorder is told about every successful call of a user
type CallRecorder interface {
	RecordSuccessfulCall(ctx context.Context, userID string) (*offline.DrainResult, error)
}

// RecordSuccessfulCalls refreshes the caller's connectivity after every
// successful request. A user coming back online has their offline queue
// drained in the background.
func RecordSuccessfulCalls(recorder CallRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		userID := UserID(c)
		if recorder == nil || userID == "" || c.Writer.Status() >= 500 {
			return
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()

			res, err := recorder.RecordSuccessfulCall(ctx, userID)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("Failed to record successful call")
				return
			}
			if res != nil {
				log.Info().
					Str("user_id", userID).
					Int("replayed", res.Replayed).
					Int("failed", res.Failed).
					Int("deferred", res.Deferred).
					Msg("Offline queue drained after reconnect")
			}
		}()
	}
}
