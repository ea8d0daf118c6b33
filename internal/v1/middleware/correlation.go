// Package middleware contains Gin middleware shared by the HTTP surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
)

// HeaderXCorrelationID is the header carrying the request correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID tags each request with a correlation ID, reusing the
// client-supplied one when present. The ID is echoed in the response and
// threaded into the request context so handlers logging with
// c.Request.Context() carry it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Request = c.Request.WithContext(
			logging.WithCorrelationID(c.Request.Context(), correlationID))

		c.Next()
	}
}
