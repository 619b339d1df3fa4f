// Package middleware contains Gin middleware shared by the broker routes.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/RoseWrightdev/job-portal-messaging/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// maxCorrelationIDLength bounds client-supplied ids before they reach the logs.
const maxCorrelationIDLength = 128

// CorrelationID tags each request with an id, echoed in the response header and carried
// in the request context so logging helpers pick it up.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" || len(id) > maxCorrelationIDLength {
			id = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id))

		c.Next()
	}
}
