// Package middleware contains Gin middleware for the HTTP surface.
package middleware

import (
	"context"

	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXCorrelationID is the header key carrying the request correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation id, reusing one the
// caller supplied or minting a fresh one, and echoes it back on the
// response. The id is stored both on the gin context (for handlers reading
// it via c.Get) and on the request's context.Context, since that is what
// logging.Info/Warn/Error and everything downstream of c.Request.Context()
// actually reads.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderXCorrelationID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(HeaderXCorrelationID, id)
		c.Set(string(logging.CorrelationIDKey), id)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
