package middleware

import (
	"vmsgate/pkg/logger"
	"vmsgate/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const RequestIDHeader = "X-Request-ID"

// TracingMiddleware opens a server span per request and tags the request
// context with a request id for context-scoped loggers.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, route)
		defer span.End()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		ctx = logger.WithRequestID(ctx, requestID)

		span.SetAttributes(
			attribute.String("http.request_id", requestID),
			attribute.String("http.client_ip", c.ClientIP()),
			attribute.Bool("http.websocket", c.IsWebsocket()),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 || len(c.Errors) > 0 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
	}
}
