package middleware

import (
	"errors"
	"net/http"

	"vmsgate/internal/core/domain"
	apperrors "vmsgate/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ToAppError maps domain failures onto the outward error shape.
func ToAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	var unavailable *domain.StreamUnavailableError
	switch {
	case errors.As(err, &unavailable):
		return apperrors.NewStreamUnavailableError(err, unavailable.Details)
	case errors.Is(err, domain.ErrStreamNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "stream not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionUnavailable):
		return apperrors.NewSessionUnavailableError(err)
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return apperrors.NewBadGatewayError(err, "upstream unavailable")
	case errors.Is(err, domain.ErrTranscoderUnavailable):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "transcoder unavailable", http.StatusServiceUnavailable)
	}
	return apperrors.WrapError(err, apperrors.ErrCodeInternal, "Internal server error", http.StatusInternalServerError)
}

// ErrorHandlerMiddleware renders the last error attached by a handler.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		appErr := ToAppError(c.Errors.Last().Err)

		log := logger.With(
			"code", appErr.Code,
			"status", appErr.HTTPStatus,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.Errorw("request failed", "error", appErr.Error())
		} else {
			log.Infow("request rejected", "message", appErr.Message)
		}

		if c.Writer.Written() {
			return
		}
		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(apperrors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
