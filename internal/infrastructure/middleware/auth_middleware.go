package middleware

import (
	"net/http"
	"strings"

	"vmsgate/internal/core/domain"
	"vmsgate/internal/core/services"
	apperrors "vmsgate/pkg/errors"

	"github.com/gin-gonic/gin"
)

const viewerKey = "viewer"

// tokenFromRequest reads a bearer token from the Authorization header or,
// for browser websocket clients that cannot set headers, the token query parameter.
func tokenFromRequest(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}

// AuthMiddleware requires a valid token when auth is enabled and stores the
// viewer on the gin context.
func AuthMiddleware(auth *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.Enabled() {
			c.Next()
			return
		}

		token, ok := tokenFromRequest(c)
		if !ok || token == "" {
			abortWith(c, apperrors.NewUnauthorizedError("authorization token required"))
			return
		}

		claims, err := auth.ValidateToken(token)
		if err != nil {
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(viewerKey, claims.Viewer())
		c.Next()
	}
}

// RequireRole rejects viewers below role. Open deployments pass through.
func RequireRole(auth *services.AuthService, role domain.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !auth.Enabled() {
			c.Next()
			return
		}
		viewer, ok := ViewerFromContext(c)
		if !ok {
			abortWith(c, apperrors.NewUnauthorizedError("authentication required"))
			return
		}
		if err := auth.CheckRole(viewer, role); err != nil {
			abortWith(c, apperrors.NewAppError(apperrors.ErrCodeUnauthorized, err.Error(), http.StatusForbidden))
			return
		}
		c.Next()
	}
}

func ViewerFromContext(c *gin.Context) (domain.Viewer, bool) {
	v, ok := c.Get(viewerKey)
	if !ok {
		return domain.Viewer{}, false
	}
	viewer, ok := v.(domain.Viewer)
	return viewer, ok
}
