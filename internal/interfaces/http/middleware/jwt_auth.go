package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/jwksverify/internal/application/service"
	"github.com/turtacn/jwksverify/pkg/constants"
	"github.com/turtacn/jwksverify/pkg/errors"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// ClaimsVerifier is the verification capability the gate depends on.
type ClaimsVerifier interface {
	VerifyAndGetClaims(ctx context.Context, tokenString string) (service.Claims, error)
}

// extractBearer extracts the token from the Authorization header.
func extractBearer(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], constants.BearerScheme) {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireBearer protects routes with a valid bearer token. The verified claims
// are stored in the gin context under constants.ContextKeyClaims.
func RequireBearer(v ClaimsVerifier, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractBearer(c.GetHeader("Authorization"))
		if tokenStr == "" {
			abortWithError(c, errors.ErrTokenNotProvided)
			return
		}

		claims, err := v.VerifyAndGetClaims(c.Request.Context(), tokenStr)
		if err != nil {
			log.Debug(c.Request.Context(), "bearer rejected",
				logger.String("kind", string(errors.KindOf(err))),
				logger.String("path", c.FullPath()),
			)
			abortWithError(c, err)
			return
		}

		c.Set(string(constants.ContextKeyClaims), claims)
		c.Next()
	}
}

// ClaimsFromContext returns the claims stored by RequireBearer.
func ClaimsFromContext(c *gin.Context) (service.Claims, bool) {
	v, ok := c.Get(string(constants.ContextKeyClaims))
	if !ok {
		return nil, false
	}
	claims, ok := v.(service.Claims)
	return claims, ok
}

func abortWithError(c *gin.Context, err error) {
	status := errors.HTTPStatusOf(err)
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	c.AbortWithStatusJSON(status, errors.ToErrorResponse(err))
}
