package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/jwksverify/internal/application/service"
	"github.com/turtacn/jwksverify/internal/interfaces/http/middleware"
	"github.com/turtacn/jwksverify/pkg/errors"
	"github.com/turtacn/jwksverify/pkg/logger"
)

// VerifyRequest is the body of POST /api/v1/verify.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResponse reports a successfully verified token.
type VerifyResponse struct {
	Active bool           `json:"active"`
	Claims service.Claims `json:"claims"`
}

// Verifier is what the handler needs from the application layer.
type Verifier interface {
	VerifyAndGetClaims(ctx context.Context, tokenString string) (service.Claims, error)
}

// VerifyHandler exposes token verification over HTTP.
type VerifyHandler struct {
	verifier Verifier
	log      logger.Logger
}

func NewVerifyHandler(v Verifier, log logger.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: v, log: log}
}

// GetClaims returns the claims of the caller's own bearer token.
func (h *VerifyHandler) GetClaims(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errors.ToErrorResponse(errors.ErrTokenNotProvided))
		return
	}
	c.JSON(http.StatusOK, claims)
}

// VerifyToken verifies a token passed in the request body on behalf of the
// authenticated caller.
func (h *VerifyHandler) VerifyToken(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "Body must be a JSON object with a token field.",
		})
		return
	}

	claims, err := h.verifier.VerifyAndGetClaims(c.Request.Context(), req.Token)
	if err != nil {
		h.log.Info(c.Request.Context(), "submitted token rejected", logger.String("kind", string(errors.KindOf(err))))
		c.JSON(errors.HTTPStatusOf(err), errors.ToErrorResponse(err))
		return
	}
	c.JSON(http.StatusOK, VerifyResponse{Active: true, Claims: claims})
}
