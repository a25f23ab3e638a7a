package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/acme"
	"github.com/jmerrifield20/cloakgate/internal/hostname"
)

// tokenStore is the read side of the ACME token store.
// *acme.RedisStore and *acme.MemoryStore satisfy this interface.
type tokenStore interface {
	Get(ctx context.Context, host, token string) (string, error)
}

// ACMEHandler serves stored HTTP-01 validation bodies.
type ACMEHandler struct {
	store  tokenStore
	logger *zap.Logger
}

// NewACMEHandler creates an ACMEHandler.
func NewACMEHandler(store tokenStore, logger *zap.Logger) *ACMEHandler {
	return &ACMEHandler{store: store, logger: logger}
}

// Register mounts the token route on the provided router group.
func (h *ACMEHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/acme/http-token", h.HTTPToken)
}

// HTTPToken handles GET /acme/http-token?host=&token=.
func (h *ACMEHandler) HTTPToken(c *gin.Context) {
	host := hostname.Normalize(c.Query("host"))
	token := c.Query("token")
	if host == "" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host and token are required"})
		return
	}

	body, err := h.store.Get(c.Request.Context(), host, token)
	if err != nil {
		if errors.Is(err, acme.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "token not found"})
			return
		}
		h.logger.Error("acme token lookup", zap.String("hostname", host), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token lookup failed"})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(body))
}
