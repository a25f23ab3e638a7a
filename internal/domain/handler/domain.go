// Package handler exposes the tenant API over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
	"github.com/jmerrifield20/cloakgate/internal/domain/service"
	"github.com/jmerrifield20/cloakgate/internal/identity"
)

// domainSvc is the interface expected by DomainHandler, satisfied by
// *service.DomainService.
type domainSvc interface {
	Create(ctx context.Context, ownerID string, req *model.CreateRequest) (*model.Domain, error)
	Get(ctx context.Context, ownerID string, id uuid.UUID) (*model.Domain, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Domain, error)
	CountActive(ctx context.Context, ownerID string) (int, error)
	Update(ctx context.Context, ownerID string, id uuid.UUID, req *model.UpdateRequest) (*model.Domain, error)
	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
	CheckStatus(ctx context.Context, ownerID string, id uuid.UUID) (*model.StatusReport, error)
	RetryProvisioning(ctx context.Context, ownerID string, id uuid.UUID) (*model.StatusReport, error)
	Resolve(ctx context.Context, host string) (*model.Resolution, error)
}

// DevOwnerHeader names the tenant when no token verifier is configured.
const DevOwnerHeader = identity.DevOwnerHeader

// DomainHandler handles HTTP requests for customer domains.
type DomainHandler struct {
	svc     domainSvc
	tokens  *identity.TokenVerifier // nil = development mode, owner from DevOwnerHeader
	edgeKey string                  // empty = resolve is open
	logger  *zap.Logger
}

// NewDomainHandler creates a new DomainHandler.
func NewDomainHandler(svc domainSvc, tokens *identity.TokenVerifier, logger *zap.Logger) *DomainHandler {
	return &DomainHandler{svc: svc, tokens: tokens, logger: logger}
}

// SetEdgeKey requires the edge to present key on the resolve endpoint.
func (h *DomainHandler) SetEdgeKey(key string) {
	h.edgeKey = key
}

// Register mounts all domain routes on the provided router group.
func (h *DomainHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/domains/resolve", identity.RequireEdgeKey(h.edgeKey), h.Resolve)

	d := rg.Group("/domains", identity.TenantAuth(h.tokens))
	{
		d.POST("", h.Create)
		d.GET("", h.List)
		d.GET("/count/active", h.CountActive)
		d.GET("/:id", h.Get)
		d.PATCH("/:id", h.Update)
		d.DELETE("/:id", h.Delete)
		d.GET("/:id/status", h.Status)
		d.POST("/:id/retry", h.Retry)
	}
}

func (h *DomainHandler) owner(c *gin.Context) (string, bool) {
	return identity.Owner(c, h.tokens == nil)
}

func (h *DomainHandler) domainID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain id"})
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /domains.
func (h *DomainHandler) Create(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	var req model.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.svc.Create(c.Request.Context(), owner, &req)
	if err != nil {
		h.writeError(c, "create domain", err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// List handles GET /domains.
func (h *DomainHandler) List(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	ds, err := h.svc.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, "list domains", err)
		return
	}
	if ds == nil {
		ds = []*model.Domain{}
	}
	c.JSON(http.StatusOK, gin.H{"domains": ds, "count": len(ds)})
}

// CountActive handles GET /domains/count/active.
func (h *DomainHandler) CountActive(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	n, err := h.svc.CountActive(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, "count active domains", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": n})
}

// Get handles GET /domains/:id.
func (h *DomainHandler) Get(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	id, ok := h.domainID(c)
	if !ok {
		return
	}
	d, err := h.svc.Get(c.Request.Context(), owner, id)
	if err != nil {
		h.writeError(c, "get domain", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Update handles PATCH /domains/:id.
func (h *DomainHandler) Update(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	id, ok := h.domainID(c)
	if !ok {
		return
	}
	var req model.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.svc.Update(c.Request.Context(), owner, id, &req)
	if err != nil {
		h.writeError(c, "update domain", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Delete handles DELETE /domains/:id.
func (h *DomainHandler) Delete(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	id, ok := h.domainID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), owner, id); err != nil {
		h.writeError(c, "delete domain", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Status handles GET /domains/:id/status by running one reconciliation pass.
func (h *DomainHandler) Status(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	id, ok := h.domainID(c)
	if !ok {
		return
	}
	rep, err := h.svc.CheckStatus(c.Request.Context(), owner, id)
	if err != nil {
		h.writeError(c, "check status", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Retry handles POST /domains/:id/retry. It re-provisions a failed certificate.
func (h *DomainHandler) Retry(c *gin.Context) {
	owner, ok := h.owner(c)
	if !ok {
		return
	}
	id, ok := h.domainID(c)
	if !ok {
		return
	}
	rep, err := h.svc.RetryProvisioning(c.Request.Context(), owner, id)
	if err != nil {
		h.writeError(c, "retry provisioning", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Resolve handles GET /domains/resolve?host= for the edge.
func (h *DomainHandler) Resolve(c *gin.Context) {
	host := c.Query("host")
	if host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "host is required"})
		return
	}
	res, err := h.svc.Resolve(c.Request.Context(), host)
	if err != nil {
		h.writeError(c, "resolve domain", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *DomainHandler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "domain not found"})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "hostname already claimed"})
	case errors.Is(err, service.ErrInvalidHostname),
		errors.Is(err, service.ErrInvalidDestination),
		errors.Is(err, service.ErrInvalidRule):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
