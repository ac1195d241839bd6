// Package handlers implements the HTTP handlers for the entitlement API.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/phira-ventures/peter-entitlements/internal/entitlement"
	"github.com/phira-ventures/peter-entitlements/internal/gate"
)

// Gate is the slice of the access gate the handlers consume.
type Gate interface {
	Current() gate.View
	Restore(ctx context.Context) gate.View
	RequestPurchase(ctx context.Context, productID string) error
}

// Engine is the slice of the entitlement engine the handlers consume.
type Engine interface {
	Decision() entitlement.AccessDecision
	Ledger() entitlement.Snapshot
	Verify(ctx context.Context, force bool) (entitlement.AccessDecision, error)
}

// EntitlementHandler handles entitlement and recovery-flow endpoints.
type EntitlementHandler struct {
	gate   Gate
	engine Engine
	logger zerolog.Logger
}

// NewEntitlementHandler creates an EntitlementHandler.
func NewEntitlementHandler(g Gate, e Engine, logger zerolog.Logger) *EntitlementHandler {
	return &EntitlementHandler{
		gate:   g,
		engine: e,
		logger: logger.With().Str("component", "entitlement_handler").Logger(),
	}
}

// RegisterRoutes registers entitlement routes on the given router group.
func (h *EntitlementHandler) RegisterRoutes(r *gin.RouterGroup) {
	ent := r.Group("/entitlement")
	{
		ent.GET("", h.GetEntitlement)
		ent.GET("/status", h.GetStatus)
		ent.POST("/verify", h.Verify)
		ent.POST("/restore", h.Restore)
	}
	r.POST("/purchases", h.RequestPurchase)
}

// GetEntitlement returns the current gate view.
// GET /api/v1/entitlement
func (h *EntitlementHandler) GetEntitlement(c *gin.Context) {
	c.JSON(http.StatusOK, h.gate.Current())
}

// StatusResponse is the response for the GetStatus endpoint.
type StatusResponse struct {
	Status       entitlement.Status         `json:"status"`
	Decision     entitlement.AccessDecision `json:"decision"`
	Transactions int                        `json:"transactions"`
	Revision     uint64                     `json:"revision"`
}

// GetStatus returns the decision plus a ledger summary, for support tooling.
// GET /api/v1/entitlement/status
func (h *EntitlementHandler) GetStatus(c *gin.Context) {
	decision := h.engine.Decision()
	snap := h.engine.Ledger()

	c.JSON(http.StatusOK, StatusResponse{
		Status:       decision.Status,
		Decision:     decision,
		Transactions: len(snap.Transactions),
		Revision:     snap.Revision,
	})
}

// Verify triggers a server verification and returns the resulting decision.
// Concurrent calls coalesce onto one network request.
// POST /api/v1/entitlement/verify
func (h *EntitlementHandler) Verify(c *gin.Context) {
	decision, err := h.engine.Verify(c.Request.Context(), false)
	if err != nil {
		// Transport failures resolve into a fail-closed decision; the client
		// still gets a renderable answer, never a raw transport error.
		h.logger.Warn().Err(err).Msg("verification failed")
	}
	c.JSON(http.StatusOK, gin.H{"decision": decision})
}

// Restore runs the restore-purchases flow and returns the resulting gate view.
// POST /api/v1/entitlement/restore
func (h *EntitlementHandler) Restore(c *gin.Context) {
	view := h.gate.Restore(c.Request.Context())
	c.JSON(http.StatusOK, view)
}

// PurchaseRequest is the request body for RequestPurchase.
type PurchaseRequest struct {
	ProductID string `json:"product_id" binding:"required"`
}

// RequestPurchase re-enters the external purchase flow for a product.
// POST /api/v1/purchases
func (h *EntitlementHandler) RequestPurchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id is required"})
		return
	}

	if err := h.gate.RequestPurchase(c.Request.Context(), req.ProductID); err != nil {
		h.logger.Error().Err(err).Str("product_id", req.ProductID).Msg("failed to initiate purchase")
		c.JSON(http.StatusBadGateway, gin.H{"error": "purchase platform unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "purchase_initiated"})
}
