package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mesobpay/escrowd/internal/auth"
	"github.com/mesobpay/escrowd/internal/gateway"
	"github.com/mesobpay/escrowd/internal/logging"
	"github.com/mesobpay/escrowd/internal/transaction"
	"github.com/mesobpay/escrowd/internal/validation"
)

const defaultListLimit = 50

// Handler exposes the escrow service over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates the escrow HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the public transaction endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/transactions", h.Create)
	r.GET("/transactions", h.List)
	r.GET("/transactions/:id", h.Get)
	r.GET("/transactions/:id/timeline", h.Timeline)
	r.POST("/transactions/:id/pay", h.InitiatePayment)
	r.POST("/transactions/:id/dispute", h.Dispute)
	r.POST("/transactions/:id/cancel", h.Cancel)
}

// RegisterAdminRoutes mounts the privileged endpoints. The group is expected
// to already carry auth.RequireAdmin; the service still re-verifies the key
// inside each money-moving call.
func (h *Handler) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/transactions/:id/release", h.Release)
	r.POST("/transactions/:id/refund", h.Refund)
	r.POST("/transactions/:id/dispute", h.AdminDispute)
	r.GET("/review", h.ReviewQueue)
}

type createRequest struct {
	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`
	ListingID     string `json:"listingId"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"paymentMethod"`
}

// Create opens a new pending transaction.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	tx, err := h.svc.Create(c.Request.Context(), CreateParams{
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		ListingID:     req.ListingID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": tx})
}

// Get returns one transaction.
func (h *Handler) Get(c *gin.Context) {
	tx, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Timeline returns the append-only audit trail, oldest first.
func (h *Handler) Timeline(c *gin.Context) {
	entries, err := h.svc.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timeline": entries})
}

// List returns transactions filtered by status.
func (h *Handler) List(c *gin.Context) {
	status := transaction.Status(c.Query("status"))
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.svc.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

type actorRequest struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// InitiatePayment opens a gateway checkout.
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	tx, err := h.svc.InitiatePayment(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": tx,
		"checkoutUrl": tx.Payment.CheckoutURL,
	})
}

// Dispute freezes an escrowed transaction.
func (h *Handler) Dispute(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	tx, err := h.svc.Dispute(c.Request.Context(), c.Param("id"), req.UserID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Cancel abandons a transaction before capture.
func (h *Handler) Cancel(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	tx, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), req.UserID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type adminActionRequest struct {
	Reason string `json:"reason"`
}

// Release hands escrowed funds to the seller.
func (h *Handler) Release(c *gin.Context) {
	var req adminActionRequest
	_ = c.ShouldBindJSON(&req)

	tx, err := h.svc.Release(c.Request.Context(), c.Param("id"), auth.AdminKeyFromRequest(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Refund returns escrowed funds to the buyer.
func (h *Handler) Refund(c *gin.Context) {
	var req adminActionRequest
	_ = c.ShouldBindJSON(&req)

	tx, err := h.svc.Refund(c.Request.Context(), c.Param("id"), auth.AdminKeyFromRequest(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// AdminDispute lets an operator freeze an escrowed transaction.
func (h *Handler) AdminDispute(c *gin.Context) {
	var req adminActionRequest
	_ = c.ShouldBindJSON(&req)

	tx, err := h.svc.DisputeByAdmin(c.Request.Context(), c.Param("id"), auth.AdminKeyFromRequest(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ReviewQueue lists transactions frozen by contradictory gateway signals.
func (h *Handler) ReviewQueue(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.svc.ListNeedsReview(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// writeError maps service errors onto the HTTP error envelope.
func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": verrs.Error(),
			"fields":  verrs,
		})
	case errors.Is(err, ErrSelfDealing):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
	case errors.Is(err, transaction.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "transaction not found",
		})
	case errors.Is(err, auth.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "valid admin credentials required",
		})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, transaction.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, gateway.ErrUnsupportedMethod):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": err.Error(),
		})
	case errors.Is(err, gateway.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "gateway_unavailable",
			"message": "payment gateway unreachable, try again later",
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "an unexpected error occurred",
		})
	}
}
