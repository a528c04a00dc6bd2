package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mesobpay/escrowd/internal/gateway"
	"github.com/mesobpay/escrowd/internal/logging"
	"github.com/mesobpay/escrowd/internal/transaction"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Handler exposes the reconciliation engine over HTTP.
type Handler struct {
	engine   *Engine
	adapters *gateway.Set
}

// NewHandler creates the HTTP handler for webhooks and polling.
func NewHandler(engine *Engine, adapters *gateway.Set) *Handler {
	return &Handler{engine: engine, adapters: adapters}
}

// RegisterRoutes mounts the webhook endpoint. The poll endpoint is mounted
// separately because it sits behind admin auth.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/callbacks/:provider", h.Webhook)
}

// Webhook ingests a provider delivery.
//
// Business rejections (unknown reference, duplicate, contradiction) are
// acknowledged with 200 so the provider stops redelivering; a non-2xx is
// reserved for payloads we could not even parse. Every disposition other
// than a parse failure leaves an audit trail.
func (h *Handler) Webhook(c *gin.Context) {
	provider := c.Param("provider")

	adapter, err := h.adapters.ForProvider(provider)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "no payment gateway named " + provider,
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unreadable_body",
			"message": "could not read webhook body",
		})
		return
	}

	out, err := adapter.Normalize(body, c.Request.Header)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrEventIgnored):
			webhooksTotal.WithLabelValues(provider, "ignored").Inc()
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		default:
			webhooksTotal.WithLabelValues(provider, "malformed").Inc()
			logging.L(c.Request.Context()).Warn("malformed webhook",
				"provider", provider, "error", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "malformed_payload",
				"message": "webhook body failed validation",
			})
		}
		return
	}

	res, err := h.engine.Apply(c.Request.Context(), out)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownReference):
			// Acknowledged: redelivery will not make the order appear.
			webhooksTotal.WithLabelValues(provider, "unknown_reference").Inc()
			logging.L(c.Request.Context()).Warn("webhook for unknown order",
				"provider", provider, "order_id", out.OrderID)
			c.JSON(http.StatusOK, gin.H{"status": "unknown_reference"})
		case errors.Is(err, ErrInconsistentGatewayState):
			webhooksTotal.WithLabelValues(provider, "contradiction").Inc()
			c.JSON(http.StatusOK, gin.H{"status": "flagged_for_review"})
		default:
			webhooksTotal.WithLabelValues(provider, "error").Inc()
			logging.L(c.Request.Context()).Error("webhook reconciliation failed",
				"provider", provider, "order_id", out.OrderID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "failed to process webhook",
			})
		}
		return
	}

	webhooksTotal.WithLabelValues(provider, disposition(res)).Inc()
	c.JSON(http.StatusOK, gin.H{
		"status":        disposition(res),
		"transactionId": res.Tx.ID,
	})
}

// Poll triggers an active status query against the gateway. Admin only;
// mounted by the server under the authenticated group.
func (h *Handler) Poll(c *gin.Context) {
	id := c.Param("id")

	res, err := h.engine.Poll(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, transaction.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "transaction not found",
			})
		case errors.Is(err, gateway.ErrUnavailable):
			// The gateway being down says nothing about the payment.
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "gateway_unavailable",
				"message": "payment gateway unreachable, transaction left unchanged",
			})
		case errors.Is(err, ErrUnknownReference):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "unknown_reference",
				"message": "gateway does not recognize this order",
			})
		case errors.Is(err, ErrInconsistentGatewayState):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "inconsistent_gateway_state",
				"message": "gateway answer contradicts recorded history, transaction flagged",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "failed to poll gateway",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      disposition(res),
		"transaction": res.Tx,
	})
}

// Finalize retries the escrow step for a transaction sitting in
// payment_completed. Idempotent; admin only, mounted under the
// authenticated group alongside Poll.
func (h *Handler) Finalize(c *gin.Context) {
	tx, err := h.engine.Finalize(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, transaction.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "transaction not found",
			})
		case errors.Is(err, transaction.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": "funds are not captured yet",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "failed to finalize escrow",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

func disposition(res *Result) string {
	switch {
	case res.Applied:
		return "applied"
	case res.Duplicate:
		return "duplicate"
	default:
		return "unchanged"
	}
}
