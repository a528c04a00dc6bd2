// Package notify delivers user notifications to an external collaborator.
//
// Delivery is best effort. A notification that cannot be delivered is logged
// and counted, never propagated: no payment or escrow operation fails
// because the notification service is down.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mesobpay/escrowd/internal/logging"
)

// Notification kinds emitted by the escrow lifecycle.
const (
	KindPaymentCompleted = "payment_completed"
	KindFundsEscrowed    = "funds_escrowed"
	KindFundsReleased    = "funds_released"
	KindFundsRefunded    = "funds_refunded"
	KindDisputeOpened    = "dispute_opened"
	KindCancelled        = "transaction_cancelled"
)

// Notifier sends a notification to a user. Implementations must never block
// the caller on delivery and must never return delivery failures.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload any)
}

var (
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification deliveries by kind and result.",
		},
		[]string{"kind", "result"},
	)
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Dispatcher posts notifications to a configured HTTP endpoint, signing each
// body with HMAC-SHA256 so the receiver can authenticate the source.
type Dispatcher struct {
	url    string
	secret string
	client *http.Client
}

var _ Notifier = (*Dispatcher)(nil)

// NewDispatcher creates an HTTP notifier.
func NewDispatcher(url, secret string, timeout time.Duration) *Dispatcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	UserID  string    `json:"userId"`
	Kind    string    `json:"kind"`
	Payload any       `json:"payload,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// Notify fires the notification on its own goroutine. The request carries
// its own timeout so a dead receiver cannot pin goroutines forever.
func (d *Dispatcher) Notify(ctx context.Context, userID, kind string, payload any) {
	logger := logging.L(ctx)
	go func() {
		body, err := json.Marshal(envelope{
			UserID:  userID,
			Kind:    kind,
			Payload: payload,
			SentAt:  time.Now().UTC(),
		})
		if err != nil {
			deliveriesTotal.WithLabelValues(kind, "error").Inc()
			logger.Error("marshal notification", "kind", kind, "error", err)
			return
		}

		reqCtx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			deliveriesTotal.WithLabelValues(kind, "error").Inc()
			logger.Error("build notification request", "kind", kind, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if d.secret != "" {
			mac := hmac.New(sha256.New, []byte(d.secret))
			mac.Write(body)
			req.Header.Set("X-Escrowd-Signature", hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			deliveriesTotal.WithLabelValues(kind, "failed").Inc()
			logger.Warn("notification delivery failed", "kind", kind, "user_id", userID, "error", err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 300 {
			deliveriesTotal.WithLabelValues(kind, "rejected").Inc()
			logger.Warn("notification rejected", "kind", kind, "user_id", userID, "status", resp.StatusCode)
			return
		}
		deliveriesTotal.WithLabelValues(kind, "delivered").Inc()
	}()
}

// Nop discards notifications. Used when no endpoint is configured.
type Nop struct{}

var _ Notifier = (*Nop)(nil)

func (Nop) Notify(context.Context, string, string, any) {}
