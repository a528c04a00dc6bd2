package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mesobpay/escrowd/internal/birr"
	"github.com/mesobpay/escrowd/internal/transaction"
)

// StripeConfig configures the card adapter.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string // webhook signature verification is skipped when empty
	Timeout       time.Duration
}

// Stripe is the card adapter. Card payments flow through PaymentIntents; the
// order id rides in PaymentIntent metadata so webhook events can be
// correlated back to our transaction.
type Stripe struct {
	cfg StripeConfig
	api *client.API
}

var _ Adapter = (*Stripe)(nil)

// NewStripe creates a Stripe adapter.
func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	api := &client.API{}
	api.Init(cfg.APIKey, &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient: &http.Client{Timeout: cfg.Timeout},
		}),
	})
	return &Stripe{cfg: cfg, api: api}
}

// Name returns the provider identifier used in webhook routes.
func (s *Stripe) Name() string { return "stripe" }

// CreateCheckout opens a PaymentIntent for the transaction and returns its
// client secret as the checkout handle.
func (s *Stripe) CreateCheckout(ctx context.Context, tx *transaction.Transaction) (*Checkout, error) {
	minor, ok := birr.Parse(tx.Amount)
	if !ok {
		return nil, fmt.Errorf("stripe: invalid amount %q", tx.Amount)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor.Int64()),
		Currency: stripe.String(strings.ToLower(tx.Currency)),
	}
	params.Context = ctx
	params.AddMetadata("order_id", tx.Payment.OrderID)
	params.AddMetadata("transaction_id", tx.ID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, stripeErr("create payment intent", err)
	}

	return &Checkout{URL: pi.ClientSecret, GatewayRef: pi.ID}, nil
}

// Normalize verifies and translates a Stripe webhook delivery.
func (s *Stripe) Normalize(body []byte, header http.Header) (*Outcome, error) {
	var event stripe.Event
	if s.cfg.WebhookSecret != "" {
		var err error
		event, err = webhook.ConstructEvent(body, header.Get("Stripe-Signature"), s.cfg.WebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("stripe: %w: %v", ErrMalformedPayload, err)
		}
	} else if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("stripe: %w: %v", ErrMalformedPayload, err)
	}

	var status OutcomeStatus
	switch event.Type {
	case "payment_intent.succeeded":
		status = OutcomeCaptured
	case "payment_intent.payment_failed", "payment_intent.canceled":
		status = OutcomeFailed
	case "payment_intent.created", "payment_intent.processing", "payment_intent.requires_action":
		status = OutcomePending
	default:
		return nil, fmt.Errorf("stripe: %s: %w", event.Type, ErrEventIgnored)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("stripe: %w: decode payment intent: %v", ErrMalformedPayload, err)
	}

	return &Outcome{
		OrderID:    pi.Metadata["order_id"],
		Provider:   s.Name(),
		Status:     status,
		GatewayRef: pi.ID,
		Amount:     birr.Format(minorUnits(pi.Amount)),
		Currency:   strings.ToUpper(string(pi.Currency)),
		Raw:        json.RawMessage(body),
	}, nil
}

// QueryStatus fetches the PaymentIntent directly. Stripe keys lookups by
// intent id, so the gateway ref recorded at checkout time is required.
func (s *Stripe) QueryStatus(ctx context.Context, orderID, gatewayRef string) (*Outcome, error) {
	if gatewayRef == "" {
		return &Outcome{OrderID: orderID, Provider: s.Name(), Status: OutcomeUnknownReference}, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(gatewayRef, params)
	if err != nil {
		var sErr *stripe.Error
		if errors.As(err, &sErr) && sErr.HTTPStatusCode == http.StatusNotFound {
			return &Outcome{OrderID: orderID, Provider: s.Name(), Status: OutcomeUnknownReference}, nil
		}
		return nil, stripeErr("get payment intent", err)
	}

	var status OutcomeStatus
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = OutcomeCaptured
	case stripe.PaymentIntentStatusCanceled:
		status = OutcomeFailed
	default:
		status = OutcomePending
	}

	raw, _ := json.Marshal(pi)
	return &Outcome{
		OrderID:    orderID,
		Provider:   s.Name(),
		Status:     status,
		GatewayRef: pi.ID,
		Amount:     birr.Format(minorUnits(pi.Amount)),
		Currency:   strings.ToUpper(string(pi.Currency)),
		Raw:        raw,
	}, nil
}

func minorUnits(n int64) *big.Int { return new(big.Int).SetInt64(n) }

// stripeErr classifies an API error. Server-side and transport failures are
// retryable; everything else is a hard rejection.
func stripeErr(op string, err error) error {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode >= 500 || sErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrUnavailable, err)
		}
		return fmt.Errorf("stripe: %s: %w", op, err)
	}
	// Non-API errors from the SDK are network-level.
	return fmt.Errorf("stripe: %s: %w: %v", op, ErrUnavailable, err)
}
