// Package gateway normalizes heterogeneous payment providers into a single
// outcome vocabulary.
//
// Each provider speaks its own dialect over webhooks and status queries;
// adapters translate both into Outcome so the reconciliation engine never
// sees provider-specific vocabulary. Transport failures and timeouts are
// surfaced as ErrUnavailable and treated as retryable, never as a failed
// payment.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/mesobpay/escrowd/internal/transaction"
)

var (
	// ErrUnavailable means the provider could not be reached or answered
	// with a transport-level failure. Retryable.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrMalformedPayload means a webhook body could not be parsed or its
	// signature did not verify. The only condition worth a non-2xx reply.
	ErrMalformedPayload = errors.New("malformed gateway payload")
	// ErrUnsupportedMethod means no adapter is registered for the method.
	ErrUnsupportedMethod = errors.New("unsupported payment method")
	// ErrEventIgnored means a well-formed webhook carried an event type this
	// system does not act on. Acknowledged with 2xx so the provider stops
	// redelivering it.
	ErrEventIgnored = errors.New("gateway event ignored")
)

// OutcomeStatus is the closed outcome vocabulary of the reconciliation engine.
type OutcomeStatus string

const (
	OutcomeCaptured         OutcomeStatus = "captured"
	OutcomeFailed           OutcomeStatus = "failed"
	OutcomePending          OutcomeStatus = "pending"
	OutcomeUnknownReference OutcomeStatus = "unknown_reference"
)

// Outcome is a normalized gateway signal, from a webhook or a status query.
type Outcome struct {
	OrderID    string          `json:"orderId"`
	Provider   string          `json:"provider"`
	Status     OutcomeStatus   `json:"status"`
	GatewayRef string          `json:"gatewayRef,omitempty"`
	Amount     string          `json:"amount,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Checkout is the handle a buyer is redirected to.
type Checkout struct {
	URL        string `json:"url,omitempty"`
	GatewayRef string `json:"gatewayRef"`
}

// Adapter translates one provider's dialect.
type Adapter interface {
	Name() string
	// CreateCheckout asks the provider for a checkout handle for the
	// transaction. Transport failure surfaces as ErrUnavailable.
	CreateCheckout(ctx context.Context, tx *transaction.Transaction) (*Checkout, error)
	// Normalize translates a webhook delivery. It performs no I/O.
	Normalize(body []byte, header http.Header) (*Outcome, error)
	// QueryStatus actively polls the provider for the order's state.
	QueryStatus(ctx context.Context, orderID, gatewayRef string) (*Outcome, error)
}

// Set holds the registered adapters keyed by payment method.
type Set struct {
	adapters map[transaction.Method]Adapter
}

// NewSet creates an adapter set.
func NewSet() *Set {
	return &Set{adapters: make(map[transaction.Method]Adapter)}
}

// Register adds an adapter for a method.
func (s *Set) Register(method transaction.Method, a Adapter) {
	s.adapters[method] = a
}

// ForMethod returns the adapter for a payment method.
func (s *Set) ForMethod(method transaction.Method) (Adapter, error) {
	a, ok := s.adapters[method]
	if !ok {
		return nil, ErrUnsupportedMethod
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.adapters))
	for _, a := range s.adapters {
		names = append(names, a.Name())
	}
	sort.Strings(names)
	return names
}

// ForProvider returns the adapter with the given name (webhook routing).
func (s *Set) ForProvider(name string) (Adapter, error) {
	for _, a := range s.adapters {
		if a.Name() == name {
			return a, nil
		}
	}
	return nil, ErrUnsupportedMethod
}
