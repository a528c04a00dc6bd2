// Package transaction owns the escrow transaction record and its lifecycle.
//
// Lifecycle:
//
//	pending → payment_initiated → payment_completed → escrowed
//	escrowed → released | refunded | disputed
//	disputed → released | refunded
//	pending, payment_initiated → cancelled
//
// The status field is the single source of truth for lifecycle position.
// Every accepted status change appends exactly one timeline row; the store
// performs both writes as one atomic unit. Terminal records are kept forever.
package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/mesobpay/escrowd/internal/birr"
)

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrDuplicateOrderID  = errors.New("order id already in use")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status represents a transaction's lifecycle position.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPaymentInitiated Status = "payment_initiated"
	StatusPaymentCompleted Status = "payment_completed"
	StatusEscrowed         Status = "escrowed"
	StatusReleased         Status = "released"
	StatusRefunded         Status = "refunded"
	StatusDisputed         Status = "disputed"
	StatusCancelled        Status = "cancelled"
)

// transitions is the authoritative edge set. Anything not listed is illegal
// and gets rejected, never coerced.
var transitions = map[Status][]Status{
	StatusPending:          {StatusPaymentInitiated, StatusCancelled},
	StatusPaymentInitiated: {StatusPaymentCompleted, StatusCancelled},
	StatusPaymentCompleted: {StatusEscrowed},
	StatusEscrowed:         {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed:         {StatusReleased, StatusRefunded},
}

// ranks orders statuses along the lifecycle so duplicate or late gateway
// signals can be detected as "equal to or behind" the current position.
var ranks = map[Status]int{
	StatusPending:          0,
	StatusPaymentInitiated: 1,
	StatusPaymentCompleted: 2,
	StatusEscrowed:         3,
	StatusDisputed:         4,
	StatusReleased:         5,
	StatusRefunded:         5,
	StatusCancelled:        5,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status has no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Rank returns the lifecycle ordering position for duplicate detection.
func (s Status) Rank() int {
	return ranks[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

// Method identifies a supported payment gateway.
type Method string

const (
	MethodTelebirr Method = "telebirr" // mobile money
	MethodStripe   Method = "stripe"   // card
	MethodCBEBirr  Method = "cbebirr"  // bank
)

// Methods returns all supported payment methods.
func Methods() []Method {
	return []Method{MethodTelebirr, MethodStripe, MethodCBEBirr}
}

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case MethodTelebirr, MethodStripe, MethodCBEBirr:
		return true
	}
	return false
}

// Currencies accepted at creation time.
const (
	CurrencyETB = "ETB"
	CurrencyUSD = "USD"
)

// Commission is the platform cut fixed at creation time. It is never
// recomputed by later transitions.
type Commission struct {
	Amount  string `json:"amount"`
	RateBps int    `json:"rateBps"`
}

// PaymentDetails carries gateway correlation state. OrderID is the only key
// gateways echo back and is unique across all transactions.
type PaymentDetails struct {
	OrderID         string          `json:"orderId"`
	GatewayRef      string          `json:"gatewayRef,omitempty"`
	CheckoutURL     string          `json:"checkoutUrl,omitempty"`
	LastRawResponse json.RawMessage `json:"lastRawResponse,omitempty"`
	LastProcessedAt *time.Time      `json:"lastProcessedAt,omitempty"`
}

// EscrowInfo tracks escrow bookkeeping. IsEscrowed is true iff the status is
// escrowed or a terminal state reached from escrowed.
type EscrowInfo struct {
	IsEscrowed    bool       `json:"isEscrowed"`
	EscrowDate    *time.Time `json:"escrowDate,omitempty"`
	AutoReleaseAt *time.Time `json:"autoReleaseAt,omitempty"` // consumed by the external release scheduler
	ReleaseDate   *time.Time `json:"releaseDate,omitempty"`
	ReleaseReason string     `json:"releaseReason,omitempty"`
	ReleasedBy    string     `json:"releasedBy,omitempty"`
}

// DisputeInfo tracks an open or resolved dispute.
type DisputeInfo struct {
	IsDisputed bool       `json:"isDisputed"`
	RaisedBy   string     `json:"raisedBy,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// RefundInfo tracks refund bookkeeping.
type RefundInfo struct {
	Amount      string     `json:"amount,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ProcessedBy string     `json:"processedBy,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// Transaction is the central escrow record.
type Transaction struct {
	ID            string         `json:"id"`
	BuyerID       string         `json:"buyerId"`
	SellerID      string         `json:"sellerId"`
	ListingID     string         `json:"listingId"`
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
	Commission    Commission     `json:"commission"`
	PaymentMethod Method         `json:"paymentMethod"`
	Payment       PaymentDetails `json:"paymentDetails"`
	Status        Status         `json:"status"`
	Escrow        EscrowInfo     `json:"escrow"`
	Dispute       DisputeInfo    `json:"dispute"`
	Refund        RefundInfo     `json:"refund"`
	NeedsReview   bool           `json:"needsReview,omitempty"` // set when a gateway outcome contradicts known history
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// NetAmount returns what the seller receives: the amount minus the
// commission fixed at creation time.
func (t *Transaction) NetAmount() string {
	total, ok := birr.Parse(t.Amount)
	if !ok {
		return ""
	}
	cut, ok := birr.Parse(t.Commission.Amount)
	if !ok {
		return ""
	}
	return birr.Format(new(big.Int).Sub(total, cut))
}

// TimelineEntry is one append-only audit row. Entries are never mutated.
type TimelineEntry struct {
	ID            int64           `json:"id"`
	TransactionID string          `json:"transactionId"`
	Status        Status          `json:"status"`
	Actor         string          `json:"actor"`
	Notes         string          `json:"notes,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Store is the persistence boundary. It is the only component performing
// transaction I/O; everything else goes through this narrow operation set.
type Store interface {
	// Create persists a new transaction and its first timeline row atomically.
	Create(ctx context.Context, tx *Transaction, entry TimelineEntry) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByOrderID(ctx context.Context, orderID string) (*Transaction, error)
	// AppendTransition persists the transaction's current fields and appends
	// one timeline row as a single atomic unit. It is also used for duplicate
	// no-op rows, where the status column does not change.
	AppendTransition(ctx context.Context, tx *Transaction, entry TimelineEntry) error
	Timeline(ctx context.Context, id string) ([]TimelineEntry, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error)
}
