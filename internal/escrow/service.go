// Package escrow implements the purchase lifecycle around held funds.
//
// Money movement is decided here: creation fixes the commission split,
// payment initiation hands the buyer to a gateway, and release, refund and
// dispute resolution are admin operations that re-verify credentials on
// every call. All writes go through the shared per-transaction lock, the
// same one the reconciliation engine uses, so admin actions and gateway
// webhooks never interleave on one transaction.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesobpay/escrowd/internal/auth"
	"github.com/mesobpay/escrowd/internal/commission"
	"github.com/mesobpay/escrowd/internal/gateway"
	"github.com/mesobpay/escrowd/internal/idgen"
	"github.com/mesobpay/escrowd/internal/logging"
	"github.com/mesobpay/escrowd/internal/notify"
	"github.com/mesobpay/escrowd/internal/retry"
	"github.com/mesobpay/escrowd/internal/syncutil"
	"github.com/mesobpay/escrowd/internal/traces"
	"github.com/mesobpay/escrowd/internal/transaction"
	"github.com/mesobpay/escrowd/internal/validation"
)

var (
	// ErrNotParticipant means the acting user is neither buyer nor seller.
	ErrNotParticipant = errors.New("user is not a party to this transaction")
	// ErrSelfDealing means buyer and seller are the same user.
	ErrSelfDealing = errors.New("buyer and seller must be different users")
)

// Listener observes accepted transitions, mirroring the reconciliation
// engine's hook so one implementation can watch both write paths.
type Listener interface {
	TransitionApplied(tx *transaction.Transaction, entry transaction.TimelineEntry)
}

// Service coordinates the escrow lifecycle.
type Service struct {
	store         transaction.Store
	adapters      *gateway.Set
	verifier      auth.Verifier
	notifier      notify.Notifier
	locks         *syncutil.KeyedMutex
	rateBps       int
	retryAttempts int
	retryBackoff  time.Duration
	listeners     []Listener
}

// Config tunes the service.
type Config struct {
	CommissionRateBps int
	RetryAttempts     int
	RetryBackoff      time.Duration
}

// NewService creates the escrow service. The keyed mutex must be shared with
// the reconciliation engine.
func NewService(store transaction.Store, adapters *gateway.Set, verifier auth.Verifier, notifier notify.Notifier, locks *syncutil.KeyedMutex, cfg Config) *Service {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Service{
		store:         store,
		adapters:      adapters,
		verifier:      verifier,
		notifier:      notifier,
		locks:         locks,
		rateBps:       cfg.CommissionRateBps,
		retryAttempts: cfg.RetryAttempts,
		retryBackoff:  cfg.RetryBackoff,
	}
}

// AddListener registers a transition observer.
func (s *Service) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// CreateParams describes a new purchase.
type CreateParams struct {
	BuyerID       string
	SellerID      string
	ListingID     string
	Amount        string
	Currency      string
	PaymentMethod string
}

// Create records a new transaction in pending state. The commission split is
// computed once here and never revisited; later transitions carry it along
// unchanged.
func (s *Service) Create(ctx context.Context, p CreateParams) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Amount(p.Amount))
	defer span.End()

	if p.Currency == "" {
		p.Currency = transaction.CurrencyETB
	}

	if errs := validation.Validate(
		validation.Required("buyerId", p.BuyerID),
		validation.ValidID("buyerId", p.BuyerID),
		validation.Required("sellerId", p.SellerID),
		validation.ValidID("sellerId", p.SellerID),
		validation.Required("listingId", p.ListingID),
		validation.ValidID("listingId", p.ListingID),
		validation.Required("amount", p.Amount),
		validation.ValidAmount("amount", p.Amount),
		validation.OneOf("currency", p.Currency, transaction.CurrencyETB, transaction.CurrencyUSD),
		validation.Required("paymentMethod", p.PaymentMethod),
		validation.OneOf("paymentMethod", p.PaymentMethod, methodNames()...),
	); len(errs) > 0 {
		return nil, errs
	}
	if p.BuyerID == p.SellerID {
		return nil, ErrSelfDealing
	}

	split, err := commission.Compute(p.Amount, s.rateBps)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tx := &transaction.Transaction{
		ID:            idgen.WithPrefix("txn"),
		BuyerID:       p.BuyerID,
		SellerID:      p.SellerID,
		ListingID:     p.ListingID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Commission:    transaction.Commission{Amount: split.CommissionAmount, RateBps: split.RateBps},
		PaymentMethod: transaction.Method(p.PaymentMethod),
		Payment:       transaction.PaymentDetails{OrderID: idgen.OrderID()},
		Status:        transaction.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	entry := transaction.TimelineEntry{
		Status:    transaction.StatusPending,
		Actor:     p.BuyerID,
		Notes:     "transaction created",
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, tx, entry); err != nil {
		return nil, err
	}

	operationsTotal.WithLabelValues("create").Inc()
	logging.L(ctx).Info("transaction created",
		"transaction_id", tx.ID, "order_id", tx.Payment.OrderID,
		"amount", tx.Amount, "commission", tx.Commission.Amount,
		"method", tx.PaymentMethod)
	return tx, nil
}

// InitiatePayment opens a gateway checkout for the transaction. Calling it
// again while a checkout is already open returns the existing checkout
// instead of opening a second one.
func (s *Service) InitiatePayment(ctx context.Context, txID, actorID string) (*transaction.Transaction, error) {
	unlock, err := s.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorID != tx.BuyerID {
		return nil, ErrNotParticipant
	}
	if tx.Status == transaction.StatusPaymentInitiated && tx.Payment.CheckoutURL != "" {
		return tx, nil
	}
	if tx.Status != transaction.StatusPending {
		return nil, fmt.Errorf("cannot initiate payment on a %s transaction: %w", tx.Status, transaction.ErrInvalidTransition)
	}

	adapter, err := s.adapters.ForMethod(tx.PaymentMethod)
	if err != nil {
		return nil, err
	}

	var checkout *gateway.Checkout
	err = retry.Do(ctx, s.retryAttempts, s.retryBackoff, func() error {
		var cErr error
		checkout, cErr = adapter.CreateCheckout(ctx, tx)
		if cErr != nil && !errors.Is(cErr, gateway.ErrUnavailable) {
			return retry.Permanent(cErr)
		}
		return cErr
	})
	if err != nil {
		// The transaction stays pending; a later attempt can succeed.
		return nil, err
	}

	now := time.Now().UTC()
	tx.Status = transaction.StatusPaymentInitiated
	tx.Payment.CheckoutURL = checkout.URL
	tx.Payment.GatewayRef = checkout.GatewayRef
	tx.UpdatedAt = now

	entry := transaction.TimelineEntry{
		Status:    transaction.StatusPaymentInitiated,
		Actor:     actorID,
		Notes:     "checkout opened with " + adapter.Name(),
		CreatedAt: now,
	}
	if err := s.store.AppendTransition(ctx, tx, entry); err != nil {
		return nil, err
	}
	s.broadcast(tx, entry)

	operationsTotal.WithLabelValues("initiate_payment").Inc()
	logging.L(ctx).Info("payment initiated",
		"transaction_id", tx.ID, "provider", adapter.Name(), "gateway_ref", checkout.GatewayRef)
	return tx, nil
}

// Release hands escrowed funds to the seller. Admin only; the key is
// verified on this call regardless of any earlier verification.
func (s *Service) Release(ctx context.Context, txID, adminKey, reason string) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.TransactionID(txID))
	defer span.End()

	adminID, err := s.verifier.VerifyAdmin(ctx, adminKey)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !transaction.CanTransition(tx.Status, transaction.StatusReleased) {
		return nil, fmt.Errorf("cannot release a %s transaction: %w", tx.Status, transaction.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	fromDispute := tx.Status == transaction.StatusDisputed

	tx.Status = transaction.StatusReleased
	tx.Escrow.ReleaseDate = &now
	tx.Escrow.ReleaseReason = reason
	tx.Escrow.ReleasedBy = adminID
	if fromDispute {
		tx.Dispute.Resolution = "released"
		tx.Dispute.ResolvedBy = adminID
		tx.Dispute.ResolvedAt = &now
	}
	tx.UpdatedAt = now

	entry := transaction.TimelineEntry{
		Status:    transaction.StatusReleased,
		Actor:     "admin:" + adminID,
		Notes:     reason,
		CreatedAt: now,
	}
	if err := s.store.AppendTransition(ctx, tx, entry); err != nil {
		return nil, err
	}
	s.broadcast(tx, entry)
	s.notifier.Notify(ctx, tx.SellerID, notify.KindFundsReleased, releasePayload(tx))

	operationsTotal.WithLabelValues("release").Inc()
	logging.L(ctx).Info("funds released",
		"transaction_id", tx.ID, "admin_id", adminID,
		"net_amount", tx.NetAmount(), "from_dispute", fromDispute)
	return tx, nil
}

// Refund returns escrowed funds to the buyer. Admin only, verified per call.
func (s *Service) Refund(ctx context.Context, txID, adminKey, reason string) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.TransactionID(txID))
	defer span.End()

	adminID, err := s.verifier.VerifyAdmin(ctx, adminKey)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !transaction.CanTransition(tx.Status, transaction.StatusRefunded) {
		return nil, fmt.Errorf("cannot refund a %s transaction: %w", tx.Status, transaction.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	fromDispute := tx.Status == transaction.StatusDisputed

	tx.Status = transaction.StatusRefunded
	tx.Refund = transaction.RefundInfo{
		Amount:      tx.Amount,
		Reason:      reason,
		ProcessedBy: adminID,
		ProcessedAt: &now,
	}
	if fromDispute {
		tx.Dispute.Resolution = "refunded"
		tx.Dispute.ResolvedBy = adminID
		tx.Dispute.ResolvedAt = &now
	}
	tx.UpdatedAt = now

	entry := transaction.TimelineEntry{
		Status:    transaction.StatusRefunded,
		Actor:     "admin:" + adminID,
		Notes:     reason,
		CreatedAt: now,
	}
	if err := s.store.AppendTransition(ctx, tx, entry); err != nil {
		return nil, err
	}
	s.broadcast(tx, entry)
	s.notifier.Notify(ctx, tx.BuyerID, notify.KindFundsRefunded, map[string]string{
		"transactionId": tx.ID,
		"amount":        tx.Amount,
		"currency":      tx.Currency,
	})

	operationsTotal.WithLabelValues("refund").Inc()
	logging.L(ctx).Info("funds refunded",
		"transaction_id", tx.ID, "admin_id", adminID, "amount", tx.Amount)
	return tx, nil
}

// Dispute freezes an escrowed transaction until an admin resolves it,
// raised by the buyer or the seller of the transaction.
func (s *Service) Dispute(ctx context.Context, txID, raisedBy, reason string) (*transaction.Transaction, error) {
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 2000),
	); len(errs) > 0 {
		return nil, errs
	}

	unlock, err := s.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if raisedBy != tx.BuyerID && raisedBy != tx.SellerID {
		return nil, ErrNotParticipant
	}

	if err := s.openDisputeLocked(ctx, tx, raisedBy, reason, []string{counterparty(tx, raisedBy)}); err != nil {
		return nil, err
	}
	return tx, nil
}

// DisputeByAdmin freezes an escrowed transaction on an operator's word, for
// example after a chargeback lands out of band. The credential is
// re-verified on every call; both parties are notified.
func (s *Service) DisputeByAdmin(ctx context.Context, txID, adminKey, reason string) (*transaction.Transaction, error) {
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 2000),
	); len(errs) > 0 {
		return nil, errs
	}

	adminID, err := s.verifier.VerifyAdmin(ctx, adminKey)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	if err := s.openDisputeLocked(ctx, tx, "admin:"+adminID, reason, []string{tx.BuyerID, tx.SellerID}); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Service) openDisputeLocked(ctx context.Context, tx *transaction.Transaction, raisedBy, reason string, recipients []string) error {
	if tx.Status != transaction.StatusEscrowed {
		return fmt.Errorf("cannot dispute a %s transaction: %w", tx.Status, transaction.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	tx.Status = transaction.StatusDisputed
	tx.Dispute = transaction.DisputeInfo{
		IsDisputed: true,
		RaisedBy:   raisedBy,
		Reason:     reason,
	}
	tx.UpdatedAt = now

	entry := transaction.TimelineEntry{
		Status:    transaction.StatusDisputed,
		Actor:     raisedBy,
		Notes:     reason,
		CreatedAt: now,
	}
	if err := s.store.AppendTransition(ctx, tx, entry); err != nil {
		return err
	}
	s.broadcast(tx, entry)
	for _, userID := range recipients {
		s.notifier.Notify(ctx, userID, notify.KindDisputeOpened, map[string]string{
			"transactionId": tx.ID,
			"raisedBy":      raisedBy,
		})
	}

	operationsTotal.WithLabelValues("dispute").Inc()
	logging.L(ctx).Info("dispute opened",
		"transaction_id", tx.ID, "raised_by", raisedBy)
	return nil
}

// Cancel abandons a transaction before any money is captured. Once the
// gateway confirms capture there is no cancel path, only refund.
func (s *Service) Cancel(ctx context.Context, txID, actorID, reason string) (*transaction.Transaction, error) {
	unlock, err := s.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if actorID != tx.BuyerID && actorID != tx.SellerID {
		return nil, ErrNotParticipant
	}
	if !transaction.CanTransition(tx.Status, transaction.StatusCancelled) {
		return nil, fmt.Errorf("cannot cancel a %s transaction: %w", tx.Status, transaction.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	tx.Status = transaction.StatusCancelled
	tx.UpdatedAt = now

	entry := transaction.TimelineEntry{
		Status:    transaction.StatusCancelled,
		Actor:     actorID,
		Notes:     reason,
		CreatedAt: now,
	}
	if err := s.store.AppendTransition(ctx, tx, entry); err != nil {
		return nil, err
	}
	s.broadcast(tx, entry)
	s.notifier.Notify(ctx, counterparty(tx, actorID), notify.KindCancelled, map[string]string{
		"transactionId": tx.ID,
	})

	operationsTotal.WithLabelValues("cancel").Inc()
	logging.L(ctx).Info("transaction cancelled",
		"transaction_id", tx.ID, "actor", actorID)
	return tx, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, txID string) (*transaction.Transaction, error) {
	return s.store.Get(ctx, txID)
}

// Timeline returns the full audit trail for a transaction, oldest first.
func (s *Service) Timeline(ctx context.Context, txID string) ([]transaction.TimelineEntry, error) {
	if _, err := s.store.Get(ctx, txID); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, txID)
}

// ListByStatus returns transactions in a given state.
func (s *Service) ListByStatus(ctx context.Context, status transaction.Status, limit int) ([]*transaction.Transaction, error) {
	if !status.Valid() {
		return nil, validation.ValidationErrors{{Field: "status", Message: "unknown status"}}
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// ListNeedsReview returns transactions frozen by contradictory gateway
// signals, for the admin review queue.
func (s *Service) ListNeedsReview(ctx context.Context, limit int) ([]*transaction.Transaction, error) {
	return s.store.ListNeedsReview(ctx, limit)
}

func (s *Service) broadcast(tx *transaction.Transaction, entry transaction.TimelineEntry) {
	for _, l := range s.listeners {
		snapshot := *tx
		go l.TransitionApplied(&snapshot, entry)
	}
}

func releasePayload(tx *transaction.Transaction) map[string]string {
	return map[string]string{
		"transactionId": tx.ID,
		"netAmount":     tx.NetAmount(),
		"currency":      tx.Currency,
	}
}

func counterparty(tx *transaction.Transaction, userID string) string {
	if userID == tx.BuyerID {
		return tx.SellerID
	}
	return tx.BuyerID
}

func methodNames() []string {
	methods := transaction.Methods()
	names := make([]string, len(methods))
	for i, m := range methods {
		names[i] = string(m)
	}
	return names
}
