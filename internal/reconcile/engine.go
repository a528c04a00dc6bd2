// Package reconcile turns gateway signals into transaction state.
//
// Gateways deliver webhooks at least once and in no particular order, so the
// engine never trusts arrival order. Every outcome is compared against the
// transaction's recorded position: signals that land behind or equal to it
// become no-op timeline rows, signals that advance it along a legal path are
// applied, and signals that contradict recorded history freeze the
// transaction for operator review instead of guessing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesobpay/escrowd/internal/gateway"
	"github.com/mesobpay/escrowd/internal/logging"
	"github.com/mesobpay/escrowd/internal/retry"
	"github.com/mesobpay/escrowd/internal/syncutil"
	"github.com/mesobpay/escrowd/internal/traces"
	"github.com/mesobpay/escrowd/internal/transaction"
)

var (
	// ErrUnknownReference means the outcome's order id matches no transaction.
	ErrUnknownReference = errors.New("unknown order reference")
	// ErrInconsistentGatewayState means the outcome contradicts recorded
	// history. The transaction is flagged for review, never auto-corrected.
	ErrInconsistentGatewayState = errors.New("gateway state inconsistent with recorded history")
)

// Listener observes accepted transitions. Implementations must not block;
// the engine invokes them on their own goroutine after the store write.
type Listener interface {
	TransitionApplied(tx *transaction.Transaction, entry transaction.TimelineEntry)
}

// Result reports what Apply did with an outcome.
type Result struct {
	Tx        *transaction.Transaction
	Applied   bool // status advanced
	Duplicate bool // recorded as a no-op timeline row
}

// Engine reconciles gateway outcomes against the transaction store.
type Engine struct {
	store           transaction.Store
	adapters        *gateway.Set
	locks           *syncutil.KeyedMutex
	autoReleaseDays int
	pollAttempts    int
	pollBackoff     time.Duration
	listeners       []Listener
}

// Config tunes the engine.
type Config struct {
	AutoReleaseDays int
	PollAttempts    int
	PollBackoff     time.Duration
}

// NewEngine creates a reconciliation engine. The keyed mutex must be the
// same instance used by every other writer of transaction state.
func NewEngine(store transaction.Store, adapters *gateway.Set, locks *syncutil.KeyedMutex, cfg Config) *Engine {
	if cfg.AutoReleaseDays <= 0 {
		cfg.AutoReleaseDays = 7
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 3
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = 500 * time.Millisecond
	}
	return &Engine{
		store:           store,
		adapters:        adapters,
		locks:           locks,
		autoReleaseDays: cfg.AutoReleaseDays,
		pollAttempts:    cfg.PollAttempts,
		pollBackoff:     cfg.PollBackoff,
	}
}

// AddListener registers a transition observer.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Apply reconciles one normalized gateway outcome. Safe to call any number
// of times with the same outcome; replays produce a no-op timeline row and
// no state change.
func (e *Engine) Apply(ctx context.Context, out *gateway.Outcome) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Apply",
		traces.OrderID(out.OrderID), traces.Provider(out.Provider),
		traces.Outcome(string(out.Status)))
	defer span.End()

	if out.OrderID == "" || out.Status == gateway.OutcomeUnknownReference {
		return nil, ErrUnknownReference
	}

	// Unlocked lookup to learn the transaction id, then the real read
	// happens under the per-transaction lock.
	tx, err := e.store.GetByOrderID(ctx, out.OrderID)
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			return nil, fmt.Errorf("order %s: %w", out.OrderID, ErrUnknownReference)
		}
		return nil, err
	}

	unlock, err := e.locks.Lock(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = e.store.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}

	return e.applyLocked(ctx, tx, out)
}

func (e *Engine) applyLocked(ctx context.Context, tx *transaction.Transaction, out *gateway.Outcome) (*Result, error) {
	now := time.Now().UTC()
	actor := "gateway:" + out.Provider

	target, ok := outcomeTarget(out.Status)
	if !ok {
		// Pure informational signal, keep the raw payload only.
		return e.recordDuplicate(ctx, tx, out, actor, "informational gateway notification", now)
	}

	// A transaction at rest in payment_completed means a previous escrow
	// write failed mid-pass. A redelivered capture retries that step
	// instead of being absorbed as a duplicate, so the holding state can
	// always be escaped by the next delivery.
	if tx.Status == transaction.StatusPaymentCompleted && out.Status == gateway.OutcomeCaptured {
		stampGateway(tx, out, now)
		if err := e.finalizeLocked(ctx, tx, now); err != nil {
			return nil, err
		}
		outcomesTotal.WithLabelValues(out.Provider, "applied").Inc()
		return &Result{Tx: tx, Applied: true}, nil
	}

	switch classify(tx.Status, target, out.Status) {
	case verdictApply:
		return e.advance(ctx, tx, out, target, actor, now)
	case verdictDuplicate:
		return e.recordDuplicate(ctx, tx, out, actor, "duplicate gateway notification", now)
	default:
		return e.flagContradiction(ctx, tx, out, target, actor, now)
	}
}

type verdict int

const (
	verdictApply verdict = iota
	verdictDuplicate
	verdictContradiction
)

// classify decides what an outcome means given the recorded position.
// A capture may arrive while the transaction is still pending because
// webhooks outrun the checkout acknowledgement regularly; advance walks the
// intermediate edge in that case so every recorded step stays legal.
func classify(current, target transaction.Status, outcome gateway.OutcomeStatus) verdict {
	if current == target {
		return verdictDuplicate
	}

	switch target {
	case transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted:
		if current.Rank() < target.Rank() && !current.IsTerminal() && current != transaction.StatusDisputed {
			return verdictApply
		}
	case transaction.StatusCancelled:
		if current == transaction.StatusPending || current == transaction.StatusPaymentInitiated {
			return verdictApply
		}
		// A failure signal after capture contradicts the money trail.
		return verdictContradiction
	}

	// Behind the recorded position: a late redelivery, unless it claims a
	// capture on a transaction we cancelled.
	if target.Rank() <= current.Rank() {
		if outcome == gateway.OutcomeCaptured && current == transaction.StatusCancelled {
			return verdictContradiction
		}
		return verdictDuplicate
	}
	return verdictContradiction
}

// outcomeTarget maps the outcome vocabulary to the status a signal argues for.
func outcomeTarget(s gateway.OutcomeStatus) (transaction.Status, bool) {
	switch s {
	case gateway.OutcomeCaptured:
		return transaction.StatusPaymentCompleted, true
	case gateway.OutcomeFailed:
		return transaction.StatusCancelled, true
	case gateway.OutcomePending:
		return transaction.StatusPaymentInitiated, true
	}
	return "", false
}

func (e *Engine) advance(ctx context.Context, tx *transaction.Transaction, out *gateway.Outcome, target transaction.Status, actor string, now time.Time) (*Result, error) {
	// A capture landing on a still-pending transaction walks through
	// payment_initiated first; the timeline never records an edge the
	// transition table does not have.
	if target == transaction.StatusPaymentCompleted && tx.Status == transaction.StatusPending {
		tx.Status = transaction.StatusPaymentInitiated
		tx.UpdatedAt = now
		hop := transaction.TimelineEntry{
			Status:    transaction.StatusPaymentInitiated,
			Actor:     actor,
			Notes:     "payment initiation implied by capture",
			CreatedAt: now,
		}
		if err := e.store.AppendTransition(ctx, tx, hop); err != nil {
			return nil, err
		}
		e.notify(tx, hop)
	}

	tx.Status = target
	tx.UpdatedAt = now
	stampGateway(tx, out, now)

	entry := transaction.TimelineEntry{
		Status:    target,
		Actor:     actor,
		Notes:     "gateway reported " + string(out.Status),
		Raw:       out.Raw,
		CreatedAt: now,
	}
	if err := e.store.AppendTransition(ctx, tx, entry); err != nil {
		return nil, err
	}
	e.notify(tx, entry)

	logging.L(ctx).Info("gateway outcome applied",
		"transaction_id", tx.ID, "order_id", out.OrderID,
		"provider", out.Provider, "status", tx.Status)

	// Captured funds are held immediately; the escrow transition rides the
	// same reconciliation pass.
	if target == transaction.StatusPaymentCompleted {
		if err := e.finalizeLocked(ctx, tx, now); err != nil {
			return nil, err
		}
	}

	outcomesTotal.WithLabelValues(out.Provider, "applied").Inc()
	return &Result{Tx: tx, Applied: true}, nil
}

func (e *Engine) recordDuplicate(ctx context.Context, tx *transaction.Transaction, out *gateway.Outcome, actor, notes string, now time.Time) (*Result, error) {
	stampGateway(tx, out, now)
	tx.UpdatedAt = now

	entry := transaction.TimelineEntry{
		Status:    tx.Status,
		Actor:     actor,
		Notes:     notes,
		Raw:       out.Raw,
		CreatedAt: now,
	}
	if err := e.store.AppendTransition(ctx, tx, entry); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("gateway outcome recorded as no-op",
		"transaction_id", tx.ID, "order_id", out.OrderID,
		"provider", out.Provider, "status", tx.Status, "outcome", out.Status)

	outcomesTotal.WithLabelValues(out.Provider, "duplicate").Inc()
	return &Result{Tx: tx, Duplicate: true}, nil
}

func (e *Engine) flagContradiction(ctx context.Context, tx *transaction.Transaction, out *gateway.Outcome, target transaction.Status, actor string, now time.Time) (*Result, error) {
	tx.NeedsReview = true
	tx.UpdatedAt = now
	stampGateway(tx, out, now)

	entry := transaction.TimelineEntry{
		Status:    tx.Status,
		Actor:     actor,
		Notes:     fmt.Sprintf("gateway reported %s while transaction is %s; flagged for review", out.Status, tx.Status),
		Raw:       out.Raw,
		CreatedAt: now,
	}
	if err := e.store.AppendTransition(ctx, tx, entry); err != nil {
		return nil, err
	}

	logging.L(ctx).Warn("gateway outcome contradicts recorded history",
		"transaction_id", tx.ID, "order_id", out.OrderID,
		"provider", out.Provider, "recorded", tx.Status, "claimed", target)

	outcomesTotal.WithLabelValues(out.Provider, "contradiction").Inc()
	return &Result{Tx: tx}, fmt.Errorf("transaction %s is %s, gateway claims %s: %w",
		tx.ID, tx.Status, target, ErrInconsistentGatewayState)
}

// Finalize moves a captured transaction into escrow. Idempotent: already
// escrowed (or beyond) is a no-op, anything before capture is rejected.
func (e *Engine) Finalize(ctx context.Context, txID string) (*transaction.Transaction, error) {
	unlock, err := e.locks.Lock(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := e.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	if tx.Status.Rank() > transaction.StatusPaymentCompleted.Rank() {
		return tx, nil
	}
	if tx.Status != transaction.StatusPaymentCompleted {
		return nil, fmt.Errorf("cannot escrow a %s transaction: %w", tx.Status, transaction.ErrInvalidTransition)
	}

	if err := e.finalizeLocked(ctx, tx, time.Now().UTC()); err != nil {
		return nil, err
	}
	return tx, nil
}

func (e *Engine) finalizeLocked(ctx context.Context, tx *transaction.Transaction, now time.Time) error {
	autoRelease := now.AddDate(0, 0, e.autoReleaseDays)

	tx.Status = transaction.StatusEscrowed
	tx.Escrow.IsEscrowed = true
	tx.Escrow.EscrowDate = &now
	tx.Escrow.AutoReleaseAt = &autoRelease
	tx.UpdatedAt = now

	entry := transaction.TimelineEntry{
		Status:    transaction.StatusEscrowed,
		Actor:     "system",
		Notes:     "funds held in escrow",
		CreatedAt: now,
	}
	if err := e.store.AppendTransition(ctx, tx, entry); err != nil {
		return err
	}
	e.notify(tx, entry)

	logging.L(ctx).Info("funds escrowed",
		"transaction_id", tx.ID, "auto_release_at", autoRelease)
	return nil
}

// Poll actively queries the gateway for the transaction's order and
// reconciles the answer. Transport failures are retried with backoff; if the
// gateway stays unreachable the transaction is left exactly as it was and
// the caller sees gateway.ErrUnavailable. An unreachable gateway never
// fails a payment.
func (e *Engine) Poll(ctx context.Context, txID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Poll", traces.TransactionID(txID))
	defer span.End()

	tx, err := e.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	adapter, err := e.adapters.ForMethod(tx.PaymentMethod)
	if err != nil {
		return nil, err
	}

	var out *gateway.Outcome
	err = retry.Do(ctx, e.pollAttempts, e.pollBackoff, func() error {
		var qErr error
		out, qErr = adapter.QueryStatus(ctx, tx.Payment.OrderID, tx.Payment.GatewayRef)
		if qErr != nil && !errors.Is(qErr, gateway.ErrUnavailable) {
			return retry.Permanent(qErr)
		}
		return qErr
	})
	if err != nil {
		pollsTotal.WithLabelValues(adapter.Name(), "unavailable").Inc()
		return nil, err
	}

	if out.Status == gateway.OutcomeUnknownReference {
		pollsTotal.WithLabelValues(adapter.Name(), "unknown_reference").Inc()
		return nil, fmt.Errorf("order %s: %w", tx.Payment.OrderID, ErrUnknownReference)
	}

	pollsTotal.WithLabelValues(adapter.Name(), "ok").Inc()
	return e.Apply(ctx, out)
}

// stampGateway records the latest raw payload and correlation ref on the
// payment details, whatever the verdict was.
func stampGateway(tx *transaction.Transaction, out *gateway.Outcome, now time.Time) {
	if out.GatewayRef != "" && tx.Payment.GatewayRef == "" {
		tx.Payment.GatewayRef = out.GatewayRef
	}
	if len(out.Raw) > 0 {
		tx.Payment.LastRawResponse = out.Raw
	}
	tx.Payment.LastProcessedAt = &now
}

func (e *Engine) notify(tx *transaction.Transaction, entry transaction.TimelineEntry) {
	for _, l := range e.listeners {
		snapshot := *tx
		go l.TransitionApplied(&snapshot, entry)
	}
}
