package escrow

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesobpay/escrowd/internal/auth"
	"github.com/mesobpay/escrowd/internal/gateway"
	"github.com/mesobpay/escrowd/internal/notify"
	"github.com/mesobpay/escrowd/internal/syncutil"
	"github.com/mesobpay/escrowd/internal/transaction"
	"github.com/mesobpay/escrowd/internal/validation"
)

type stubAdapter struct {
	name        string
	checkout    *gateway.Checkout
	checkoutErr error
	calls       int
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) CreateCheckout(context.Context, *transaction.Transaction) (*gateway.Checkout, error) {
	s.calls++
	if s.checkoutErr != nil {
		return nil, s.checkoutErr
	}
	return s.checkout, nil
}

func (s *stubAdapter) Normalize([]byte, http.Header) (*gateway.Outcome, error) {
	return nil, gateway.ErrMalformedPayload
}

func (s *stubAdapter) QueryStatus(context.Context, string, string) (*gateway.Outcome, error) {
	return nil, gateway.ErrUnavailable
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

type notification struct {
	userID string
	kind   string
}

func (r *recordingNotifier) Notify(_ context.Context, userID, kind string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, notification{userID: userID, kind: kind})
}

func (r *recordingNotifier) sent() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.calls...)
}

type rig struct {
	svc      *Service
	store    *transaction.MemoryStore
	adapter  *stubAdapter
	notifier *recordingNotifier
	manager  *auth.Manager
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := transaction.NewMemoryStore()
	adapter := &stubAdapter{
		name:     "telebirr",
		checkout: &gateway.Checkout{URL: "https://pay.example/1", GatewayRef: "TB-1"},
	}
	adapters := gateway.NewSet()
	adapters.Register(transaction.MethodTelebirr, adapter)

	manager := auth.NewManager(auth.NewMemoryKeyStore())
	require.NoError(t, manager.Register(context.Background(), "admin-key", "admin-alpha"))

	notifier := &recordingNotifier{}
	svc := NewService(store, adapters, manager, notifier, syncutil.NewKeyedMutex(), Config{
		CommissionRateBps: 200,
		RetryAttempts:     2,
		RetryBackoff:      time.Millisecond,
	})
	return &rig{svc: svc, store: store, adapter: adapter, notifier: notifier, manager: manager}
}

func validParams() CreateParams {
	return CreateParams{
		BuyerID:       "buyer-1",
		SellerID:      "seller-1",
		ListingID:     "listing-1",
		Amount:        "1000.00",
		Currency:      "ETB",
		PaymentMethod: "telebirr",
	}
}

// force moves a transaction to a status directly, bypassing the service, to
// set up mid-lifecycle fixtures.
func (r *rig) force(t *testing.T, tx *transaction.Transaction, statuses ...transaction.Status) {
	t.Helper()
	for _, st := range statuses {
		tx.Status = st
		if st == transaction.StatusEscrowed {
			now := time.Now().UTC()
			auto := now.AddDate(0, 0, 7)
			tx.Escrow.IsEscrowed = true
			tx.Escrow.EscrowDate = &now
			tx.Escrow.AutoReleaseAt = &auto
		}
		require.NoError(t, r.store.AppendTransition(context.Background(), tx,
			transaction.TimelineEntry{Status: st, Actor: "test", CreatedAt: time.Now().UTC()}))
	}
}

func TestCreateFixesCommission(t *testing.T) {
	r := newRig(t)

	tx, err := r.svc.Create(context.Background(), validParams())
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPending, tx.Status)
	assert.Equal(t, "20.00", tx.Commission.Amount)
	assert.Equal(t, 200, tx.Commission.RateBps)
	assert.Equal(t, "980.00", tx.NetAmount())
	assert.NotEmpty(t, tx.ID)
	assert.NotEmpty(t, tx.Payment.OrderID)

	entries, err := r.store.Timeline(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "buyer-1", entries[0].Actor)
}

func TestCreateValidation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"missing buyer", func(p *CreateParams) { p.BuyerID = "" }},
		{"missing amount", func(p *CreateParams) { p.Amount = "" }},
		{"zero amount", func(p *CreateParams) { p.Amount = "0" }},
		{"negative amount", func(p *CreateParams) { p.Amount = "-5.00" }},
		{"garbage amount", func(p *CreateParams) { p.Amount = "ten birr" }},
		{"unknown currency", func(p *CreateParams) { p.Currency = "XYZ" }},
		{"unknown method", func(p *CreateParams) { p.PaymentMethod = "paypal" }},
		{"malformed id", func(p *CreateParams) { p.ListingID = "has spaces!" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			_, err := r.svc.Create(ctx, p)
			var verrs validation.ValidationErrors
			assert.ErrorAs(t, err, &verrs)
		})
	}

	p := validParams()
	p.SellerID = p.BuyerID
	_, err := r.svc.Create(ctx, p)
	assert.ErrorIs(t, err, ErrSelfDealing)
}

func TestInitiatePayment(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, err := r.svc.Create(ctx, validParams())
	require.NoError(t, err)

	got, err := r.svc.InitiatePayment(ctx, tx.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPaymentInitiated, got.Status)
	assert.Equal(t, "https://pay.example/1", got.Payment.CheckoutURL)
	assert.Equal(t, "TB-1", got.Payment.GatewayRef)

	// A second call returns the open checkout instead of creating another.
	again, err := r.svc.InitiatePayment(ctx, tx.ID, "buyer-1")
	require.NoError(t, err)
	assert.Equal(t, got.Payment.CheckoutURL, again.Payment.CheckoutURL)
	assert.Equal(t, 1, r.adapter.calls)
}

func TestInitiatePaymentOnlyBuyer(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())

	_, err := r.svc.InitiatePayment(ctx, tx.ID, "seller-1")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestInitiatePaymentGatewayDown(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.adapter.checkoutErr = gateway.ErrUnavailable

	_, err := r.svc.InitiatePayment(ctx, tx.ID, "buyer-1")
	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.Equal(t, 2, r.adapter.calls, "transport failures are retried")

	// A down gateway leaves the transaction exactly where it was.
	got, _ := r.store.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusPending, got.Status)
}

func TestReleaseFromEscrow(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)

	got, err := r.svc.Release(ctx, tx.ID, "admin-key", "buyer confirmed delivery")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusReleased, got.Status)
	require.NotNil(t, got.Escrow.ReleaseDate)
	assert.Equal(t, "admin-alpha", got.Escrow.ReleasedBy)
	assert.Equal(t, "buyer confirmed delivery", got.Escrow.ReleaseReason)

	// The seller is told exactly once.
	sent := r.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "seller-1", sent[0].userID)

	// The release is on the audit trail.
	entries, _ := r.store.Timeline(ctx, tx.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, transaction.StatusReleased, last.Status)
	assert.Equal(t, "admin:admin-alpha", last.Actor)
}

func TestReleaseUnauthorizedLeavesStateUnchanged(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)
	before, _ := r.store.Timeline(ctx, tx.ID)

	_, err := r.svc.Release(ctx, tx.ID, "wrong-key", "nope")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	got, _ := r.store.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusEscrowed, got.Status)
	assert.Nil(t, got.Escrow.ReleaseDate)
	after, _ := r.store.Timeline(ctx, tx.ID)
	assert.Len(t, after, len(before), "a rejected call leaves no transition")
	assert.Empty(t, r.notifier.sent())
}

func TestReleaseBeforeEscrowRejected(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	for _, st := range []transaction.Status{transaction.StatusPending, transaction.StatusPaymentInitiated} {
		tx, _ := r.svc.Create(ctx, validParams())
		if st != transaction.StatusPending {
			r.force(t, tx, st)
		}
		_, err := r.svc.Release(ctx, tx.ID, "admin-key", "too early")
		assert.ErrorIs(t, err, transaction.ErrInvalidTransition, "from %s", st)
	}
}

func TestReleaseRevokedKeyMidSession(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	first, _ := r.svc.Create(ctx, validParams())
	r.force(t, first, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)
	_, err := r.svc.Release(ctx, first.ID, "admin-key", "ok")
	require.NoError(t, err)

	require.NoError(t, r.manager.Revoke(ctx, "admin-key"))

	// Same key, same session: the next call re-verifies and fails.
	second, _ := r.svc.Create(ctx, validParams())
	r.force(t, second, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)
	_, err = r.svc.Release(ctx, second.ID, "admin-key", "ok")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRefundFromEscrow(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)

	got, err := r.svc.Refund(ctx, tx.ID, "admin-key", "item never shipped")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRefunded, got.Status)
	assert.Equal(t, "1000.00", got.Refund.Amount, "buyer gets the full amount back")
	assert.Equal(t, "admin-alpha", got.Refund.ProcessedBy)

	sent := r.notifier.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "buyer-1", sent[0].userID)
}

func TestDisputeAndResolve(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)

	got, err := r.svc.Dispute(ctx, tx.ID, "buyer-1", "wrong item delivered")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusDisputed, got.Status)
	assert.True(t, got.Dispute.IsDisputed)
	assert.Equal(t, "buyer-1", got.Dispute.RaisedBy)

	// Resolution by refund records the outcome on the dispute itself.
	got, err = r.svc.Refund(ctx, tx.ID, "admin-key", "dispute upheld")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRefunded, got.Status)
	assert.Equal(t, "refunded", got.Dispute.Resolution)
	assert.Equal(t, "admin-alpha", got.Dispute.ResolvedBy)
	require.NotNil(t, got.Dispute.ResolvedAt)
}

func TestDisputeResolvedByRelease(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)

	_, err := r.svc.Dispute(ctx, tx.ID, "seller-1", "buyer refuses handover")
	require.NoError(t, err)

	got, err := r.svc.Release(ctx, tx.ID, "admin-key", "dispute rejected")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusReleased, got.Status)
	assert.Equal(t, "released", got.Dispute.Resolution)
}

func TestDisputeRules(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())

	// Only escrowed transactions can be disputed.
	_, err := r.svc.Dispute(ctx, tx.ID, "buyer-1", "too soon")
	assert.ErrorIs(t, err, transaction.ErrInvalidTransition)

	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)

	// Only the parties can dispute.
	_, err = r.svc.Dispute(ctx, tx.ID, "stranger-9", "not mine")
	assert.ErrorIs(t, err, ErrNotParticipant)

	// A reason is mandatory.
	_, err = r.svc.Dispute(ctx, tx.ID, "buyer-1", "")
	var verrs validation.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}

func TestDisputeByAdmin(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)

	got, err := r.svc.DisputeByAdmin(ctx, tx.ID, "admin-key", "chargeback received")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusDisputed, got.Status)
	assert.True(t, got.Dispute.IsDisputed)
	assert.Equal(t, "admin:admin-alpha", got.Dispute.RaisedBy)

	// Both parties hear about an operator-raised dispute.
	sent := r.notifier.sent()
	users := map[string]bool{}
	for _, n := range sent {
		if n.kind == notify.KindDisputeOpened {
			users[n.userID] = true
		}
	}
	assert.True(t, users["buyer-1"])
	assert.True(t, users["seller-1"])
}

func TestDisputeByAdminRequiresValidKey(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	r.force(t, tx, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)

	_, err := r.svc.DisputeByAdmin(ctx, tx.ID, "wrong-key", "chargeback received")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	got, _ := r.store.Get(ctx, tx.ID)
	assert.Equal(t, transaction.StatusEscrowed, got.Status, "state unchanged")
}

func TestCancelOnlyBeforeCapture(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	tx, _ := r.svc.Create(ctx, validParams())
	got, err := r.svc.Cancel(ctx, tx.ID, "buyer-1", "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCancelled, got.Status)

	// After capture the cancel door is closed for good.
	captured, _ := r.svc.Create(ctx, validParams())
	r.force(t, captured, transaction.StatusPaymentInitiated, transaction.StatusPaymentCompleted, transaction.StatusEscrowed)
	_, err = r.svc.Cancel(ctx, captured.ID, "buyer-1", "too late")
	assert.ErrorIs(t, err, transaction.ErrInvalidTransition)
}

func TestTimelineIsOrdered(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	tx, _ := r.svc.Create(ctx, validParams())
	_, err := r.svc.InitiatePayment(ctx, tx.ID, "buyer-1")
	require.NoError(t, err)

	entries, err := r.svc.Timeline(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, transaction.StatusPending, entries[0].Status)
	assert.Equal(t, transaction.StatusPaymentInitiated, entries[1].Status)

	_, err = r.svc.Timeline(ctx, "txn_ghost")
	assert.ErrorIs(t, err, transaction.ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	_, err := r.svc.Create(ctx, validParams())
	require.NoError(t, err)

	txs, err := r.svc.ListByStatus(ctx, transaction.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	_, err = r.svc.ListByStatus(ctx, transaction.Status("bogus"), 10)
	var verrs validation.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}
