package transaction

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions and their timelines in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, buyer_id, seller_id, listing_id, amount, currency,
	       commission_amount, commission_rate_bps, payment_method,
	       order_id, gateway_ref, checkout_url, last_raw_response, last_processed_at,
	       status, is_escrowed, escrow_date, auto_release_at, release_date, release_reason, released_by,
	       is_disputed, dispute_raised_by, dispute_reason, dispute_resolution, dispute_resolved_by, dispute_resolved_at,
	       refund_amount, refund_reason, refund_processed_by, refund_processed_at,
	       needs_review, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction, entry TimelineEntry) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback() }()

	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_id, seller_id, listing_id, amount, currency,
			commission_amount, commission_rate_bps, payment_method,
			order_id, gateway_ref, checkout_url, last_raw_response, last_processed_at,
			status, is_escrowed, escrow_date, auto_release_at, release_date, release_reason, released_by,
			is_disputed, dispute_raised_by, dispute_reason, dispute_resolution, dispute_resolved_by, dispute_resolved_at,
			refund_amount, refund_reason, refund_processed_by, refund_processed_at,
			needs_review, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,2), $6,
			$7::NUMERIC(20,2), $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21,
			$22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31,
			$32, $33, $34
		)`,
		tx.ID, tx.BuyerID, tx.SellerID, tx.ListingID, tx.Amount, tx.Currency,
		tx.Commission.Amount, tx.Commission.RateBps, string(tx.PaymentMethod),
		tx.Payment.OrderID, nullString(tx.Payment.GatewayRef), nullString(tx.Payment.CheckoutURL),
		nullBytes(tx.Payment.LastRawResponse), nullTime(tx.Payment.LastProcessedAt),
		string(tx.Status), tx.Escrow.IsEscrowed, nullTime(tx.Escrow.EscrowDate), nullTime(tx.Escrow.AutoReleaseAt),
		nullTime(tx.Escrow.ReleaseDate), nullString(tx.Escrow.ReleaseReason), nullString(tx.Escrow.ReleasedBy),
		tx.Dispute.IsDisputed, nullString(tx.Dispute.RaisedBy), nullString(tx.Dispute.Reason),
		nullString(tx.Dispute.Resolution), nullString(tx.Dispute.ResolvedBy), nullTime(tx.Dispute.ResolvedAt),
		nullString(tx.Refund.Amount), nullString(tx.Refund.Reason),
		nullString(tx.Refund.ProcessedBy), nullTime(tx.Refund.ProcessedAt),
		tx.NeedsReview, tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateOrderID
		}
		return err
	}

	if err := insertTimeline(ctx, dbtx, tx.ID, entry); err != nil {
		return err
	}

	return dbtx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = $1`, orderID)
	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

// AppendTransition runs the status write and the timeline append in one
// database transaction so a failure can never leave a timeline row without
// its status update, or vice versa.
func (p *PostgresStore) AppendTransition(ctx context.Context, tx *Transaction, entry TimelineEntry) error {
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback() }()

	result, err := dbtx.ExecContext(ctx, `
		UPDATE transactions SET
			gateway_ref = $1, checkout_url = $2, last_raw_response = $3, last_processed_at = $4,
			status = $5, is_escrowed = $6, escrow_date = $7, auto_release_at = $8,
			release_date = $9, release_reason = $10, released_by = $11,
			is_disputed = $12, dispute_raised_by = $13, dispute_reason = $14,
			dispute_resolution = $15, dispute_resolved_by = $16, dispute_resolved_at = $17,
			refund_amount = $18, refund_reason = $19, refund_processed_by = $20, refund_processed_at = $21,
			needs_review = $22, updated_at = $23
		WHERE id = $24`,
		nullString(tx.Payment.GatewayRef), nullString(tx.Payment.CheckoutURL),
		nullBytes(tx.Payment.LastRawResponse), nullTime(tx.Payment.LastProcessedAt),
		string(tx.Status), tx.Escrow.IsEscrowed, nullTime(tx.Escrow.EscrowDate), nullTime(tx.Escrow.AutoReleaseAt),
		nullTime(tx.Escrow.ReleaseDate), nullString(tx.Escrow.ReleaseReason), nullString(tx.Escrow.ReleasedBy),
		tx.Dispute.IsDisputed, nullString(tx.Dispute.RaisedBy), nullString(tx.Dispute.Reason),
		nullString(tx.Dispute.Resolution), nullString(tx.Dispute.ResolvedBy), nullTime(tx.Dispute.ResolvedAt),
		nullString(tx.Refund.Amount), nullString(tx.Refund.Reason),
		nullString(tx.Refund.ProcessedBy), nullTime(tx.Refund.ProcessedAt),
		tx.NeedsReview, tx.UpdatedAt,
		tx.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	if err := insertTimeline(ctx, dbtx, tx.ID, entry); err != nil {
		return err
	}

	return dbtx.Commit()
}

func (p *PostgresStore) Timeline(ctx context.Context, id string) ([]TimelineEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, status, actor, notes, raw, created_at
		FROM transaction_timeline
		WHERE transaction_id = $1
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var status string
		var notes sql.NullString
		var raw []byte
		if err := rows.Scan(&e.ID, &e.TransactionID, &status, &e.Actor, &notes, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.Notes = notes.String
		e.Raw = raw
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxs(rows)
}

func (p *PostgresStore) ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE needs_review
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTxs(rows)
}

func insertTimeline(ctx context.Context, dbtx *sql.Tx, txID string, entry TimelineEntry) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO transaction_timeline (transaction_id, status, actor, notes, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		txID, string(entry.Status), entry.Actor, nullString(entry.Notes),
		nullBytes(entry.Raw), entry.CreatedAt,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTx(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		status, method    string
		gatewayRef        sql.NullString
		checkoutURL       sql.NullString
		lastRaw           []byte
		lastProcessedAt   sql.NullTime
		escrowDate        sql.NullTime
		autoReleaseAt     sql.NullTime
		releaseDate       sql.NullTime
		releaseReason     sql.NullString
		releasedBy        sql.NullString
		disputeRaisedBy   sql.NullString
		disputeReason     sql.NullString
		disputeResolution sql.NullString
		disputeResolvedBy sql.NullString
		disputeResolvedAt sql.NullTime
		refundAmount      sql.NullString
		refundReason      sql.NullString
		refundProcessedBy sql.NullString
		refundProcessedAt sql.NullTime
	)

	err := s.Scan(
		&tx.ID, &tx.BuyerID, &tx.SellerID, &tx.ListingID, &tx.Amount, &tx.Currency,
		&tx.Commission.Amount, &tx.Commission.RateBps, &method,
		&tx.Payment.OrderID, &gatewayRef, &checkoutURL, &lastRaw, &lastProcessedAt,
		&status, &tx.Escrow.IsEscrowed, &escrowDate, &autoReleaseAt,
		&releaseDate, &releaseReason, &releasedBy,
		&tx.Dispute.IsDisputed, &disputeRaisedBy, &disputeReason,
		&disputeResolution, &disputeResolvedBy, &disputeResolvedAt,
		&refundAmount, &refundReason, &refundProcessedBy, &refundProcessedAt,
		&tx.NeedsReview, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	tx.PaymentMethod = Method(method)
	tx.Payment.GatewayRef = gatewayRef.String
	tx.Payment.CheckoutURL = checkoutURL.String
	tx.Payment.LastRawResponse = lastRaw
	tx.Payment.LastProcessedAt = nullTimePtr(lastProcessedAt)
	tx.Escrow.EscrowDate = nullTimePtr(escrowDate)
	tx.Escrow.AutoReleaseAt = nullTimePtr(autoReleaseAt)
	tx.Escrow.ReleaseDate = nullTimePtr(releaseDate)
	tx.Escrow.ReleaseReason = releaseReason.String
	tx.Escrow.ReleasedBy = releasedBy.String
	tx.Dispute.RaisedBy = disputeRaisedBy.String
	tx.Dispute.Reason = disputeReason.String
	tx.Dispute.Resolution = disputeResolution.String
	tx.Dispute.ResolvedBy = disputeResolvedBy.String
	tx.Dispute.ResolvedAt = nullTimePtr(disputeResolvedAt)
	tx.Refund.Amount = refundAmount.String
	tx.Refund.Reason = refundReason.String
	tx.Refund.ProcessedBy = refundProcessedBy.String
	tx.Refund.ProcessedAt = nullTimePtr(refundProcessedAt)

	return tx, nil
}

func scanTxs(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	tt := t.Time
	return &tt
}

// nullBytes keeps empty blobs as SQL NULL.
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
