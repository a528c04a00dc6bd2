package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mesobpay/escrowd/internal/transaction"
)

// TelebirrConfig configures the Telebirr mobile-money adapter.
type TelebirrConfig struct {
	BaseURL string
	AppKey  string
	Secret  string // HMAC key; webhook signatures are skipped when empty
	Timeout time.Duration
}

// Telebirr is the mobile-money adapter. Telebirr delivers JSON webhooks with
// at-least-once semantics and signs them with HMAC-SHA256 over the sorted
// field set.
type Telebirr struct {
	cfg    TelebirrConfig
	client *http.Client
}

var _ Adapter = (*Telebirr)(nil)

// NewTelebirr creates a Telebirr adapter.
func NewTelebirr(cfg TelebirrConfig) *Telebirr {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Telebirr{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier used in webhook routes.
func (t *Telebirr) Name() string { return "telebirr" }

type telebirrCheckoutRequest struct {
	AppKey     string `json:"appKey"`
	OutTradeNo string `json:"outTradeNo"`
	Amount     string `json:"totalAmount"`
	Currency   string `json:"currency"`
	Subject    string `json:"subject"`
}

type telebirrCheckoutResponse struct {
	Code        string `json:"code"`
	Message     string `json:"msg"`
	CheckoutURL string `json:"toPayUrl"`
	TradeNo     string `json:"tradeNo"`
}

// CreateCheckout opens a Telebirr checkout session for the transaction.
func (t *Telebirr) CreateCheckout(ctx context.Context, tx *transaction.Transaction) (*Checkout, error) {
	reqBody := telebirrCheckoutRequest{
		AppKey:     t.cfg.AppKey,
		OutTradeNo: tx.Payment.OrderID,
		Amount:     tx.Amount,
		Currency:   tx.Currency,
		Subject:    "escrow " + tx.ListingID,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("telebirr: marshal checkout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+"/api/checkout", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telebirr: build checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telebirr: checkout call: %w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("telebirr: checkout returned %d: %w", resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telebirr: checkout rejected with status %d", resp.StatusCode)
	}

	var out telebirrCheckoutResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("telebirr: decode checkout response: %w", err)
	}
	if out.Code != "" && out.Code != "0" {
		return nil, fmt.Errorf("telebirr: checkout error %s: %s", out.Code, out.Message)
	}

	return &Checkout{URL: out.CheckoutURL, GatewayRef: out.TradeNo}, nil
}

// telebirrNotification is the webhook body Telebirr posts on every state
// change. outTradeNo echoes back the order id we supplied at checkout.
type telebirrNotification struct {
	OutTradeNo  string `json:"outTradeNo"`
	TradeNo     string `json:"tradeNo"`
	TradeStatus string `json:"tradeStatus"`
	TotalAmount string `json:"totalAmount"`
	Currency    string `json:"currency"`
	MSISDN      string `json:"msisdn"`
	Sign        string `json:"sign"`
}

// Normalize validates and translates a Telebirr webhook delivery.
func (t *Telebirr) Normalize(body []byte, _ http.Header) (*Outcome, error) {
	var n telebirrNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("telebirr: %w: %v", ErrMalformedPayload, err)
	}
	if n.OutTradeNo == "" {
		return nil, fmt.Errorf("telebirr: %w: missing outTradeNo", ErrMalformedPayload)
	}
	if t.cfg.Secret != "" {
		if !hmac.Equal([]byte(n.Sign), []byte(t.sign(n))) {
			return nil, fmt.Errorf("telebirr: %w: signature mismatch", ErrMalformedPayload)
		}
	}

	return &Outcome{
		OrderID:    n.OutTradeNo,
		Provider:   t.Name(),
		Status:     telebirrStatus(n.TradeStatus),
		GatewayRef: n.TradeNo,
		Amount:     n.TotalAmount,
		Currency:   n.Currency,
		Raw:        json.RawMessage(body),
	}, nil
}

type telebirrStatusResponse struct {
	Code        string `json:"code"`
	OutTradeNo  string `json:"outTradeNo"`
	TradeNo     string `json:"tradeNo"`
	TradeStatus string `json:"tradeStatus"`
	TotalAmount string `json:"totalAmount"`
	Currency    string `json:"currency"`
}

// QueryStatus polls Telebirr for the current state of an order.
func (t *Telebirr) QueryStatus(ctx context.Context, orderID, _ string) (*Outcome, error) {
	u := t.cfg.BaseURL + "/api/checkout/status?outTradeNo=" + url.QueryEscape(orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("telebirr: build status request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telebirr: status call: %w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return &Outcome{OrderID: orderID, Provider: t.Name(), Status: OutcomeUnknownReference}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telebirr: status returned %d: %w", resp.StatusCode, ErrUnavailable)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telebirr: read status response: %w: %v", ErrUnavailable, err)
	}
	var out telebirrStatusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("telebirr: decode status response: %w", err)
	}
	if out.Code == "404" || strings.EqualFold(out.TradeStatus, "NOTFOUND") {
		return &Outcome{OrderID: orderID, Provider: t.Name(), Status: OutcomeUnknownReference, Raw: raw}, nil
	}

	return &Outcome{
		OrderID:    orderID,
		Provider:   t.Name(),
		Status:     telebirrStatus(out.TradeStatus),
		GatewayRef: out.TradeNo,
		Amount:     out.TotalAmount,
		Currency:   out.Currency,
		Raw:        raw,
	}, nil
}

// sign computes the webhook signature over the pipe-joined notification
// fields, per the Telebirr merchant integration contract.
func (t *Telebirr) sign(n telebirrNotification) string {
	msg := strings.Join([]string{n.OutTradeNo, n.TradeNo, n.TradeStatus, n.TotalAmount, n.Currency}, "|")
	mac := hmac.New(sha256.New, []byte(t.cfg.Secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// telebirrStatus maps Telebirr's trade status vocabulary onto the closed
// outcome set. Anything unrecognized is treated as still in flight rather
// than failed.
func telebirrStatus(s string) OutcomeStatus {
	switch strings.ToUpper(s) {
	case "SUCCESS", "COMPLETED":
		return OutcomeCaptured
	case "FAILED", "CANCELLED", "EXPIRED":
		return OutcomeFailed
	default:
		return OutcomePending
	}
}
