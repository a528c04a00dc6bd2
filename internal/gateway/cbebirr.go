package gateway

import (
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

// CBEBirrConfig configures the CBE Birr bank adapter.
type CBEBirrConfig struct {
	BaseURL    string
	MerchantID string
	Secret     string // HMAC key; callback signatures are skipped when empty
	Timeout    time.Duration
}

// CBEBirr is the bank adapter. CBE Birr posts form-encoded callbacks with
// numeric result codes and redelivers until it sees a 2xx, so callbacks for
// the same order arrive more than once and sometimes out of order.
type CBEBirr struct {
	cfg    CBEBirrConfig
	client *http.Client
}

var _ Adapter = (*CBEBirr)(nil)

// NewCBEBirr creates a CBE Birr adapter.
func NewCBEBirr(cfg CBEBirrConfig) *CBEBirr {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &CBEBirr{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier used in webhook routes.
func (c *CBEBirr) Name() string { return "cbebirr" }

// CreateCheckout registers a payment order with CBE Birr and returns the
// redirect URL the buyer completes the transfer on.
func (c *CBEBirr) CreateCheckout(ctx context.Context, tx *transaction.Transaction) (*Checkout, error) {
	form := url.Values{}
	form.Set("MERCHANTID", c.cfg.MerchantID)
	form.Set("TXNREF", tx.Payment.OrderID)
	form.Set("AMOUNT", tx.Amount)
	form.Set("CURRENCY", tx.Currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/merchant/order", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("cbebirr: build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cbebirr: order call: %w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("cbebirr: order returned %d: %w", resp.StatusCode, ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cbebirr: order rejected with status %d", resp.StatusCode)
	}

	var out struct {
		ResultCode string `json:"resultCode"`
		PayURL     string `json:"payUrl"`
		RefNo      string `json:"refNo"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("cbebirr: decode order response: %w", err)
	}
	if out.ResultCode != "" && out.ResultCode != "000" {
		return nil, fmt.Errorf("cbebirr: order error code %s", out.ResultCode)
	}

	return &Checkout{URL: out.PayURL, GatewayRef: out.RefNo}, nil
}

// Normalize validates and translates a CBE Birr form-encoded callback.
func (c *CBEBirr) Normalize(body []byte, _ http.Header) (*Outcome, error) {
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("cbebirr: %w: %v", ErrMalformedPayload, err)
	}
	orderID := vals.Get("TXNREF")
	if orderID == "" {
		return nil, fmt.Errorf("cbebirr: %w: missing TXNREF", ErrMalformedPayload)
	}
	if vals.Get("RESULTCODE") == "" {
		return nil, fmt.Errorf("cbebirr: %w: missing RESULTCODE", ErrMalformedPayload)
	}
	if c.cfg.Secret != "" {
		want := c.sign(orderID, vals.Get("REFNO"), vals.Get("RESULTCODE"), vals.Get("AMOUNT"))
		if !hmac.Equal([]byte(vals.Get("SIGNATURE")), []byte(want)) {
			return nil, fmt.Errorf("cbebirr: %w: signature mismatch", ErrMalformedPayload)
		}
	}

	raw, _ := json.Marshal(flatten(vals))
	return &Outcome{
		OrderID:    orderID,
		Provider:   c.Name(),
		Status:     cbeResultStatus(vals.Get("RESULTCODE")),
		GatewayRef: vals.Get("REFNO"),
		Amount:     vals.Get("AMOUNT"),
		Currency:   vals.Get("CURRENCY"),
		Raw:        raw,
	}, nil
}

// QueryStatus polls CBE Birr for the current state of an order.
func (c *CBEBirr) QueryStatus(ctx context.Context, orderID, _ string) (*Outcome, error) {
	u := c.cfg.BaseURL + "/merchant/order/status?MERCHANTID=" + url.QueryEscape(c.cfg.MerchantID) +
		"&TXNREF=" + url.QueryEscape(orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("cbebirr: build status request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cbebirr: status call: %w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return &Outcome{OrderID: orderID, Provider: c.Name(), Status: OutcomeUnknownReference}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cbebirr: status returned %d: %w", resp.StatusCode, ErrUnavailable)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cbebirr: read status response: %w: %v", ErrUnavailable, err)
	}
	var out struct {
		ResultCode string `json:"resultCode"`
		RefNo      string `json:"refNo"`
		Amount     string `json:"amount"`
		Currency   string `json:"currency"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cbebirr: decode status response: %w", err)
	}
	if out.ResultCode == "404" {
		return &Outcome{OrderID: orderID, Provider: c.Name(), Status: OutcomeUnknownReference, Raw: raw}, nil
	}

	return &Outcome{
		OrderID:    orderID,
		Provider:   c.Name(),
		Status:     cbeResultStatus(out.ResultCode),
		GatewayRef: out.RefNo,
		Amount:     out.Amount,
		Currency:   out.Currency,
		Raw:        raw,
	}, nil
}

// sign computes the callback signature over the pipe-joined fields.
func (c *CBEBirr) sign(txnRef, refNo, resultCode, amount string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.Secret))
	mac.Write([]byte(txnRef + "|" + refNo + "|" + resultCode + "|" + amount))
	return hex.EncodeToString(mac.Sum(nil))
}

// cbeResultStatus maps the bank's numeric result codes onto the closed
// outcome set. 000 is captured, 1xx codes are in flight, everything else is
// a hard failure. An absent code says nothing about the payment, so it stays
// pending rather than failing the transaction.
func cbeResultStatus(code string) OutcomeStatus {
	switch {
	case code == "":
		return OutcomePending
	case code == "000":
		return OutcomeCaptured
	case strings.HasPrefix(code, "1"):
		return OutcomePending
	default:
		return OutcomeFailed
	}
}

// flatten keeps the first value per form key for raw payload capture.
func flatten(vals url.Values) map[string]string {
	m := make(map[string]string, len(vals))
	for k := range vals {
		m[k] = vals.Get(k)
	}
	return m
}
