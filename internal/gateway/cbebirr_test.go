package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBEBirrNormalize(t *testing.T) {
	adapter := NewCBEBirr(CBEBirrConfig{Secret: "bank-secret"})

	form := url.Values{}
	form.Set("TXNREF", "ord_abc123")
	form.Set("REFNO", "CBE-5501")
	form.Set("RESULTCODE", "000")
	form.Set("AMOUNT", "250.00")
	form.Set("CURRENCY", "ETB")
	form.Set("SIGNATURE", adapter.sign("ord_abc123", "CBE-5501", "000", "250.00"))

	out, err := adapter.Normalize([]byte(form.Encode()), nil)
	require.NoError(t, err)
	assert.Equal(t, "ord_abc123", out.OrderID)
	assert.Equal(t, OutcomeCaptured, out.Status)
	assert.Equal(t, "CBE-5501", out.GatewayRef)

	var raw map[string]string
	require.NoError(t, json.Unmarshal(out.Raw, &raw))
	assert.Equal(t, "000", raw["RESULTCODE"])
}

func TestCBEBirrNormalizeRejects(t *testing.T) {
	adapter := NewCBEBirr(CBEBirrConfig{Secret: "bank-secret"})

	_, err := adapter.Normalize([]byte("%zz"), nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = adapter.Normalize([]byte("RESULTCODE=000"), nil)
	assert.ErrorIs(t, err, ErrMalformedPayload, "missing TXNREF must be rejected")

	_, err = adapter.Normalize([]byte("TXNREF=ord_abc123"), nil)
	assert.ErrorIs(t, err, ErrMalformedPayload, "missing RESULTCODE must be rejected")

	form := url.Values{}
	form.Set("TXNREF", "ord_abc123")
	form.Set("RESULTCODE", "000")
	form.Set("SIGNATURE", "forged")
	_, err = adapter.Normalize([]byte(form.Encode()), nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCBEResultCodes(t *testing.T) {
	tests := []struct {
		code string
		want OutcomeStatus
	}{
		{"000", OutcomeCaptured},
		{"100", OutcomePending},
		{"102", OutcomePending},
		{"200", OutcomeFailed},
		{"999", OutcomeFailed},
		// A status response without a code never fails the payment outright.
		{"", OutcomePending},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cbeResultStatus(tt.code), "code %q", tt.code)
	}
}

func TestCBEBirrQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("TXNREF") {
		case "ord_pending":
			_, _ = w.Write([]byte(`{"resultCode":"100","refNo":"CBE-1","amount":"75.50","currency":"ETB"}`))
		case "ord_missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	adapter := NewCBEBirr(CBEBirrConfig{BaseURL: srv.URL, MerchantID: "m-1"})
	ctx := context.Background()

	out, err := adapter.QueryStatus(ctx, "ord_pending", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, out.Status)
	assert.Equal(t, "75.50", out.Amount)

	out, err = adapter.QueryStatus(ctx, "ord_missing", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownReference, out.Status)

	_, err = adapter.QueryStatus(ctx, "ord_boom", "")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestCBEBirrCreateCheckout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "m-1", r.PostForm.Get("MERCHANTID"))
		_, _ = w.Write([]byte(`{"resultCode":"000","payUrl":"https://cbe.example/pay/1","refNo":"CBE-9"}`))
	}))
	defer srv.Close()

	adapter := NewCBEBirr(CBEBirrConfig{BaseURL: srv.URL, MerchantID: "m-1"})

	co, err := adapter.CreateCheckout(context.Background(), checkoutTx())
	require.NoError(t, err)
	assert.Equal(t, "CBE-9", co.GatewayRef)
	assert.Equal(t, "https://cbe.example/pay/1", co.URL)
}
