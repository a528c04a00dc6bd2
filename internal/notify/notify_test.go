package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherSignsAndDelivers(t *testing.T) {
	type delivery struct {
		body []byte
		sig  string
	}
	got := make(chan delivery, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{body: body, sig: r.Header.Get("X-Escrowd-Signature")}
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, "notify-secret", time.Second)
	d.Notify(context.Background(), "seller-1", KindFundsReleased, map[string]string{"transactionId": "txn_1"})

	select {
	case del := <-got:
		var env envelope
		require.NoError(t, json.Unmarshal(del.body, &env))
		assert.Equal(t, "seller-1", env.UserID)
		assert.Equal(t, KindFundsReleased, env.Kind)

		mac := hmac.New(sha256.New, []byte("notify-secret"))
		mac.Write(del.body)
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), del.sig)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestDispatcherNeverBlocksCaller(t *testing.T) {
	// Endpoint that never answers within the test window.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
	}))
	defer srv.Close()

	d := NewDispatcher(srv.URL, "", 100*time.Millisecond)

	start := time.Now()
	d.Notify(context.Background(), "buyer-1", KindPaymentCompleted, nil)
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Notify must return immediately")
}

func TestDispatcherSwallowsFailure(t *testing.T) {
	d := NewDispatcher("http://127.0.0.1:1", "", 100*time.Millisecond)
	// Must not panic or propagate anything.
	d.Notify(context.Background(), "buyer-1", KindCancelled, nil)
	time.Sleep(200 * time.Millisecond)
}

func TestNop(t *testing.T) {
	Nop{}.Notify(context.Background(), "u", "k", nil)
}
