// Package commission computes the platform's cut of a transaction.
//
// The rate is expressed in basis points (200 = 2%) and is fixed on the
// transaction at creation time. Later rate changes never touch existing
// transactions.
package commission

import (
	"errors"
	"math/big"

	"github.com/mesobpay/escrowd/internal/birr"
)

var (
	ErrInvalidAmount = errors.New("amount must be a positive decimal")
	ErrInvalidRate   = errors.New("rate must be between 0 and 10000 basis points")
)

// Breakdown is the result of splitting an amount into commission and net.
type Breakdown struct {
	CommissionAmount string `json:"commissionAmount"`
	NetAmount        string `json:"netAmount"`
	RateBps          int    `json:"rateBps"`
}

// Compute splits amount into commission and seller net at the given rate.
// commission = amount * rateBps / 10000, truncated to the santim.
// The invariant commission + net == amount always holds exactly.
func Compute(amount string, rateBps int) (Breakdown, error) {
	if rateBps < 0 || rateBps > 10000 {
		return Breakdown{}, ErrInvalidRate
	}

	total, ok := birr.Parse(amount)
	if !ok || total.Sign() <= 0 {
		return Breakdown{}, ErrInvalidAmount
	}

	cut := new(big.Int).Mul(total, big.NewInt(int64(rateBps)))
	cut.Quo(cut, big.NewInt(10000))
	net := new(big.Int).Sub(total, cut)

	return Breakdown{
		CommissionAmount: birr.Format(cut),
		NetAmount:        birr.Format(net),
		RateBps:          rateBps,
	}, nil
}
