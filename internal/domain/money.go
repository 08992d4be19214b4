package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value in a specific currency.
// Amount is stored as BIGINT micros (10^-6) to avoid floating point errors.
type Money struct {
	Amount   int64  // micros
	Currency string // lowercase ticker, e.g. "eth", "usdt", "xmr"
}

// NewMoney creates a new Money instance from micros.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

var microFactor = decimal.NewFromInt(1_000_000)

// ToDecimal converts the int64 micros to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Amount).Div(microFactor)
}

// FromDecimal converts a decimal.Decimal to int64 micros, rounding down.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(microFactor).IntPart()
}

// Convert converts the money to a target currency using a given rate
// (target units per source unit). Rounds down.
func (m Money) Convert(targetCurrency string, rate decimal.Decimal) Money {
	return Money{
		Amount:   FromDecimal(m.ToDecimal().Mul(rate)),
		Currency: targetCurrency,
	}
}

// Apportion splits total micros across weights pro-rata, assigning the
// rounding remainder to the last share so the parts always sum to total.
// Used when one exchange transaction covers several ledger records.
func Apportion(total int64, weights []int64) []int64 {
	if len(weights) == 0 {
		return nil
	}
	var weightSum int64
	for _, w := range weights {
		weightSum += w
	}
	shares := make([]int64, len(weights))
	if weightSum <= 0 {
		shares[len(shares)-1] = total
		return shares
	}
	var assigned int64
	totalDec := decimal.NewFromInt(total)
	sumDec := decimal.NewFromInt(weightSum)
	for i, w := range weights[:len(weights)-1] {
		share := totalDec.Mul(decimal.NewFromInt(w)).Div(sumDec).IntPart()
		shares[i] = share
		assigned += share
	}
	shares[len(shares)-1] = total - assigned
	return shares
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToDecimal().StringFixed(6), m.Currency)
}
