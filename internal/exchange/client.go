// Package exchange wraps the instant-swap provider used for both conversion
// hops. Amounts cross this boundary as decimals; everything inside the
// service speaks micros.
package exchange

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrBelowMinimum marks an amount under the provider's tradeable floor.
// Retrying the same amount can never succeed.
var ErrBelowMinimum = errors.New("amount below provider minimum")

// APIError is a non-2xx reply from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api: %d %s", e.StatusCode, e.Message)
}

// Transient reports whether the failure is worth redelivering. Client-side
// rejections are permanent; provider-side failures are not.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// CreateParams describes one swap order.
type CreateParams struct {
	FromCurrency string
	FromNetwork  string
	ToCurrency   string
	ToNetwork    string
	Amount       decimal.Decimal
	// Address receives the swapped funds.
	Address string
	// IdempotencyKey dedupes order creation across redeliveries.
	IdempotencyKey string
}

// Transaction is a created swap order awaiting funding.
type Transaction struct {
	ID              string
	PayinAddress    string
	EstimatedAmount decimal.Decimal
}

// Status is a point-in-time view of a swap order.
type Status struct {
	Status   string
	AmountTo decimal.Decimal
}

// Client is the swap provider contract used by the conversion pipeline.
type Client interface {
	// Estimate quotes the output amount for a prospective swap.
	Estimate(ctx context.Context, fromCurrency, fromNetwork, toCurrency, toNetwork string, amount decimal.Decimal) (decimal.Decimal, error)
	// CreateTransaction opens a fixed-rate swap order.
	CreateTransaction(ctx context.Context, params CreateParams) (*Transaction, error)
	// GetStatus fetches the current state of an order.
	GetStatus(ctx context.Context, id string) (*Status, error)
}

// Transient reports whether err is worth a queue redelivery.
func Transient(err error) bool {
	if errors.Is(err, ErrBelowMinimum) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Network-level failures are transient by default.
	return true
}
