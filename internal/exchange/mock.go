package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Mock simulates a swap provider for tests and local development. Orders are
// deduplicated by idempotency key the way the real provider does, and their
// status can be advanced by the test.
type Mock struct {
	mu sync.Mutex

	// Rate converts every from-amount into a to-amount. Default 1.
	Rate decimal.Decimal
	// CreateErr, EstimateErr, and StatusErr force the next call to fail.
	CreateErr   error
	EstimateErr error
	StatusErr   error

	seq      int
	byKey    map[string]*Transaction
	statuses map[string]*Status
}

func NewMock() *Mock {
	return &Mock{
		Rate:     decimal.NewFromInt(1),
		byKey:    map[string]*Transaction{},
		statuses: map[string]*Status{},
	}
}

func (m *Mock) Estimate(ctx context.Context, fromCurrency, fromNetwork, toCurrency, toNetwork string, amount decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EstimateErr != nil {
		return decimal.Zero, m.EstimateErr
	}
	return amount.Mul(m.Rate), nil
}

func (m *Mock) CreateTransaction(ctx context.Context, params CreateParams) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if tx, ok := m.byKey[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		return tx, nil
	}
	m.seq++
	tx := &Transaction{
		ID:              fmt.Sprintf("mock-tx-%d", m.seq),
		PayinAddress:    fmt.Sprintf("0xmockpayin%04d", m.seq),
		EstimatedAmount: params.Amount.Mul(m.Rate),
	}
	if params.IdempotencyKey != "" {
		m.byKey[params.IdempotencyKey] = tx
	}
	m.statuses[tx.ID] = &Status{Status: "waiting"}
	return tx, nil
}

func (m *Mock) GetStatus(ctx context.Context, id string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	st, ok := m.statuses[id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "transaction not found"}
	}
	return &Status{Status: st.Status, AmountTo: st.AmountTo}, nil
}

// SetStatus advances an order for test scripts.
func (m *Mock) SetStatus(id, status string, amountTo decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = &Status{Status: status, AmountTo: amountTo}
}

// Created returns how many distinct orders exist.
func (m *Mock) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}
