package chain

import (
	"context"
	"fmt"
	"sync"
)

// Mock scripts payment outcomes for tests. Errors are consumed in order;
// once the script is exhausted every send succeeds.
type Mock struct {
	mu     sync.Mutex
	script []error
	seq    int

	// Sent records every successful payment.
	Sent []MockPayment
}

type MockPayment struct {
	To     string
	Amount int64
	Token  string
}

func NewMock(script ...error) *Mock {
	return &Mock{script: script}
}

func (m *Mock) SendPayment(ctx context.Context, to string, amountMicros int64) (string, error) {
	return m.record(to, amountMicros, "")
}

func (m *Mock) SendToken(ctx context.Context, token Token, to string, amountMicros int64) (string, error) {
	return m.record(to, amountMicros, token.Address)
}

func (m *Mock) record(to string, amount int64, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.script) > 0 {
		err := m.script[0]
		m.script = m.script[1:]
		if err != nil {
			return "", err
		}
	}
	m.seq++
	m.Sent = append(m.Sent, MockPayment{To: to, Amount: amount, Token: token})
	return fmt.Sprintf("0xmocktx%08d", m.seq), nil
}
