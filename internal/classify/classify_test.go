package classify

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayo6706/payout-accumulator/internal/chain"
	"github.com/ayo6706/payout-accumulator/internal/domain"
	"github.com/ayo6706/payout-accumulator/internal/exchange"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		class     string
		retryable bool
	}{
		{"insufficient funds", errors.New("insufficient funds for gas * price + value"), domain.ErrClassInsufficientGas, false},
		{"exceeds balance", errors.New("transfer amount exceeds balance"), domain.ErrClassInsufficientGas, false},
		{"invalid address", errors.New("invalid hex address"), domain.ErrClassInvalidAddress, false},
		{"checksum", errors.New("address checksum verification failed"), domain.ErrClassInvalidAddress, false},
		{"nonce too low", errors.New("nonce too low"), domain.ErrClassNonceConflict, true},
		{"replacement underpriced", errors.New("replacement transaction underpriced"), domain.ErrClassNonceConflict, true},
		{"timeout", errors.New("context deadline exceeded: read timeout"), domain.ErrClassRPCUnavailable, true},
		{"connection refused", errors.New("dial tcp: connection refused"), domain.ErrClassRPCUnavailable, true},
		{"rate limited", errors.New("429 too many requests"), domain.ErrClassRPCUnavailable, true},
		{"below minimum text", errors.New("deposit amount is out of range"), domain.ErrClassBelowMinimum, false},
		{"unknown", errors.New("something odd happened"), domain.ErrClassUnknown, false},
		{"nil", nil, domain.ErrClassUnknown, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			class, retryable := Classify(tc.err)
			require.Equal(t, tc.class, class)
			require.Equal(t, tc.retryable, retryable)
		})
	}
}

func TestClassifySentinels(t *testing.T) {
	class, retryable := Classify(fmt.Errorf("send payment: %w", chain.ErrInvalidAddress))
	require.Equal(t, domain.ErrClassInvalidAddress, class)
	require.False(t, retryable)

	class, retryable = Classify(fmt.Errorf("create order: %w", exchange.ErrBelowMinimum))
	require.Equal(t, domain.ErrClassBelowMinimum, class)
	require.False(t, retryable)
}

func TestFirstMatchWins(t *testing.T) {
	// A message naming both funds and a timeout is a funds problem.
	class, retryable := Classify(errors.New("insufficient funds after rpc timeout"))
	require.Equal(t, domain.ErrClassInsufficientGas, class)
	require.False(t, retryable)
}
