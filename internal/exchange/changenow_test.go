package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCreateTransactionSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get(apiKeyHeader)

		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "fixed-rate", req.Flow)
		require.Equal(t, "0.5", req.FromAmount)

		json.NewEncoder(w).Encode(createResponse{
			ID:           "cn-1",
			PayinAddress: "0xpayin",
			ToAmount:     decimal.RequireFromString("475"),
		})
	}))
	defer srv.Close()

	c := NewHTTPClient("test-key", srv.URL)
	tx, err := c.CreateTransaction(context.Background(), CreateParams{
		FromCurrency:   "eth",
		FromNetwork:    "eth",
		ToCurrency:     "usdt",
		ToNetwork:      "eth",
		Amount:         decimal.RequireFromString("0.5"),
		Address:        "0xdest",
		IdempotencyKey: "group-7",
	})
	require.NoError(t, err)
	require.Equal(t, "cn-1", tx.ID)
	require.Equal(t, "0xpayin", tx.PayinAddress)
	require.Equal(t, "group-7", gotKey)
	require.Equal(t, "test-key", gotAPIKey)
}

func TestEstimateMapsBelowMinimum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"message": "deposit amount is out of range"})
	}))
	defer srv.Close()

	c := NewHTTPClient("k", srv.URL)
	_, err := c.Estimate(context.Background(), "eth", "eth", "usdt", "eth", decimal.RequireFromString("0.000001"))
	require.ErrorIs(t, err, ErrBelowMinimum)
	require.False(t, Transient(err))
}

func TestServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient("k", srv.URL)
	_, err := c.GetStatus(context.Background(), "cn-9")
	require.Error(t, err)
	require.True(t, Transient(err))
}

func TestClientErrorsArePermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "transaction not found"})
	}))
	defer srv.Close()

	c := NewHTTPClient("k", srv.URL)
	_, err := c.GetStatus(context.Background(), "missing")
	require.Error(t, err)
	require.False(t, Transient(err))
}

func TestMockDeduplicatesByIdempotencyKey(t *testing.T) {
	m := NewMock()
	params := CreateParams{Amount: decimal.NewFromInt(1), IdempotencyKey: "dup"}

	first, err := m.CreateTransaction(context.Background(), params)
	require.NoError(t, err)
	second, err := m.CreateTransaction(context.Background(), params)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, m.Created())
}
