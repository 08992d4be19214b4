package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMoneyConvert(t *testing.T) {
	m := NewMoney(10_000, "eth") // 0.01 ETH
	rate := decimal.NewFromInt(950)

	got := m.Convert("usdt", rate)
	require.Equal(t, "usdt", got.Currency)
	require.Equal(t, int64(9_500_000), got.Amount) // 9.5 USDT
}

func TestMoneyConvertRoundsDown(t *testing.T) {
	m := NewMoney(1, "eth")
	rate := decimal.RequireFromString("0.5")

	got := m.Convert("usdt", rate)
	require.Equal(t, int64(0), got.Amount)
}

func TestFromDecimalRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("12.345678")
	require.Equal(t, int64(12_345_678), FromDecimal(d))
	require.True(t, NewMoney(12_345_678, "usdt").ToDecimal().Equal(d))
}

func TestApportionSumsToTotal(t *testing.T) {
	cases := []struct {
		name    string
		total   int64
		weights []int64
	}{
		{"even", 9_000_000, []int64{1, 1, 1}},
		{"uneven", 10_000_000, []int64{3, 3, 3}},
		{"single", 5_000_001, []int64{7}},
		{"skewed", 1_000_001, []int64{1, 999}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shares := Apportion(tc.total, tc.weights)
			require.Len(t, shares, len(tc.weights))
			var sum int64
			for _, s := range shares {
				sum += s
			}
			require.Equal(t, tc.total, sum)
		})
	}
}

func TestApportionProRata(t *testing.T) {
	shares := Apportion(9_000_000, []int64{1_000, 2_000})
	require.Equal(t, int64(3_000_000), shares[0])
	require.Equal(t, int64(6_000_000), shares[1])
}

func TestApportionZeroWeights(t *testing.T) {
	shares := Apportion(100, []int64{0, 0})
	require.Equal(t, []int64{0, 100}, shares)
}
