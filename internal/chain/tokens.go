package chain

import "strings"

// Token identifies an ERC-20 contract used for payouts.
type Token struct {
	Address  string
	Decimals int
}

// tokens maps "currency/network" to the contract moving that asset.
var tokens = map[string]Token{
	"usdt/eth": {Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
	"usdc/eth": {Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
}

// nativeCoins maps a network to its gas coin.
var nativeCoins = map[string]string{
	"eth": "eth",
}

// LookupToken returns the contract for a currency on a network.
func LookupToken(currency, network string) (Token, bool) {
	t, ok := tokens[strings.ToLower(currency)+"/"+strings.ToLower(network)]
	return t, ok
}

// IsNative reports whether the currency is the network's gas coin.
func IsNative(currency, network string) bool {
	return nativeCoins[strings.ToLower(network)] == strings.ToLower(currency)
}
