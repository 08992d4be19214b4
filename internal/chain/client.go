// Package chain submits on-chain payments from the host wallet.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// ErrInvalidAddress marks a destination that can never receive funds.
var ErrInvalidAddress = errors.New("invalid destination address")

// weiPerMicro converts micros of the native coin to wei.
var weiPerMicro = big.NewInt(1_000_000_000_000)

// Client submits host-wallet payments and returns the transaction hash.
type Client interface {
	// SendPayment transfers the network's native coin.
	SendPayment(ctx context.Context, to string, amountMicros int64) (string, error)
	// SendToken transfers an ERC-20 amount given in micros.
	SendToken(ctx context.Context, token Token, to string, amountMicros int64) (string, error)
}

// EthClient sends payments through a JSON-RPC endpoint using the host wallet.
type EthClient struct {
	rpc     *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
}

func NewEthClient(ctx context.Context, rpcURL string, chainID int64, privateKeyHex string) (*EthClient, error) {
	if len(privateKeyHex) >= 2 && (privateKeyHex[:2] == "0x" || privateKeyHex[:2] == "0X") {
		privateKeyHex = privateKeyHex[2:]
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "parse host wallet key")
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}

	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial chain rpc")
	}
	return &EthClient{
		rpc:     rpc,
		chainID: big.NewInt(chainID),
		key:     key,
		from:    crypto.PubkeyToAddress(*pub),
	}, nil
}

// From returns the host wallet address.
func (c *EthClient) From() string {
	return c.from.Hex()
}

// SendPayment signs and broadcasts a native transfer of amountMicros to the
// given address. The raw node error is returned unwrapped enough for the
// caller to classify it.
func (c *EthClient) SendPayment(ctx context.Context, to string, amountMicros int64) (string, error) {
	if !common.IsHexAddress(to) {
		return "", ErrInvalidAddress
	}
	dest := common.HexToAddress(to)
	value := new(big.Int).Mul(big.NewInt(amountMicros), weiPerMicro)
	return c.send(ctx, dest, value, nil, 21_000)
}

// transferSelector is the 4-byte signature of transfer(address,uint256).
var transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// SendToken signs and broadcasts an ERC-20 transfer. The micro amount is
// rescaled to the token's own decimals.
func (c *EthClient) SendToken(ctx context.Context, token Token, to string, amountMicros int64) (string, error) {
	if !common.IsHexAddress(to) || !common.IsHexAddress(token.Address) {
		return "", ErrInvalidAddress
	}
	dest := common.HexToAddress(to)
	contract := common.HexToAddress(token.Address)

	amount := big.NewInt(amountMicros)
	switch {
	case token.Decimals > 6:
		amount.Mul(amount, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(token.Decimals-6)), nil))
	case token.Decimals < 6:
		amount.Div(amount, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(6-token.Decimals)), nil))
	}

	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(dest.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	return c.send(ctx, contract, big.NewInt(0), data, 80_000)
}

func (c *EthClient) send(ctx context.Context, to common.Address, value *big.Int, data []byte, gas uint64) (string, error) {
	nonce, err := c.rpc.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", errors.Wrap(err, "fetch nonce")
	}
	tipCap, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return "", errors.Wrap(err, "suggest gas tip")
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "fetch head")
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", errors.Wrap(err, "sign transaction")
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

// Close releases the underlying RPC connection.
func (c *EthClient) Close() {
	c.rpc.Close()
}
