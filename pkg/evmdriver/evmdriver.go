// Package evmdriver is a reference walletfleet.Driver implementation
// for EVM-compatible chains over go-ethereum's ethclient.
//
// Grounded on the teacher's blackhole.go (ecdsa-keyed sender, chain-
// constant addressing) for the overall shape, and on
// chapool-go-wallet's rebalance-service.go.go for the EIP-1559
// fee-estimation sequence (SuggestGasTipCap + latest block base fee,
// balance-after-gas sufficiency check) this driver's Transfer reuses
// almost verbatim, generalized from a single hot-wallet rebalance path
// to the general-purpose Driver contract.
package evmdriver

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

// gasLimitMultiplier widens the EIP-1559 max fee beyond the latest
// base fee so a transfer still lands a few blocks later if fees spike.
const gasLimitMultiplier = 2

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Key is the driver-specific wallet credential stored in
// walletfleet.Wallet.PrivateConfig, opaque to the core.
type Key struct {
	PrivateKey *ecdsa.PrivateKey
}

// Driver implements walletfleet.Driver against a single EVM RPC
// endpoint and chain ID.
type Driver struct {
	client   *ethclient.Client
	chainID  *big.Int
	erc20ABI abi.ABI
	log      zerolog.Logger
}

// Dial connects to rpcURL and returns a ready Driver for chainID.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int, logger zerolog.Logger) (*Driver, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evmdriver: dial %s: %w", rpcURL, err)
	}
	return New(client, chainID, logger)
}

// New wraps an already-connected client.
func New(client *ethclient.Client, chainID *big.Int, logger zerolog.Logger) (*Driver, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("evmdriver: parse erc20 abi: %w", err)
	}
	return &Driver{client: client, chainID: chainID, erc20ABI: parsed, log: logger}, nil
}

// PullBalances queries every wallet's expected tokens in the current
// block; a per-wallet failure is reported in PullBalancesResult.Failed
// rather than aborting the round (§4.C edge case).
func (d *Driver) PullBalances(ctx context.Context, wallets []walletfleet.Wallet) (walletfleet.PullBalancesResult, error) {
	return d.pullBalances(ctx, wallets, nil)
}

// PullBalancesAtBlockHeight is PullBalances pinned to a specific block.
func (d *Driver) PullBalancesAtBlockHeight(ctx context.Context, wallets []walletfleet.Wallet, height uint64) (walletfleet.PullBalancesResult, error) {
	return d.pullBalances(ctx, wallets, new(big.Int).SetUint64(height))
}

func (d *Driver) pullBalances(ctx context.Context, wallets []walletfleet.Wallet, blockNumber *big.Int) (walletfleet.PullBalancesResult, error) {
	result := walletfleet.PullBalancesResult{
		Balances: make(map[string][]walletfleet.WalletBalance, len(wallets)),
		Failed:   make(map[string]error),
	}

	for _, wallet := range wallets {
		balances, err := d.balancesForWallet(ctx, wallet, blockNumber)
		if err != nil {
			result.Failed[wallet.Address] = err
			continue
		}
		result.Balances[wallet.Address] = balances
	}
	return result, nil
}

func (d *Driver) balancesForWallet(ctx context.Context, wallet walletfleet.Wallet, blockNumber *big.Int) ([]walletfleet.WalletBalance, error) {
	addr := common.HexToAddress(wallet.Address)

	tokens := wallet.ExpectedTokens
	if len(tokens) == 0 {
		tokens = []walletfleet.TokenSpec{{Symbol: "native", IsNative: true}}
	}

	out := make([]walletfleet.WalletBalance, 0, len(tokens))
	for _, token := range tokens {
		var raw *big.Int
		var err error
		if token.IsNative {
			raw, err = d.client.BalanceAt(ctx, addr, blockNumber)
		} else {
			raw, err = d.erc20BalanceOf(ctx, common.HexToAddress(token.TokenAddress), addr, blockNumber)
		}
		if err != nil {
			return nil, fmt.Errorf("evmdriver: balance of %s (%s): %w", wallet.Address, token.Symbol, err)
		}

		out = append(out, walletfleet.WalletBalance{
			Address:          wallet.Address,
			Symbol:           token.Symbol,
			IsNative:         token.IsNative,
			TokenAddress:     token.TokenAddress,
			RawBalance:       raw.String(),
			FormattedBalance: formatWei(raw),
		})
	}
	return out, nil
}

func (d *Driver) erc20BalanceOf(ctx context.Context, token, owner common.Address, blockNumber *big.Int) (*big.Int, error) {
	data, err := d.erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	result, err := d.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, blockNumber)
	if err != nil {
		return nil, err
	}
	out, err := d.erc20ABI.Unpack("balanceOf", result)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("evmdriver: unpack balanceOf: %w", err)
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evmdriver: unexpected balanceOf return type")
	}
	return balance, nil
}

// Transfer signs and broadcasts a native or ERC20 transfer, estimating
// EIP-1559 fees from the latest block's base fee the way
// chapool-go-wallet's rebalance path does, honoring hints as advisory
// overrides when present.
func (d *Driver) Transfer(ctx context.Context, from, to walletfleet.Wallet, amount string, token walletfleet.TokenSpec, hints walletfleet.TransferHints) (walletfleet.Receipt, error) {
	key, err := keyOf(from)
	if err != nil {
		return walletfleet.Receipt{}, err
	}

	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: invalid amount %q", amount)
	}

	fromAddr := crypto.PubkeyToAddress(key.PublicKey)
	toAddr := common.HexToAddress(to.Address)

	tipCap, err := d.client.SuggestGasTipCap(ctx)
	if err != nil {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: suggest gas tip cap: %w", err)
	}

	latest, err := d.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: fetch latest header: %w", err)
	}
	baseFee := latest.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}

	maxFeePerGas := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(gasLimitMultiplier)), tipCap)
	if hints.MaxGasPrice != "" {
		if override, ok := new(big.Int).SetString(hints.MaxGasPrice, 10); ok {
			maxFeePerGas = override
		}
	}

	gasLimit := hints.GasLimit
	if gasLimit == 0 {
		gasLimit = 21000
		if !token.IsNative {
			gasLimit = 65000
		}
	}

	var have, need *big.Int
	if token.IsNative {
		have, err = d.client.BalanceAt(ctx, fromAddr, nil)
		need = new(big.Int).Add(value, new(big.Int).Mul(maxFeePerGas, new(big.Int).SetUint64(gasLimit)))
	} else {
		have, err = d.erc20BalanceOf(ctx, common.HexToAddress(token.TokenAddress), fromAddr, nil)
		need = value
	}
	if err != nil {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: check balance: %w", err)
	}
	if have.Cmp(need) < 0 {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: insufficient balance: have %s, need %s", have, need)
	}

	nonce, err := d.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: pending nonce: %w", err)
	}

	var txData types.TxData
	if token.IsNative {
		txData = &types.DynamicFeeTx{
			ChainID:   d.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: maxFeePerGas,
			Gas:       gasLimit,
			To:        &toAddr,
			Value:     value,
		}
	} else {
		data, packErr := d.erc20ABI.Pack("transfer", toAddr, value)
		if packErr != nil {
			return walletfleet.Receipt{}, fmt.Errorf("evmdriver: pack erc20 transfer: %w", packErr)
		}
		tokenAddr := common.HexToAddress(token.TokenAddress)
		txData = &types.DynamicFeeTx{
			ChainID:   d.chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: maxFeePerGas,
			Gas:       gasLimit,
			To:        &tokenAddr,
			Value:     big.NewInt(0),
			Data:      data,
		}
	}

	tx := types.NewTx(txData)
	signer := types.LatestSignerForChainID(d.chainID)
	signedTx, err := types.SignTx(tx, signer, key)
	if err != nil {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: sign transaction: %w", err)
	}

	if err := d.client.SendTransaction(ctx, signedTx); err != nil {
		return walletfleet.Receipt{}, fmt.Errorf("evmdriver: broadcast transaction: %w", err)
	}

	d.log.Info().
		Str("from", from.Address).
		Str("to", to.Address).
		Str("amount", amount).
		Str("tx", signedTx.Hash().Hex()).
		Msg("evmdriver: transfer broadcast")

	return walletfleet.Receipt{TxID: signedTx.Hash().Hex(), Success: true}, nil
}

// GetBlockHeight returns the chain's current block number.
func (d *Driver) GetBlockHeight(ctx context.Context) (uint64, error) {
	height, err := d.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("evmdriver: block number: %w", err)
	}
	return height, nil
}

// ParseHexKey parses a hex-encoded ECDSA private key (with or without
// a leading "0x"), the format wallet credentials are typically
// supplied in by an operator's secret store.
func ParseHexKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("evmdriver: parse hex key: %w", err)
	}
	return key, nil
}

func keyOf(wallet walletfleet.Wallet) (*ecdsa.PrivateKey, error) {
	key, ok := wallet.PrivateConfig.(Key)
	if !ok {
		return nil, fmt.Errorf("evmdriver: wallet %s has no evmdriver.Key private config", wallet.Address)
	}
	if key.PrivateKey == nil {
		return nil, fmt.Errorf("evmdriver: wallet %s has a nil private key", wallet.Address)
	}
	return key.PrivateKey, nil
}

// formatWei renders a wei amount as an 18-decimal human-scaled string.
// It is intentionally simple (no trailing-zero trimming beyond the
// decimal point) since downstream consumers only need a stable,
// parseable decimal, not a display-polished one.
func formatWei(wei *big.Int) string {
	const decimals = 18
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil)
	whole := new(big.Int)
	frac := new(big.Int)
	whole.DivMod(wei, divisor, frac)

	fracStr := frac.String()
	for len(fracStr) < decimals {
		fracStr = "0" + fracStr
	}
	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

var _ walletfleet.Driver = (*Driver)(nil)
