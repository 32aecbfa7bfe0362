package walletfleet

import "context"

// TransferHints carries advisory driver hints a rebalance instruction
// may set (§4.E "honoring maxGasPrice/gasLimit as advisory driver
// hints"). A driver is free to ignore fields it doesn't support.
type TransferHints struct {
	MaxGasPrice string // decimal string in the chain's gas-price unit; empty = driver default
	GasLimit    uint64 // 0 = driver estimates
}

// Receipt is the driver-opaque outcome of a transfer. Success is the
// success/failure discriminant named in §3; TxID is whatever the
// driver considers an identifying handle (hash, signature, etc).
type Receipt struct {
	TxID    string
	Success bool
}

// Driver is the per-chain capability contract consumed by the core
// (§6 "Wallet driver capability"). Concrete drivers that sign and
// broadcast transactions are external collaborators; the core only
// ever calls through this interface. context.Context governs
// cancellation of the suspension points named in §5.
type Driver interface {
	// PullBalances queries every wallet in one round. A per-wallet
	// failure must be reported in the result's Failed map (see
	// PullBalancesResult) rather than aborting the whole call, so the
	// poller can apply best-effort continuity (§4.C).
	PullBalances(ctx context.Context, wallets []Wallet) (PullBalancesResult, error)

	// PullBalancesAtBlockHeight queries the given wallets as of a
	// specific block height; it never touches the persistent snapshot.
	PullBalancesAtBlockHeight(ctx context.Context, wallets []Wallet, height uint64) (PullBalancesResult, error)

	// Transfer moves amount of token from "from" to "to", honoring
	// hints as advisory. It fails on insufficient funds, gas exceeded,
	// or RPC error — the driver, not the core, is responsible for
	// re-checking sufficiency against the latest chain state before
	// broadcasting (§4.E "Concurrency against the poller").
	Transfer(ctx context.Context, from, to Wallet, amount string, token TokenSpec, hints TransferHints) (Receipt, error)

	// GetBlockHeight returns the chain's current block height.
	GetBlockHeight(ctx context.Context) (uint64, error)
}

// PullBalancesResult is the per-wallet outcome of one PullBalances (or
// PullBalancesAtBlockHeight) round. Balances holds the successfully
// refreshed wallets; Failed holds the per-wallet errors for wallets
// that could not be refreshed this round — the poller merges these
// with the prior snapshot rather than dropping the wallet (§4.C edge
// case).
type PullBalancesResult struct {
	Balances map[string][]WalletBalance
	Failed   map[string]error
}
