package walletfleet

// Wallet is one fleet member. PrivateConfig is driver-specific and the
// core never inspects it — it is passed through to the driver as-is.
type Wallet struct {
	Address         string
	ExpectedTokens  []TokenSpec
	PrivateConfig   any
}

// TokenSpec names a token a wallet is expected to hold. IsNative marks
// the chain's gas-denominated asset (TokenAddress is empty for it).
type TokenSpec struct {
	Symbol       string
	IsNative     bool
	TokenAddress string
}

// Valid reports whether t carries enough identity for a driver to
// resolve it: a Symbol always, and a contract TokenAddress for any
// non-native token. Orchestrator construction rejects anything outside
// this (subject to failOnInvalidTokens).
func (t TokenSpec) Valid() bool {
	if t.Symbol == "" {
		return false
	}
	if !t.IsNative && t.TokenAddress == "" {
		return false
	}
	return true
}

// WalletBalance is one observed (address, token) balance.
type WalletBalance struct {
	Address           string
	Symbol            string
	IsNative          bool
	TokenAddress      string // empty when IsNative
	RawBalance        string // exact on-chain integer units, as a string
	FormattedBalance  string // human-scaled decimal, as a string
}

// BalanceTable is an immutable snapshot: address -> balances. Callers
// never receive the manager's live map, only a copy produced by
// Clone, so mutating a returned table never corrupts
// manager state.
type BalanceTable map[string][]WalletBalance

// Clone returns a deep-enough copy of t: the top-level map and every
// slice are copied, so neither the original nor the clone can mutate
// the other's entries by appending.
func (t BalanceTable) Clone() BalanceTable {
	if t == nil {
		return BalanceTable{}
	}
	out := make(BalanceTable, len(t))
	for addr, balances := range t {
		cp := make([]WalletBalance, len(balances))
		copy(cp, balances)
		out[addr] = cp
	}
	return out
}
