package walletfleet

import "time"

// OrchestratorConfig is the validated, core-native configuration the
// Orchestrator is built from (§6 "Configuration"). The YAML-shaped
// config lives in the configs package and is converted into this
// struct so the core never imports a YAML library.
type OrchestratorConfig struct {
	FailOnInvalidChain  bool
	FailOnInvalidTokens bool
	BalancePollInterval time.Duration // default per-chain poll interval; zero disables polling

	PriceFeedOptions PriceFeedOptions
	Metrics          MetricsConfig

	// FanoutConcurrency bounds getAllBalances/pullBalances/
	// pullBalancesAtBlockHeight. getBlockHeightForAllSupportedChains
	// ignores this and uses len(Chains) instead (§4.G rationale).
	FanoutConcurrency int

	Chains map[ChainName]ChainConfig
}

// ChainConfig is one chain's configuration.
type ChainConfig struct {
	Network           Network
	Driver            Driver
	Wallets           []Wallet
	Rebalance         RebalanceConfig
	WalletBalance     WalletBalanceConfig
	PriceFeedConfig   PriceFeedConfig
}

// RebalanceConfig configures component E for one chain.
type RebalanceConfig struct {
	Enabled             bool
	Strategy            string
	Interval            time.Duration
	MinBalanceThreshold string
	MaxGasPrice         string
	GasLimit            uint64
}

// WalletBalanceConfig configures component C for one chain.
type WalletBalanceConfig struct {
	Enabled   bool
	Scheduled ScheduledConfig
}

// ScheduledConfig is the shared shape of "scheduled.{enabled,interval}".
type ScheduledConfig struct {
	Enabled  bool
	Interval time.Duration
}

// PriceFeedOptions selects None / OnDemand / Scheduled for the shared
// price feed (§4.G "Construction").
type PriceFeedOptions struct {
	Enabled   bool
	Scheduled ScheduledConfig // Scheduled.Enabled selects Scheduled mode; else OnDemand
	Source    PriceSource     // underlying quote source; required when Enabled
}

// PriceSource is the raw quote lookup a PriceFeed implementation wraps
// with caching/scheduling policy (kept separate from PriceFeed so both
// OnDemand and Scheduled feeds share one driver-agnostic source).
type PriceSource interface {
	Quote(coingeckoID string) (float64, error)
}

// MetricsConfig is pass-through configuration for the external metrics
// sink; the core only forwards it, per §1 "Out of scope" (c).
type MetricsConfig struct {
	Enabled  bool
	Port     int
	Path     string
	Registry any // e.g. *prometheus.Registry; left untyped at this layer
	Serve    bool
}
