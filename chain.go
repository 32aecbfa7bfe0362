package walletfleet

import "fmt"

// ChainName identifies a supported blockchain. The set is closed and
// known at compile time; orchestrator construction rejects anything
// outside it (subject to failOnInvalidChain).
type ChainName string

const (
	Ethereum         ChainName = "ethereum"
	Polygon          ChainName = "polygon"
	Avalanche        ChainName = "avalanche"
	Arbitrum         ChainName = "arbitrum"
	Optimism         ChainName = "optimism"
	BinanceSmartChain ChainName = "bsc"
	Solana           ChainName = "solana"
	Bitcoin          ChainName = "bitcoin"
)

// defaultNetworks holds the per-chain default Network used when a
// ChainConfig omits one.
var defaultNetworks = map[ChainName]Network{
	Ethereum:          "mainnet",
	Polygon:           "mainnet",
	Avalanche:         "mainnet",
	Arbitrum:          "mainnet",
	Optimism:          "mainnet",
	BinanceSmartChain: "mainnet",
	Solana:            "mainnet-beta",
	Bitcoin:           "mainnet",
}

// Known reports whether name is part of the compile-time known chain set.
func (c ChainName) Known() bool {
	_, ok := defaultNetworks[c]
	return ok
}

// DefaultNetwork returns the per-chain default Network, or "" if the
// chain isn't known.
func (c ChainName) DefaultNetwork() Network {
	return defaultNetworks[c]
}

// Network is a chain-scoped string such as "mainnet" or "testnet".
type Network string

// ChainKey uniquely identifies a managed (chain, network) domain.
type ChainKey struct {
	Chain   ChainName
	Network Network
}

func (k ChainKey) String() string {
	return fmt.Sprintf("%s/%s", k.Chain, k.Network)
}

// NewChainKey builds a ChainKey, substituting the chain's default
// network when network is empty.
func NewChainKey(chain ChainName, network Network) ChainKey {
	if network == "" {
		network = chain.DefaultNetwork()
	}
	return ChainKey{Chain: chain, Network: network}
}
