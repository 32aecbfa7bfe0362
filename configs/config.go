// Package configs loads the YAML-shaped on-disk configuration and
// converts it into the core's own walletfleet.OrchestratorConfig, so
// the core package itself never imports a YAML library.
//
// Grounded on the teacher's configs/config.go: same
// os.ReadFile+yaml.Unmarshal LoadConfig shape, same
// To*Config conversion-method pattern (there ToBlackholeConfigs/
// ToStrategyConfig, here ToOrchestratorConfig).
package configs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

// Config is the entire on-disk configuration structure.
type Config struct {
	FailOnInvalidChain  bool                        `yaml:"failOnInvalidChain"`
	FailOnInvalidTokens bool                        `yaml:"failOnInvalidTokens"`
	BalancePollIntervalSec int                       `yaml:"balancePollIntervalSec"`
	FanoutConcurrency   int                          `yaml:"fanoutConcurrency"`
	PriceFeed           PriceFeedYAMLData            `yaml:"priceFeed"`
	Metrics             MetricsYAMLData              `yaml:"metrics"`
	Chains              map[string]ChainYAMLData     `yaml:"chains"`
}

// PriceFeedYAMLData mirrors walletfleet.PriceFeedOptions, minus the
// PriceSource field: the source is a live collaborator, wired in
// cmd/main.go, not something YAML can express.
type PriceFeedYAMLData struct {
	Enabled   bool             `yaml:"enabled"`
	Scheduled ScheduledYAMLData `yaml:"scheduled"`
}

// ScheduledYAMLData is the shared "scheduled.{enabled,intervalSec}" shape.
type ScheduledYAMLData struct {
	Enabled     bool `yaml:"enabled"`
	IntervalSec int  `yaml:"intervalSec"`
}

// MetricsYAMLData mirrors walletfleet.MetricsConfig, minus Registry
// (a live *prometheus.Registry, wired in cmd/main.go).
type MetricsYAMLData struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
	Serve   bool   `yaml:"serve"`
}

// ChainYAMLData is one chain's on-disk configuration.
type ChainYAMLData struct {
	Network             string               `yaml:"network"`
	RPC                 string               `yaml:"rpc"`
	Wallets             []WalletYAMLData     `yaml:"wallets"`
	Rebalance           RebalanceYAMLData    `yaml:"rebalance"`
	WalletBalance       WalletBalanceYAMLData `yaml:"walletBalance"`
	PriceFeedSupported  []string             `yaml:"priceFeedSupportedTokens"`
}

// WalletYAMLData names one fleet wallet's address and the tokens it is
// expected to hold; the signing credential (PrivateConfig) is supplied
// out-of-band by cmd/main.go, never checked into config.yml.
type WalletYAMLData struct {
	Address        string          `yaml:"address"`
	ExpectedTokens []TokenYAMLData `yaml:"expectedTokens"`
}

// TokenYAMLData mirrors walletfleet.TokenSpec.
type TokenYAMLData struct {
	Symbol       string `yaml:"symbol"`
	IsNative     bool   `yaml:"isNative"`
	TokenAddress string `yaml:"tokenAddress"`
}

// RebalanceYAMLData mirrors walletfleet.RebalanceConfig.
type RebalanceYAMLData struct {
	Enabled             bool   `yaml:"enabled"`
	Strategy            string `yaml:"strategy"`
	IntervalSec         int    `yaml:"intervalSec"`
	MinBalanceThreshold string `yaml:"minBalanceThreshold"`
	MaxGasPrice         string `yaml:"maxGasPrice"`
	GasLimit            uint64 `yaml:"gasLimit"`
}

// WalletBalanceYAMLData mirrors walletfleet.WalletBalanceConfig.
type WalletBalanceYAMLData struct {
	Enabled   bool              `yaml:"enabled"`
	Scheduled ScheduledYAMLData `yaml:"scheduled"`
}

// LoadConfig reads and parses path into a Config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configs: read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("configs: parse config yaml: %w", err)
	}
	return &cfg, nil
}

// ToOrchestratorConfig converts the YAML-shaped config into the core's
// native walletfleet.OrchestratorConfig. drivers and priceSource are
// live collaborators assembled by cmd/main.go (one Driver per chain
// name, keyed the same way chains is); walletKeys supplies each
// wallet's PrivateConfig by address, since signing credentials never
// live in config.yml.
func (c *Config) ToOrchestratorConfig(drivers map[walletfleet.ChainName]walletfleet.Driver, walletKeys map[string]any, priceSource walletfleet.PriceSource) (walletfleet.OrchestratorConfig, error) {
	out := walletfleet.OrchestratorConfig{
		FailOnInvalidChain:  c.FailOnInvalidChain,
		FailOnInvalidTokens: c.FailOnInvalidTokens,
		BalancePollInterval: time.Duration(c.BalancePollIntervalSec) * time.Second,
		FanoutConcurrency:   c.FanoutConcurrency,
		Chains:              make(map[walletfleet.ChainName]walletfleet.ChainConfig, len(c.Chains)),
	}

	out.PriceFeedOptions = walletfleet.PriceFeedOptions{
		Enabled: c.PriceFeed.Enabled,
		Scheduled: walletfleet.ScheduledConfig{
			Enabled:  c.PriceFeed.Scheduled.Enabled,
			Interval: time.Duration(c.PriceFeed.Scheduled.IntervalSec) * time.Second,
		},
		Source: priceSource,
	}

	out.Metrics = walletfleet.MetricsConfig{
		Enabled: c.Metrics.Enabled,
		Port:    c.Metrics.Port,
		Path:    c.Metrics.Path,
		Serve:   c.Metrics.Serve,
	}

	for name, chainData := range c.Chains {
		chainName := walletfleet.ChainName(name)

		driver, ok := drivers[chainName]
		if !ok {
			return walletfleet.OrchestratorConfig{}, fmt.Errorf("configs: no driver wired for chain %q", name)
		}

		wallets := make([]walletfleet.Wallet, 0, len(chainData.Wallets))
		for _, w := range chainData.Wallets {
			tokens := make([]walletfleet.TokenSpec, 0, len(w.ExpectedTokens))
			for _, tok := range w.ExpectedTokens {
				tokens = append(tokens, walletfleet.TokenSpec{
					Symbol:       tok.Symbol,
					IsNative:     tok.IsNative,
					TokenAddress: tok.TokenAddress,
				})
			}
			wallets = append(wallets, walletfleet.Wallet{
				Address:        w.Address,
				ExpectedTokens: tokens,
				PrivateConfig:  walletKeys[w.Address],
			})
		}

		out.Chains[chainName] = walletfleet.ChainConfig{
			Network: walletfleet.Network(chainData.Network),
			Driver:  driver,
			Wallets: wallets,
			Rebalance: walletfleet.RebalanceConfig{
				Enabled:             chainData.Rebalance.Enabled,
				Strategy:            chainData.Rebalance.Strategy,
				Interval:            time.Duration(chainData.Rebalance.IntervalSec) * time.Second,
				MinBalanceThreshold: chainData.Rebalance.MinBalanceThreshold,
				MaxGasPrice:         chainData.Rebalance.MaxGasPrice,
				GasLimit:            chainData.Rebalance.GasLimit,
			},
			WalletBalance: walletfleet.WalletBalanceConfig{
				Enabled: chainData.WalletBalance.Enabled,
				Scheduled: walletfleet.ScheduledConfig{
					Enabled:  chainData.WalletBalance.Scheduled.Enabled,
					Interval: time.Duration(chainData.WalletBalance.Scheduled.IntervalSec) * time.Second,
				},
			},
			PriceFeedConfig: walletfleet.PriceFeedConfig{
				SupportedTokens: chainData.PriceFeedSupported,
			},
		}
	}

	return out, nil
}
