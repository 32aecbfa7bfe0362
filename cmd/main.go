// Command walletfleet wires the configured chains' drivers, the shared
// price feed, the orchestrator, the Prometheus metrics sink, and the
// balance/rebalance recorder together and runs until interrupted.
//
// Grounded on the teacher's cmd/main.go: same
// godotenv-then-LoadConfig-then-build-then-run shape, generalized from
// one hard-coded chain to the configured chain set.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
	"github.com/ChoSanghyuk/walletfleet/configs"
	"github.com/ChoSanghyuk/walletfleet/internal/db"
	"github.com/ChoSanghyuk/walletfleet/internal/metrics"
	"github.com/ChoSanghyuk/walletfleet/internal/orchestrator"
	"github.com/ChoSanghyuk/walletfleet/pkg/evmdriver"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Err(err).Msg("main: no .env file loaded")
	}

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("main: fatal error")
	}
}

func run(logger zerolog.Logger) error {
	configPath := os.Getenv("WALLETFLEET_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yml"
	}

	cfg, err := configs.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drivers, err := buildDrivers(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build drivers: %w", err)
	}

	walletKeys, err := buildWalletKeys(cfg)
	if err != nil {
		return fmt.Errorf("build wallet keys: %w", err)
	}

	var priceSource walletfleet.PriceSource
	if cfg.PriceFeed.Enabled {
		priceSource = coingeckoSource{client: &http.Client{Timeout: 10 * time.Second}}
	}

	orchCfg, err := cfg.ToOrchestratorConfig(drivers, walletKeys, priceSource)
	if err != nil {
		return fmt.Errorf("build orchestrator config: %w", err)
	}

	orch, err := orchestrator.New(ctx, orchCfg, logger)
	if err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	registry := prometheus.NewRegistry()
	sink := metrics.New(registry)
	orch.Subscribe(sink.Observe)

	if dsn := os.Getenv("WALLETFLEET_MYSQL_DSN"); dsn != "" {
		recorder, err := db.NewRecorder(dsn, logger)
		if err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer recorder.Close()
		orch.Subscribe(recorder.Observe)
	}

	logger.Info().Int("chains", len(orchCfg.Chains)).Msg("main: orchestrator running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("main: shutting down")
	return nil
}

// buildDrivers dials one evmdriver.Driver per chain whose config
// carries an rpc endpoint. Non-EVM chains (solana, bitcoin) need a
// different Driver implementation plugged in here; none ships in this
// repo (§1 out-of-scope: concrete drivers beyond their capability
// contract).
func buildDrivers(ctx context.Context, cfg *configs.Config, logger zerolog.Logger) (map[walletfleet.ChainName]walletfleet.Driver, error) {
	out := make(map[walletfleet.ChainName]walletfleet.Driver, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		if chainCfg.RPC == "" {
			continue
		}
		chainID, ok := new(big.Int).SetString(os.Getenv(fmt.Sprintf("WALLETFLEET_%s_CHAIN_ID", name)), 10)
		if !ok {
			chainID = big.NewInt(1)
		}
		driver, err := evmdriver.Dial(ctx, chainCfg.RPC, chainID, logger.With().Str("chain", name).Logger())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", name, err)
		}
		out[walletfleet.ChainName(name)] = driver
	}
	return out, nil
}

// buildWalletKeys resolves each wallet's signing credential from an
// environment variable named WALLETFLEET_KEY_<address>, keeping raw
// private keys out of config.yml entirely.
func buildWalletKeys(cfg *configs.Config) (map[string]any, error) {
	out := make(map[string]any)
	for _, chainCfg := range cfg.Chains {
		for _, w := range chainCfg.Wallets {
			hexKey := os.Getenv("WALLETFLEET_KEY_" + w.Address)
			if hexKey == "" {
				continue
			}
			key, err := evmdriver.ParseHexKey(hexKey)
			if err != nil {
				return nil, fmt.Errorf("parse key for %s: %w", w.Address, err)
			}
			out[w.Address] = evmdriver.Key{PrivateKey: key}
		}
	}
	return out, nil
}

// coingeckoSource is a minimal walletfleet.PriceSource against the
// public CoinGecko simple-price endpoint; price-oracle internals are
// explicitly out of scope for the core (§1), so this glue stays in
// cmd rather than becoming a reusable package.
type coingeckoSource struct {
	client *http.Client
}

func (s coingeckoSource) Quote(coingeckoID string) (float64, error) {
	url := fmt.Sprintf("https://api.coingecko.com/api/v3/simple/price?ids=%s&vs_currencies=usd", coingeckoID)
	resp, err := s.client.Get(url)
	if err != nil {
		return 0, fmt.Errorf("coingecko: fetch %s: %w", coingeckoID, err)
	}
	defer resp.Body.Close()

	var out map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("coingecko: decode %s: %w", coingeckoID, err)
	}
	usd, ok := out[coingeckoID]["usd"]
	if !ok {
		return 0, fmt.Errorf("coingecko: no usd price for %s", coingeckoID)
	}
	return usd, nil
}
