// Package orchestrator implements component G: constructs a Chain
// Wallet Manager per configured chain, fans cross-chain queries out
// with bounded concurrency, and multiplexes every manager's events
// onto one shared bus.
//
// Grounded on the teacher's cmd/main.go wiring style (build drivers,
// build the engine, run) generalized from a single-chain DEX bot to a
// multi-chain fleet, and on chapool-go-wallet's use of bounded
// goroutine fanout for cross-wallet operations.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
	"github.com/ChoSanghyuk/walletfleet/internal/manager"
	"github.com/ChoSanghyuk/walletfleet/internal/pricefeed"
	"github.com/ChoSanghyuk/walletfleet/internal/rebalance"
)

// chainManager is the subset of *manager.Manager the orchestrator
// depends on; declared locally so tests can stub it without spinning
// up a real manager.
type chainManager interface {
	Start(ctx context.Context) error
	Stop()
	AcquireLock(ctx context.Context, address string, opts walletfleet.LockOptions) (string, error)
	ReleaseLock(address string, token string) error
	GetBalances() walletfleet.BalanceTable
	PullBalances(ctx context.Context) (walletfleet.BalanceTable, error)
	PullBalancesAtBlockHeight(ctx context.Context, height uint64) (walletfleet.BalanceTable, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
}

const defaultFanoutConcurrency = 4

// Orchestrator owns the full set of Chain Wallet Managers and the
// process-lifetime shared price feed.
type Orchestrator struct {
	managers map[walletfleet.ChainName]chainManager
	keys     map[walletfleet.ChainName]walletfleet.ChainKey

	bus         *walletfleet.EventBus
	priceFeed   walletfleet.PriceFeed
	scheduledFeed *pricefeed.Scheduled

	fanoutConcurrency int
	log               zerolog.Logger
}

// New validates cfg, builds one Manager (and optional rebalance
// Executor) per valid chain, wires their events into the returned
// Orchestrator's bus, and starts them (§4.G "Construction"). The
// returned Orchestrator is already running; call Stop to tear it down.
func New(ctx context.Context, cfg walletfleet.OrchestratorConfig, logger zerolog.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		managers: make(map[walletfleet.ChainName]chainManager),
		keys:     make(map[walletfleet.ChainName]walletfleet.ChainKey),
		bus:      walletfleet.NewEventBus(),
		log:      logger,
	}

	o.fanoutConcurrency = cfg.FanoutConcurrency
	if o.fanoutConcurrency <= 0 {
		o.fanoutConcurrency = defaultFanoutConcurrency
	}

	if cfg.PriceFeedOptions.Enabled {
		if cfg.PriceFeedOptions.Source == nil {
			return nil, &walletfleet.ConfigError{Reason: "priceFeedOptions.enabled without a source"}
		}
		if cfg.PriceFeedOptions.Scheduled.Enabled {
			tokens := walletfleet.PreparePriceFeedConfig(perChainPriceFeedConfig(cfg))
			scheduled := pricefeed.NewScheduled(cfg.PriceFeedOptions.Source, tokens, cfg.PriceFeedOptions.Scheduled.Interval)
			scheduled.Start(ctx)
			o.scheduledFeed = scheduled
			o.priceFeed = scheduled
		} else {
			o.priceFeed = pricefeed.NewOnDemand(cfg.PriceFeedOptions.Source, time.Minute)
		}
	}

	for chainName, chainCfg := range cfg.Chains {
		if !chainName.Known() {
			if cfg.FailOnInvalidChain {
				return nil, &walletfleet.ConfigError{Reason: fmt.Sprintf("unknown chain %q", chainName)}
			}
			logger.Warn().Str("chain", string(chainName)).Msg("orchestrator: skipping unknown chain")
			continue
		}

		wallets, err := filterInvalidTokens(chainName, chainCfg.Wallets, cfg.FailOnInvalidTokens, logger)
		if err != nil {
			return nil, err
		}
		chainCfg.Wallets = wallets

		key := walletfleet.NewChainKey(chainName, chainCfg.Network)
		o.keys[chainName] = key

		emit := o.bus.Emit

		mgr := manager.New(manager.Config{
			Chain:        chainName,
			Network:      key.Network,
			Driver:       chainCfg.Driver,
			Wallets:      chainCfg.Wallets,
			PollInterval: pollIntervalFor(cfg.BalancePollInterval, chainCfg.WalletBalance),
			Emit:         emit,
			Logger:       logger,
		})

		if chainCfg.Rebalance.Enabled {
			strategy, ok := walletfleet.LookupStrategy(chainCfg.Rebalance.Strategy, chainCfg.Rebalance)
			if !ok {
				logger.Warn().
					Str("chain", string(chainName)).
					Str("strategy", chainCfg.Rebalance.Strategy).
					Msg("orchestrator: rebalance disabled, unknown strategy")
			} else {
				exec := rebalance.New(rebalance.Config{
					Chain:           chainName,
					Network:         key.Network,
					Driver:          chainCfg.Driver,
					Locks:           mgr,
					Strategy:        strategy,
					PriceFeed:       o.priceFeed,
					RebalanceConfig: chainCfg.Rebalance,
					Emit:            emit,
					Wallets:         chainCfg.Wallets,
					Snapshot:        mgr.GetBalances,
					Logger:          logger,
				})
				mgr.SetRebalancer(exec)
			}
		}

		o.managers[chainName] = mgr
	}

	for chainName, mgr := range o.managers {
		if err := mgr.Start(ctx); err != nil {
			return nil, fmt.Errorf("orchestrator: start %s: %w", chainName, err)
		}
	}

	return o, nil
}

func perChainPriceFeedConfig(cfg walletfleet.OrchestratorConfig) map[walletfleet.ChainName]walletfleet.PriceFeedConfig {
	out := make(map[walletfleet.ChainName]walletfleet.PriceFeedConfig, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		out[name] = chainCfg.PriceFeedConfig
	}
	return out
}

// filterInvalidTokens checks every wallet's ExpectedTokens against
// TokenSpec.Valid, mirroring the FailOnInvalidChain treatment above:
// failOnInvalidTokens set turns the first invalid token into a fatal
// ConfigError, otherwise it is logged and dropped from the wallet so
// the driver never sees it.
func filterInvalidTokens(chain walletfleet.ChainName, wallets []walletfleet.Wallet, failOnInvalidTokens bool, logger zerolog.Logger) ([]walletfleet.Wallet, error) {
	out := make([]walletfleet.Wallet, len(wallets))
	for i, w := range wallets {
		tokens := make([]walletfleet.TokenSpec, 0, len(w.ExpectedTokens))
		for _, token := range w.ExpectedTokens {
			if token.Valid() {
				tokens = append(tokens, token)
				continue
			}
			if failOnInvalidTokens {
				return nil, &walletfleet.ConfigError{Reason: fmt.Sprintf("wallet %s: invalid token %q on chain %q", w.Address, token.Symbol, chain)}
			}
			logger.Warn().
				Str("chain", string(chain)).
				Str("address", w.Address).
				Str("symbol", token.Symbol).
				Msg("orchestrator: skipping invalid token")
		}
		w.ExpectedTokens = tokens
		out[i] = w
	}
	return out, nil
}

func pollIntervalFor(def time.Duration, wbc walletfleet.WalletBalanceConfig) time.Duration {
	if !wbc.Enabled {
		return 0
	}
	if wbc.Scheduled.Enabled && wbc.Scheduled.Interval > 0 {
		return wbc.Scheduled.Interval
	}
	return def
}

// Subscribe registers sink on the orchestrator's shared event bus
// (e.g. the metrics sink's Observe method).
func (o *Orchestrator) Subscribe(sink walletfleet.EventSink) {
	o.bus.Subscribe(sink)
}

// Stop stops every chain manager and the shared scheduled price feed,
// if any.
func (o *Orchestrator) Stop() {
	for _, mgr := range o.managers {
		mgr.Stop()
	}
	if o.scheduledFeed != nil {
		o.scheduledFeed.Stop()
	}
}

func (o *Orchestrator) managerFor(chain walletfleet.ChainName) (chainManager, error) {
	mgr, ok := o.managers[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", walletfleet.ErrUnknownChain, chain)
	}
	return mgr, nil
}

// GetAllBalances fans GetBalances out across every configured chain
// (Testable Property 6: "an entry for every configured (valid) chain,
// and only those"), through the same fanoutConcurrency-bounded helper
// as PullBalances. GetBalances never touches the driver and never
// fails, so there is no per-chain error to return.
func (o *Orchestrator) GetAllBalances() map[walletfleet.ChainName]walletfleet.BalanceTable {
	out, _ := o.fanoutBalances(context.Background(), func(_ context.Context, mgr chainManager) (walletfleet.BalanceTable, error) {
		return mgr.GetBalances(), nil
	})
	return out
}

// PullBalances forces a refresh on every chain, bounded by
// fanoutConcurrency, and surfaces each chain's error independently
// (§4.G "Cross-chain fanout").
func (o *Orchestrator) PullBalances(ctx context.Context) (map[walletfleet.ChainName]walletfleet.BalanceTable, map[walletfleet.ChainName]error) {
	return o.fanoutBalances(ctx, func(ctx context.Context, mgr chainManager) (walletfleet.BalanceTable, error) {
		return mgr.PullBalances(ctx)
	})
}

// PullBalancesAtBlockHeight fans out a pull at a fixed height per
// chain; it never updates persistent snapshots.
func (o *Orchestrator) PullBalancesAtBlockHeight(ctx context.Context, heightsByChain map[walletfleet.ChainName]uint64) (map[walletfleet.ChainName]walletfleet.BalanceTable, error) {
	if heightsByChain == nil {
		heights, err := o.GetBlockHeightForAllSupportedChains(ctx)
		if err != nil {
			return nil, err
		}
		heightsByChain = heights
	} else {
		for chain := range heightsByChain {
			if _, ok := o.managers[chain]; !ok {
				return nil, fmt.Errorf("%w: %s", walletfleet.ErrUnknownChain, chain)
			}
		}
	}

	out := make(map[walletfleet.ChainName]walletfleet.BalanceTable, len(heightsByChain))
	var mu sync.Mutex
	sem := semaphore.NewWeighted(int64(o.fanoutConcurrency))
	var wg sync.WaitGroup
	var firstErr error

	for chain, height := range heightsByChain {
		mgr, err := o.managerFor(chain)
		if err != nil {
			return nil, err
		}
		wg.Add(1)
		go func(chain walletfleet.ChainName, mgr chainManager, height uint64) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			balances, err := mgr.PullBalancesAtBlockHeight(ctx, height)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", chain, err)
				}
				return
			}
			out[chain] = balances
		}(chain, mgr, height)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// fanoutBalances runs op across every manager bounded by
// fanoutConcurrency, collecting each chain's result or error
// independently — a failure on one chain never aborts the others.
func (o *Orchestrator) fanoutBalances(ctx context.Context, op func(context.Context, chainManager) (walletfleet.BalanceTable, error)) (map[walletfleet.ChainName]walletfleet.BalanceTable, map[walletfleet.ChainName]error) {
	results := make(map[walletfleet.ChainName]walletfleet.BalanceTable, len(o.managers))
	errs := make(map[walletfleet.ChainName]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(o.fanoutConcurrency))

	for chain, mgr := range o.managers {
		wg.Add(1)
		go func(chain walletfleet.ChainName, mgr chainManager) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				errs[chain] = err
				mu.Unlock()
				return
			}
			defer sem.Release(1)

			balances, err := op(ctx, mgr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[chain] = fmt.Errorf("%s: %w", chain, err)
				return
			}
			results[chain] = balances
		}(chain, mgr)
	}
	wg.Wait()
	return results, errs
}

// GetBlockHeightForAllSupportedChains queries every configured chain's
// block height concurrently with a bound equal to the number of
// chains (tightest coherence across chains, §4.G rationale), aborting
// the whole call on the first failure (no partial result).
func (o *Orchestrator) GetBlockHeightForAllSupportedChains(ctx context.Context) (map[walletfleet.ChainName]uint64, error) {
	g, gctx := errgroup.WithContext(ctx)

	out := make(map[walletfleet.ChainName]uint64, len(o.managers))
	var mu sync.Mutex

	for chain, mgr := range o.managers {
		chain, mgr := chain, mgr
		g.Go(func() error {
			height, err := mgr.GetBlockHeight(gctx)
			if err != nil {
				return &walletfleet.BlockHeightUnavailableError{Chain: chain, Err: err}
			}
			mu.Lock()
			out[chain] = height
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WithWallet acquires address's lock on chain, invokes fn, and
// releases on every exit path — success, error, or panic unwinding
// through the deferred release (§4.G "withWallet"). opts.LeaseTimeout
// is ignored; fn's own ctx governs how long it may run.
func (o *Orchestrator) WithWallet(ctx context.Context, chain walletfleet.ChainName, address string, opts walletfleet.LockOptions, fn func(ctx context.Context) error) error {
	mgr, err := o.managerFor(chain)
	if err != nil {
		return err
	}

	opts.LeaseTimeout = 0
	token, err := mgr.AcquireLock(ctx, address, opts)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := mgr.ReleaseLock(address, token); relErr != nil {
			o.log.Warn().Err(relErr).Str("chain", string(chain)).Str("address", address).Msg("orchestrator: release after withWallet failed")
		}
	}()

	return fn(ctx)
}
