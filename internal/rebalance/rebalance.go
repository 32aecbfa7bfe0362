// Package rebalance implements component E: a periodic,
// strategy-driven planner and executor that moves value between
// wallets under the same lock discipline the Chain Wallet Manager uses
// for caller-initiated access.
//
// Grounded on chapool-go-wallet's internal/wallet/rebalance service
// (donor/receiver scan on a ticker, sequential transfer-with-retry-gas
// logic, structured zerolog fields per transfer) from the retrieved
// pack, generalized from a single hard-coded min/max-balance strategy
// to the pluggable walletfleet.Strategy contract.
package rebalance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
	"github.com/ChoSanghyuk/walletfleet/internal/scheduler"
)

// LockDelegate is the subset of the Chain Wallet Manager the executor
// needs to serialize transfers against concurrent callers. Routing
// through the manager (rather than the lock registry directly) keeps
// active-wallets-count/wallets-lock-period accounting centralized in
// one place (§4.F).
type LockDelegate interface {
	AcquireLock(ctx context.Context, address string, opts walletfleet.LockOptions) (string, error)
	ReleaseLock(address string, token string) error
}

// Executor runs one chain's rebalance cycle on its own interval,
// independent of the balance poller (§4.E "Concurrency against the
// poller").
type Executor struct {
	chain     walletfleet.ChainName
	network   walletfleet.Network
	driver    walletfleet.Driver
	locks     LockDelegate
	strategy  walletfleet.Strategy
	priceFeed walletfleet.PriceFeed
	cfg       walletfleet.RebalanceConfig
	emit      walletfleet.EventSink
	wallets   map[string]walletfleet.Wallet
	snapshot  func() walletfleet.BalanceTable
	log       zerolog.Logger

	loop *scheduler.Loop
}

// Config bundles Executor's construction-time dependencies.
type Config struct {
	Chain           walletfleet.ChainName
	Network         walletfleet.Network
	Driver          walletfleet.Driver
	Locks           LockDelegate
	Strategy        walletfleet.Strategy
	PriceFeed       walletfleet.PriceFeed // may be nil
	RebalanceConfig walletfleet.RebalanceConfig
	Emit            walletfleet.EventSink
	Wallets         []walletfleet.Wallet
	Snapshot        func() walletfleet.BalanceTable
	Logger          zerolog.Logger
}

// New builds an Executor. The caller is responsible for only
// constructing one when cfg.RebalanceConfig.Enabled and a known
// strategy were resolved (§4.E "Disabled state").
func New(cfg Config) *Executor {
	byAddr := make(map[string]walletfleet.Wallet, len(cfg.Wallets))
	for _, w := range cfg.Wallets {
		byAddr[w.Address] = w
	}

	e := &Executor{
		chain:     cfg.Chain,
		network:   cfg.Network,
		driver:    cfg.Driver,
		locks:     cfg.Locks,
		strategy:  cfg.Strategy,
		priceFeed: cfg.PriceFeed,
		cfg:       cfg.RebalanceConfig,
		emit:      cfg.Emit,
		wallets:   byAddr,
		snapshot:  cfg.Snapshot,
		log:       cfg.Logger,
	}
	e.loop = scheduler.New(cfg.RebalanceConfig.Interval, e.runCycle)
	return e
}

// Start begins the rebalance loop. Idempotent.
func (e *Executor) Start(ctx context.Context) { e.loop.Start(ctx) }

// Stop cancels the loop and waits for any in-flight cycle to observe
// cancellation.
func (e *Executor) Stop() { e.loop.Stop() }

func (e *Executor) runCycle(ctx context.Context) {
	balances := e.snapshot()

	instructions, err := e.strategy.Plan(balances, e.priceFeed)
	if err != nil {
		e.log.Error().Err(err).Str("strategy", e.strategy.Name()).Msg("rebalance: plan failed")
		return
	}
	if len(instructions) == 0 {
		return
	}

	e.emit(walletfleet.NewRebalanceStartedEvent(e.chain, e.strategy.Name(), instructions))

	receipts := make([]walletfleet.InstructionReceipt, 0, len(instructions))
	for _, instr := range instructions {
		if ctx.Err() != nil {
			break
		}

		receipt, execErr := e.executeOne(ctx, instr)
		receipts = append(receipts, walletfleet.InstructionReceipt{
			Instruction: instr,
			Receipt:     receipt,
			Err:         execErr,
		})

		if execErr != nil {
			e.log.Error().
				Err(execErr).
				Str("source", instr.SourceAddress).
				Str("target", instr.TargetAddress).
				Msg("rebalance: instruction failed")

			e.emit(walletfleet.NewRebalanceErrorEvent(e.chain, e.strategy.Name(), instr, execErr))

			if e.strategy.Atomic() {
				break
			}
		}
	}

	e.emit(walletfleet.NewRebalanceFinishedEvent(e.chain, e.strategy.Name(), receipts))
}

func (e *Executor) executeOne(ctx context.Context, instr walletfleet.Instruction) (walletfleet.Receipt, error) {
	source, ok := e.wallets[instr.SourceAddress]
	if !ok {
		return walletfleet.Receipt{}, fmt.Errorf("rebalance: unknown source wallet %s", instr.SourceAddress)
	}
	target := e.wallets[instr.TargetAddress]
	if target.Address == "" {
		target.Address = instr.TargetAddress
	}

	token, err := e.locks.AcquireLock(ctx, instr.SourceAddress, walletfleet.LockOptions{})
	if err != nil {
		return walletfleet.Receipt{}, fmt.Errorf("rebalance: acquire lock on %s: %w", instr.SourceAddress, err)
	}

	hints := walletfleet.TransferHints{
		MaxGasPrice: e.cfg.MaxGasPrice,
		GasLimit:    e.cfg.GasLimit,
	}

	receipt, transferErr := e.driver.Transfer(ctx, source, target, instr.Amount, instr.Token, hints)

	if relErr := e.locks.ReleaseLock(instr.SourceAddress, token); relErr != nil {
		e.log.Warn().Err(relErr).Str("address", instr.SourceAddress).Msg("rebalance: release after transfer failed")
	}

	if transferErr != nil {
		return receipt, fmt.Errorf("rebalance: transfer %s -> %s: %w", instr.SourceAddress, instr.TargetAddress, transferErr)
	}
	return receipt, nil
}

