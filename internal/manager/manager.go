// Package manager implements component F, the Chain Wallet Manager:
// the sole owner of one ChainKey's balance table and the sole emitter
// of its events. It composes the balance poller (via
// internal/scheduler), the lock registry (internal/lockregistry), and
// an optional rebalance executor (internal/rebalance).
//
// Grounded on the teacher's blackhole.go wallet-driver wrapper for the
// request/receipt shape, and on go-crypto-bot-clean's balance_service
// for the mutex-guarded cache + stopCh lifecycle this manager
// generalizes to a full per-chain component.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
	"github.com/ChoSanghyuk/walletfleet/internal/lockregistry"
	"github.com/ChoSanghyuk/walletfleet/internal/rebalance"
	"github.com/ChoSanghyuk/walletfleet/internal/scheduler"
)

// Rebalancer is the subset of rebalance.Executor the manager drives.
// Declared here (rather than importing the concrete type everywhere)
// so tests can stub it.
type Rebalancer interface {
	Start(ctx context.Context)
	Stop()
}

// Config bundles Manager's construction-time dependencies.
type Config struct {
	Chain   walletfleet.ChainName
	Network walletfleet.Network
	Driver  walletfleet.Driver
	Wallets []walletfleet.Wallet

	// PollInterval <= 0 disables automatic polling (§4.C edge case):
	// balances are only refreshed via PullBalances.
	PollInterval time.Duration

	Emit       walletfleet.EventSink
	Rebalancer Rebalancer // nil when rebalance is disabled for this chain (§4.E "Disabled state")
	Logger     zerolog.Logger
}

// Manager owns one ChainKey end to end.
type Manager struct {
	chain   walletfleet.ChainName
	network walletfleet.Network
	driver  walletfleet.Driver
	wallets []walletfleet.Wallet

	emit       walletfleet.EventSink
	rebalancer Rebalancer
	log        zerolog.Logger

	pollInterval time.Duration
	poll         *scheduler.Loop
	locks        *lockregistry.Registry
	sf           singleflight.Group

	balMu    sync.RWMutex
	balances walletfleet.BalanceTable

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
}

// New constructs a Manager in the not-yet-started state.
func New(cfg Config) *Manager {
	m := &Manager{
		chain:        cfg.Chain,
		network:      cfg.Network,
		driver:       cfg.Driver,
		wallets:      cfg.Wallets,
		emit:         cfg.Emit,
		rebalancer:   cfg.Rebalancer,
		log:          cfg.Logger,
		pollInterval: cfg.PollInterval,
		locks:        lockregistry.New(cfg.Logger),
		balances:     walletfleet.BalanceTable{},
	}
	m.poll = scheduler.New(cfg.PollInterval, m.refresh)
	return m
}

// SetRebalancer attaches the rebalance executor after construction,
// breaking the Manager/rebalance.Executor construction cycle (the
// executor's lock delegate is the manager itself). Must be called
// before Start.
func (m *Manager) SetRebalancer(r Rebalancer) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	m.rebalancer = r
}

// Start is idempotent; subsequent calls after Stop are forbidden
// (terminal state, §4.F).
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopped {
		return walletfleet.ErrManagerStopped
	}
	if m.started {
		return nil
	}
	m.started = true

	// PollInterval <= 0 disables automatic polling entirely (§4.C edge
	// case): balances must only change via explicit PullBalances, so
	// the poller must not even run once.
	if m.pollInterval > 0 {
		m.poll.Start(ctx)
	}
	if m.rebalancer != nil {
		m.rebalancer.Start(ctx)
	}
	return nil
}

// Stop cancels the poller and rebalancer, and drains the lock registry
// so no new waiter is queued afterward (§5 "Cancellation"). Currently
// held locks are left untouched — their holders release normally.
// Stop is idempotent; Start after Stop always fails.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true

	m.poll.Stop()
	if m.rebalancer != nil {
		m.rebalancer.Stop()
	}
	m.locks.Stop()
}

// AcquireLock delegates to the lock registry and emits
// active-wallets-count on success (§4.F "Active-wallet accounting").
func (m *Manager) AcquireLock(ctx context.Context, address string, opts walletfleet.LockOptions) (string, error) {
	token, err := m.locks.Acquire(ctx, address, opts)
	if err != nil {
		return "", err
	}
	m.emitActiveWalletsCount()
	return token, nil
}

// ReleaseLock delegates to the lock registry, then emits
// wallets-lock-period followed by active-wallets-count.
func (m *Manager) ReleaseLock(address string, token string) error {
	held, err := m.locks.Release(address, token)
	if err != nil {
		m.log.Warn().Err(err).Str("chain", string(m.chain)).Str("address", address).Msg("manager: release lock failed")
		return err
	}
	if held > 0 {
		m.emit(walletfleet.NewWalletsLockPeriodEvent(m.chain, m.network, address, held.Milliseconds()))
	}
	m.emitActiveWalletsCount()
	return nil
}

func (m *Manager) emitActiveWalletsCount() {
	m.emit(walletfleet.NewActiveWalletsCountEvent(m.chain, m.network, m.locks.HeldCount()))
}

// GetBalances returns the current snapshot without touching the
// driver (§4.F "getBalances").
func (m *Manager) GetBalances() walletfleet.BalanceTable {
	m.balMu.RLock()
	defer m.balMu.RUnlock()
	return m.balances.Clone()
}

// PullBalances forces one refresh and returns the resulting snapshot.
// Concurrent callers share a single in-flight refresh via singleflight
// (§4.F "pullBalances").
func (m *Manager) PullBalances(ctx context.Context) (walletfleet.BalanceTable, error) {
	key := "pull"
	_, err, _ := m.sf.Do(key, func() (any, error) {
		m.refresh(ctx)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return m.GetBalances(), nil
}

// PullBalancesAtBlockHeight queries the driver as of height without
// touching the persistent snapshot (§4.F).
func (m *Manager) PullBalancesAtBlockHeight(ctx context.Context, height uint64) (walletfleet.BalanceTable, error) {
	result, err := m.driver.PullBalancesAtBlockHeight(ctx, m.wallets, height)
	if err != nil {
		return nil, &walletfleet.DriverError{Chain: m.chain, Err: err}
	}
	table := walletfleet.BalanceTable(result.Balances)
	if table == nil {
		table = walletfleet.BalanceTable{}
	}
	return table.Clone(), nil
}

// GetBlockHeight delegates to the driver.
func (m *Manager) GetBlockHeight(ctx context.Context) (uint64, error) {
	height, err := m.driver.GetBlockHeight(ctx)
	if err != nil {
		return 0, &walletfleet.DriverError{Chain: m.chain, Err: err}
	}
	return height, nil
}

// refresh runs one poll cycle: query the driver, merge failed wallets'
// prior balances into the new snapshot (best-effort continuity, §4.C
// edge case), publish the new snapshot, and emit balances/error events.
func (m *Manager) refresh(ctx context.Context) {
	result, err := m.driver.PullBalances(ctx, m.wallets)
	if err != nil {
		m.log.Error().Err(err).Str("chain", string(m.chain)).Msg("manager: refresh failed")
		m.emit(walletfleet.NewErrorEvent(m.chain, &walletfleet.DriverError{Chain: m.chain, Err: err}))
		return
	}

	previous := m.GetBalances()

	next := make(walletfleet.BalanceTable, len(m.wallets))
	for addr, balances := range result.Balances {
		next[addr] = balances
	}
	for addr, failErr := range result.Failed {
		m.log.Warn().Err(failErr).Str("chain", string(m.chain)).Str("address", addr).Msg("manager: wallet refresh failed, retaining prior balance")
		m.emit(walletfleet.NewErrorEvent(m.chain, &walletfleet.DriverError{Chain: m.chain, Addr: addr, Err: failErr}))
		if prior, ok := previous[addr]; ok {
			if _, already := next[addr]; !already {
				next[addr] = prior
			}
		}
	}

	m.balMu.Lock()
	m.balances = next
	m.balMu.Unlock()

	m.emit(walletfleet.NewBalancesEvent(m.chain, m.network, next.Clone(), previous))
}

var _ rebalance.LockDelegate = (*Manager)(nil)

func (m *Manager) String() string {
	return fmt.Sprintf("manager(%s/%s)", m.chain, m.network)
}
