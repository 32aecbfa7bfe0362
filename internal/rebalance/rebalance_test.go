package rebalance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

type fakeStrategy struct {
	name         string
	instructions []walletfleet.Instruction
	planErr      error
	atomic       bool
}

func (s *fakeStrategy) Name() string { return s.name }
func (s *fakeStrategy) Plan(walletfleet.BalanceTable, walletfleet.PriceFeed) ([]walletfleet.Instruction, error) {
	return s.instructions, s.planErr
}
func (s *fakeStrategy) Atomic() bool { return s.atomic }

type fakeLocks struct {
	mu       sync.Mutex
	acquired []string
	released []string
	acquireErr map[string]error
}

func (l *fakeLocks) AcquireLock(_ context.Context, address string, _ walletfleet.LockOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.acquireErr[address]; ok {
		return "", err
	}
	l.acquired = append(l.acquired, address)
	return "token-" + address, nil
}

func (l *fakeLocks) ReleaseLock(address string, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, address)
	return nil
}

type fakeDriver struct {
	mu        sync.Mutex
	transfers []walletfleet.Instruction
	failOn    string
}

func (d *fakeDriver) PullBalances(context.Context, []walletfleet.Wallet) (walletfleet.PullBalancesResult, error) {
	return walletfleet.PullBalancesResult{}, nil
}
func (d *fakeDriver) PullBalancesAtBlockHeight(context.Context, []walletfleet.Wallet, uint64) (walletfleet.PullBalancesResult, error) {
	return walletfleet.PullBalancesResult{}, nil
}
func (d *fakeDriver) GetBlockHeight(context.Context) (uint64, error) { return 0, nil }

func (d *fakeDriver) Transfer(_ context.Context, from, to walletfleet.Wallet, amount string, token walletfleet.TokenSpec, _ walletfleet.TransferHints) (walletfleet.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers = append(d.transfers, walletfleet.Instruction{
		SourceAddress: from.Address, TargetAddress: to.Address, Amount: amount, Token: token,
	})
	if d.failOn != "" && from.Address == d.failOn {
		return walletfleet.Receipt{Success: false}, errors.New("transfer rejected")
	}
	return walletfleet.Receipt{TxID: "tx-" + from.Address, Success: true}, nil
}

func newExecutor(t *testing.T, strategy *fakeStrategy, driver *fakeDriver, locks *fakeLocks) (*Executor, *eventCollector) {
	t.Helper()
	events := &eventCollector{}
	wallets := []walletfleet.Wallet{{Address: "wallet-a"}, {Address: "wallet-b"}}
	exec := New(Config{
		Chain:    walletfleet.Ethereum,
		Network:  "mainnet",
		Driver:   driver,
		Locks:    locks,
		Strategy: strategy,
		RebalanceConfig: walletfleet.RebalanceConfig{
			Interval: 0, // run once per Start/runCycle call in these tests
		},
		Emit:     events.record,
		Wallets:  wallets,
		Snapshot: func() walletfleet.BalanceTable { return walletfleet.BalanceTable{} },
	})
	return exec, events
}

type eventCollector struct {
	mu     sync.Mutex
	events []walletfleet.Event
}

func (c *eventCollector) record(ev walletfleet.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) all() []walletfleet.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]walletfleet.Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestRunCycle_EmptyPlanEmitsNothing(t *testing.T) {
	strategy := &fakeStrategy{name: "noop"}
	driver := &fakeDriver{}
	locks := &fakeLocks{}
	exec, events := newExecutor(t, strategy, driver, locks)

	exec.runCycle(context.Background())

	assert.Empty(t, events.all())
	assert.Empty(t, driver.transfers)
}

func TestRunCycle_SuccessfulBatchEmitsStartedAndFinished(t *testing.T) {
	instr := []walletfleet.Instruction{
		{SourceAddress: "wallet-a", TargetAddress: "wallet-b", Amount: "10", Token: walletfleet.TokenSpec{Symbol: "ETH", IsNative: true}},
	}
	strategy := &fakeStrategy{name: "rebalance-to-target", instructions: instr}
	driver := &fakeDriver{}
	locks := &fakeLocks{}
	exec, events := newExecutor(t, strategy, driver, locks)

	exec.runCycle(context.Background())

	all := events.all()
	require.Len(t, all, 2)

	started, ok := all[0].(walletfleet.RebalanceStartedEvent)
	require.True(t, ok)
	assert.Equal(t, "rebalance-to-target", started.Strategy)
	assert.Equal(t, instr, started.Instructions)

	finished, ok := all[1].(walletfleet.RebalanceFinishedEvent)
	require.True(t, ok)
	require.Len(t, finished.Receipts, 1)
	assert.True(t, finished.Receipts[0].Receipt.Success)
	assert.NoError(t, finished.Receipts[0].Err)

	assert.Equal(t, []string{"wallet-a"}, locks.acquired)
	assert.Equal(t, []string{"wallet-a"}, locks.released)
}

func TestRunCycle_FailureContinuesWhenNotAtomic(t *testing.T) {
	instr := []walletfleet.Instruction{
		{SourceAddress: "wallet-a", TargetAddress: "wallet-b", Amount: "5"},
		{SourceAddress: "wallet-b", TargetAddress: "wallet-a", Amount: "3"},
	}
	strategy := &fakeStrategy{name: "two-way", instructions: instr, atomic: false}
	driver := &fakeDriver{failOn: "wallet-a"}
	locks := &fakeLocks{}
	exec, events := newExecutor(t, strategy, driver, locks)

	exec.runCycle(context.Background())

	// Both instructions attempted despite the first failing.
	require.Len(t, driver.transfers, 2)

	all := events.all()
	var errEvents, finishedEvents int
	var finished walletfleet.RebalanceFinishedEvent
	for _, ev := range all {
		switch e := ev.(type) {
		case walletfleet.RebalanceErrorEvent:
			errEvents++
			assert.Equal(t, "wallet-a", e.Instruction.SourceAddress)
		case walletfleet.RebalanceFinishedEvent:
			finishedEvents++
			finished = e
		}
	}
	assert.Equal(t, 1, errEvents)
	assert.Equal(t, 1, finishedEvents)
	require.Len(t, finished.Receipts, 2)
	assert.Error(t, finished.Receipts[0].Err)
	assert.NoError(t, finished.Receipts[1].Err)
}

func TestRunCycle_AtomicStrategyAbortsRemainingBatch(t *testing.T) {
	instr := []walletfleet.Instruction{
		{SourceAddress: "wallet-a", TargetAddress: "wallet-b", Amount: "5"},
		{SourceAddress: "wallet-b", TargetAddress: "wallet-a", Amount: "3"},
	}
	strategy := &fakeStrategy{name: "atomic-batch", instructions: instr, atomic: true}
	driver := &fakeDriver{failOn: "wallet-a"}
	locks := &fakeLocks{}
	exec, events := newExecutor(t, strategy, driver, locks)

	exec.runCycle(context.Background())

	// Only the first (failing) instruction should have been attempted.
	require.Len(t, driver.transfers, 1)

	all := events.all()
	finished, ok := all[len(all)-1].(walletfleet.RebalanceFinishedEvent)
	require.True(t, ok)
	require.Len(t, finished.Receipts, 1)
	assert.Error(t, finished.Receipts[0].Err)
}

func TestRunCycle_PlanErrorEmitsNoEvents(t *testing.T) {
	strategy := &fakeStrategy{name: "broken", planErr: errors.New("bad plan")}
	driver := &fakeDriver{}
	locks := &fakeLocks{}
	exec, events := newExecutor(t, strategy, driver, locks)

	exec.runCycle(context.Background())

	assert.Empty(t, events.all())
}

func TestRunCycle_UnknownSourceWalletFailsInstructionButContinues(t *testing.T) {
	instr := []walletfleet.Instruction{
		{SourceAddress: "ghost-wallet", TargetAddress: "wallet-b", Amount: "1"},
	}
	strategy := &fakeStrategy{name: "ghost", instructions: instr}
	driver := &fakeDriver{}
	locks := &fakeLocks{}
	exec, events := newExecutor(t, strategy, driver, locks)

	exec.runCycle(context.Background())

	assert.Empty(t, locks.acquired)
	all := events.all()
	finished, ok := all[len(all)-1].(walletfleet.RebalanceFinishedEvent)
	require.True(t, ok)
	require.Len(t, finished.Receipts, 1)
	assert.Error(t, finished.Receipts[0].Err)
}

func TestStartStop_RunsAndQuiescesCleanly(t *testing.T) {
	strategy := &fakeStrategy{name: "noop"}
	driver := &fakeDriver{}
	locks := &fakeLocks{}
	exec, _ := newExecutor(t, strategy, driver, locks)

	exec.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	exec.Stop()
}
