package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

type stubManager struct {
	mu        sync.Mutex
	balances  walletfleet.BalanceTable
	heightErr error
	height    uint64
	held      map[string]string
}

func newStubManager(balances walletfleet.BalanceTable) *stubManager {
	return &stubManager{balances: balances, held: make(map[string]string)}
}

func (s *stubManager) Start(context.Context) error { return nil }
func (s *stubManager) Stop()                       {}

func (s *stubManager) AcquireLock(_ context.Context, address string, _ walletfleet.LockOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := "tok-" + address
	s.held[address] = token
	return token, nil
}

func (s *stubManager) ReleaseLock(address string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[address] != token {
		return walletfleet.ErrNotHeld
	}
	delete(s.held, address)
	return nil
}

func (s *stubManager) GetBalances() walletfleet.BalanceTable { return s.balances.Clone() }

func (s *stubManager) PullBalances(context.Context) (walletfleet.BalanceTable, error) {
	return s.balances.Clone(), nil
}

func (s *stubManager) PullBalancesAtBlockHeight(context.Context, uint64) (walletfleet.BalanceTable, error) {
	return s.balances.Clone(), nil
}

func (s *stubManager) GetBlockHeight(context.Context) (uint64, error) {
	if s.heightErr != nil {
		return 0, s.heightErr
	}
	return s.height, nil
}

func newTestOrchestrator(managers map[walletfleet.ChainName]chainManager) *Orchestrator {
	return &Orchestrator{
		managers:          managers,
		keys:              make(map[walletfleet.ChainName]walletfleet.ChainKey),
		bus:               walletfleet.NewEventBus(),
		fanoutConcurrency: 2,
	}
}

// Testable property 6: fanout completeness.
func TestGetAllBalances_CoversExactlyConfiguredChains(t *testing.T) {
	o := newTestOrchestrator(map[walletfleet.ChainName]chainManager{
		walletfleet.Ethereum: newStubManager(walletfleet.BalanceTable{"0xA": nil}),
		walletfleet.Polygon:  newStubManager(walletfleet.BalanceTable{"0xB": nil}),
	})

	all := o.GetAllBalances()

	assert.Len(t, all, 2)
	assert.Contains(t, all, walletfleet.Ethereum)
	assert.Contains(t, all, walletfleet.Polygon)
}

func TestPullBalances_PerChainErrorsDoNotAbortOthers(t *testing.T) {
	good := newStubManager(walletfleet.BalanceTable{"0xA": nil})
	bad := &failingPull{stubManager: newStubManager(nil)}

	o := newTestOrchestrator(map[walletfleet.ChainName]chainManager{
		walletfleet.Ethereum: good,
		walletfleet.Polygon:  bad,
	})

	results, errs := o.PullBalances(context.Background())

	assert.Contains(t, results, walletfleet.Ethereum)
	assert.NotContains(t, results, walletfleet.Polygon)
	assert.Contains(t, errs, walletfleet.Polygon)
}

type failingPull struct {
	*stubManager
}

func (f *failingPull) PullBalances(context.Context) (walletfleet.BalanceTable, error) {
	return nil, errors.New("rpc down")
}

// S5: block-height fanout.
func TestGetBlockHeightForAllSupportedChains_AllSucceed(t *testing.T) {
	eth := newStubManager(nil)
	eth.height = 100
	poly := newStubManager(nil)
	poly.height = 200
	bsc := newStubManager(nil)
	bsc.height = 300

	o := newTestOrchestrator(map[walletfleet.ChainName]chainManager{
		walletfleet.Ethereum:          eth,
		walletfleet.Polygon:           poly,
		walletfleet.BinanceSmartChain: bsc,
	})

	heights, err := o.GetBlockHeightForAllSupportedChains(context.Background())
	require.NoError(t, err)
	assert.Len(t, heights, 3)
	assert.Equal(t, uint64(100), heights[walletfleet.Ethereum])
}

func TestGetBlockHeightForAllSupportedChains_OneFailureAbortsWithChainName(t *testing.T) {
	eth := newStubManager(nil)
	poly := newStubManager(nil)
	poly.heightErr = errors.New("node unreachable")

	o := newTestOrchestrator(map[walletfleet.ChainName]chainManager{
		walletfleet.Ethereum: eth,
		walletfleet.Polygon:  poly,
	})

	_, err := o.GetBlockHeightForAllSupportedChains(context.Background())
	require.Error(t, err)

	var heightErr *walletfleet.BlockHeightUnavailableError
	require.ErrorAs(t, err, &heightErr)
	assert.Equal(t, walletfleet.Polygon, heightErr.Chain)
}

// S6: withWallet releases on failure.
func TestWithWallet_ReleasesOnFailure(t *testing.T) {
	mgr := newStubManager(nil)
	o := newTestOrchestrator(map[walletfleet.ChainName]chainManager{walletfleet.Ethereum: mgr})

	boom := errors.New("boom")
	err := o.WithWallet(context.Background(), walletfleet.Ethereum, "0xA", walletfleet.LockOptions{}, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// released: a fresh acquire immediately succeeds.
	token, acquireErr := mgr.AcquireLock(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, acquireErr)
	assert.NotEmpty(t, token)
}

func TestWithWallet_UnknownChain(t *testing.T) {
	o := newTestOrchestrator(map[walletfleet.ChainName]chainManager{})

	err := o.WithWallet(context.Background(), walletfleet.Ethereum, "0xA", walletfleet.LockOptions{}, func(context.Context) error {
		return nil
	})
	assert.ErrorIs(t, err, walletfleet.ErrUnknownChain)
}

func TestPullBalancesAtBlockHeight_RejectsUnknownChainKey(t *testing.T) {
	o := newTestOrchestrator(map[walletfleet.ChainName]chainManager{
		walletfleet.Ethereum: newStubManager(nil),
	})

	_, err := o.PullBalancesAtBlockHeight(context.Background(), map[walletfleet.ChainName]uint64{
		walletfleet.Polygon: 10,
	})
	assert.ErrorIs(t, err, walletfleet.ErrUnknownChain)
}
