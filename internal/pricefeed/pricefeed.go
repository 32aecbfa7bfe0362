// Package pricefeed implements the two price-feed modes the
// Orchestrator can build over a walletfleet.PriceSource (§4.G
// "Construction"): OnDemand (lazy per-query fetch with an internal
// cache) and Scheduled (periodic background warm of the supported
// token union).
//
// Grounded on go-crypto-bot-clean's balance_service.go.go: the
// RWMutex-guarded cache with a TTL and a stopCh-driven background
// refresher, adapted here from wallet balances to token prices.
package pricefeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

type cacheEntry struct {
	price     float64
	fetchedAt time.Time
}

// OnDemand fetches lazily and caches each quote for ttl. A ttl of zero
// means every call hits the source.
type OnDemand struct {
	source walletfleet.PriceSource
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewOnDemand builds a lazy, cache-backed PriceFeed.
func NewOnDemand(source walletfleet.PriceSource, ttl time.Duration) *OnDemand {
	return &OnDemand{source: source, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Price returns the cached quote if still fresh, else fetches and
// caches a new one.
func (f *OnDemand) Price(_ context.Context, coingeckoID string) (float64, error) {
	if f.ttl > 0 {
		f.mu.RLock()
		entry, ok := f.cache[coingeckoID]
		f.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < f.ttl {
			return entry.price, nil
		}
	}

	price, err := f.source.Quote(coingeckoID)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: quote %s: %w", coingeckoID, err)
	}

	f.mu.Lock()
	f.cache[coingeckoID] = cacheEntry{price: price, fetchedAt: time.Now()}
	f.mu.Unlock()

	return price, nil
}

// Scheduled periodically warms a fixed set of tokens in the
// background and serves reads from its cache without ever blocking on
// the source (§5 "the price feed, when Scheduled, owns one background
// refresher and serves reads from its cache without blocking").
type Scheduled struct {
	source walletfleet.PriceSource
	tokens []string

	mu    sync.RWMutex
	cache map[string]float64

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	startMu  sync.Mutex
}

// NewScheduled builds a background-refreshing PriceFeed over tokens,
// typically walletfleet.PreparePriceFeedConfig's output.
func NewScheduled(source walletfleet.PriceSource, tokens []string, interval time.Duration) *Scheduled {
	return &Scheduled{source: source, tokens: tokens, cache: make(map[string]float64), interval: interval}
}

// Start launches the background refresher. Idempotent.
func (f *Scheduled) Start(ctx context.Context) {
	f.startMu.Lock()
	defer f.startMu.Unlock()
	if f.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(runCtx)
}

// Stop halts the refresher and waits for it to quiesce.
func (f *Scheduled) Stop() {
	f.startMu.Lock()
	cancel := f.cancel
	done := f.done
	f.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *Scheduled) run(ctx context.Context) {
	defer close(f.done)

	f.refreshAll()
	if f.interval <= 0 {
		return
	}

	timer := time.NewTimer(f.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			f.refreshAll()
			if ctx.Err() != nil {
				return
			}
			timer.Reset(f.interval)
		}
	}
}

func (f *Scheduled) refreshAll() {
	for _, token := range f.tokens {
		price, err := f.source.Quote(token)
		if err != nil {
			continue // best effort; stale cache entry (if any) stands until next tick
		}
		f.mu.Lock()
		f.cache[token] = price
		f.mu.Unlock()
	}
}

// Price serves from the cache; it never calls the source inline.
func (f *Scheduled) Price(_ context.Context, coingeckoID string) (float64, error) {
	f.mu.RLock()
	price, ok := f.cache[coingeckoID]
	f.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("pricefeed: %s not yet warmed", coingeckoID)
	}
	return price, nil
}

var _ walletfleet.PriceFeed = (*OnDemand)(nil)
var _ walletfleet.PriceFeed = (*Scheduled)(nil)
