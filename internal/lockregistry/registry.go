// Package lockregistry implements component D of the wallet fleet
// engine: single-process exclusive leases on individual wallet
// addresses, with bounded waiting and optional lease timeouts.
//
// Grounded on the mutex/channel composition the pack's balance_service
// example uses for cache state (sync.Mutex guarding a small struct,
// channels for wakeups), generalized here to a per-address FIFO
// ticket queue instead of a single shared lock.
package lockregistry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

// AcquireOptions configures one Acquire call.
type AcquireOptions = walletfleet.LockOptions

// waiter is one FIFO-queued Acquire call blocked on an address.
type waiter struct {
	token   string
	lease   time.Duration
	granted chan struct{}
}

// addrState is the per-address lock state machine (§4.D "State
// machine per address").
type addrState struct {
	held        bool
	holderToken string
	acquiredAt  time.Time
	leaseTimer  *time.Timer

	// lastToken/lastExpired let Release distinguish "never held this
	// token" (NotHeld) from "held this token, but the lease already
	// expired" (LeaseExpired) after the entry transitions back to free.
	lastToken   string
	lastExpired bool

	waiters []*waiter
}

// Registry is safe for concurrent callers across all addresses
// simultaneously; the mutex below only ever guards the small index
// operations (map lookup, queue splice), never a blocking wait.
type Registry struct {
	mu      sync.Mutex
	addrs   map[string]*addrState
	seq     uint64
	stopped bool
	stopCh  chan struct{}
	log     zerolog.Logger
}

// New returns a ready-to-use, unstopped Registry. logger is used to
// report lease-expiry reclamation, the one path that can mutate state
// outside any caller-visible return.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		addrs:  make(map[string]*addrState),
		stopCh: make(chan struct{}),
		log:    logger,
	}
}

func (r *Registry) nextToken(address string) string {
	n := atomic.AddUint64(&r.seq, 1)
	return fmt.Sprintf("%s-%d", address, n)
}

// Acquire blocks until address is free or opts.WaitToAcquireTimeout
// elapses (walletfleet.ErrAcquireTimeout), or ctx is done
// (walletfleet.ErrCancelled), or Stop drains the registry
// (walletfleet.ErrCancelled). On success it returns the opaque holder
// token Release must present.
func (r *Registry) Acquire(ctx context.Context, address string, opts AcquireOptions) (string, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return "", walletfleet.ErrCancelled
	}

	state := r.addrs[address]
	if state == nil {
		state = &addrState{}
		r.addrs[address] = state
	}

	token := r.nextToken(address)

	if !state.held {
		r.grantLocked(address, state, token, opts.LeaseTimeout)
		r.mu.Unlock()
		return token, nil
	}

	w := &waiter{token: token, lease: opts.LeaseTimeout, granted: make(chan struct{}, 1)}
	state.waiters = append(state.waiters, w)
	r.mu.Unlock()

	var timeoutCh <-chan time.Time
	if opts.WaitToAcquireTimeout > 0 {
		timer := time.NewTimer(opts.WaitToAcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.granted:
		return token, nil
	case <-timeoutCh:
		if r.cancelWaiterLocked(address, w) {
			return "", walletfleet.ErrAcquireTimeout
		}
		// Lost the race with a concurrent grant; honor the grant.
		<-w.granted
		return token, nil
	case <-r.stopCh:
		if r.cancelWaiterLocked(address, w) {
			return "", walletfleet.ErrCancelled
		}
		<-w.granted
		return token, nil
	case <-ctx.Done():
		if r.cancelWaiterLocked(address, w) {
			return "", walletfleet.ErrCancelled
		}
		<-w.granted
		return token, nil
	}
}

// cancelWaiterLocked removes w from address's queue if it is still
// there, returning true if the removal succeeded (meaning w was never
// granted). If w is no longer in the queue, a grant already happened
// concurrently under the mutex and the caller must read w.granted.
func (r *Registry) cancelWaiterLocked(address string, w *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.addrs[address]
	if state == nil {
		return false
	}
	for i, cand := range state.waiters {
		if cand == w {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// grantLocked transitions state to Held(token) and, if leaseTimeout is
// set, arms the spontaneous-expiry timer. Must be called with r.mu held.
func (r *Registry) grantLocked(address string, state *addrState, token string, leaseTimeout time.Duration) {
	state.held = true
	state.holderToken = token
	state.acquiredAt = time.Now()
	if state.leaseTimer != nil {
		state.leaseTimer.Stop()
		state.leaseTimer = nil
	}
	if leaseTimeout > 0 {
		state.leaseTimer = time.AfterFunc(leaseTimeout, func() {
			r.expire(address, token)
		})
	}
}

// expire fires when a lease deadline elapses; it is a no-op if the
// address was already released or re-acquired by someone else.
func (r *Registry) expire(address string, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.addrs[address]
	if state == nil || !state.held || state.holderToken != token {
		return
	}
	r.log.Warn().Str("address", address).Str("token", token).Msg("lockregistry: lease expired, reclaiming lock")
	r.freeLocked(address, state, token, true)
}

// Release frees address if token matches the current holder.
// Returns how long the lock was held. Fails with ErrNotHeld if token
// never held the lock, or ErrLeaseExpired if it did but the lease
// already elapsed and the address went back to free. When an expired
// lease is handed straight to a queued waiter, a release with the old
// token fails with ErrNotHeld, not ErrLeaseExpired.
func (r *Registry) Release(address string, token string) (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.addrs[address]
	if state == nil {
		return 0, walletfleet.ErrNotHeld
	}
	if !state.held || state.holderToken != token {
		if !state.held && state.lastToken == token && state.lastExpired {
			return 0, walletfleet.ErrLeaseExpired
		}
		return 0, walletfleet.ErrNotHeld
	}

	held := time.Since(state.acquiredAt)
	r.freeLocked(address, state, token, false)
	return held, nil
}

// freeLocked transitions Held -> Free (or Held -> Held(nextWaiter))
// per §4.D. Must be called with r.mu held.
func (r *Registry) freeLocked(address string, state *addrState, token string, expired bool) {
	if state.leaseTimer != nil {
		state.leaseTimer.Stop()
		state.leaseTimer = nil
	}

	if len(state.waiters) > 0 {
		next := state.waiters[0]
		state.waiters = state.waiters[1:]
		r.grantLocked(address, state, next.token, next.lease)
		next.granted <- struct{}{}
		return
	}

	state.held = false
	state.holderToken = ""
	state.lastToken = token
	state.lastExpired = expired
}

// HeldCount returns the number of addresses currently held. Used by
// the Chain Wallet Manager for active-wallets-count accounting.
func (r *Registry) HeldCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, state := range r.addrs {
		if state.held {
			n++
		}
	}
	return n
}

// Stop drains the registry: every currently queued waiter fails with
// ErrCancelled and no further Acquire call succeeds (§5 Cancellation).
// Stop does not release currently-held locks — a holder that already
// has the lock keeps it until it calls Release (Stop only guarantees
// no one new gets to wait for it).
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.stopCh)
	r.mu.Unlock()
}
