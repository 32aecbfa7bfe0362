package walletfleet

import (
	"sync"
	"time"
)

// Event is the sealed set of payloads the fleet engine emits (§6
// "Event bus (exposed)"). Replacing the untyped emitter pattern the
// teacher repo used for transaction-progress reporting (StrategyReport
// over a string channel) with a tagged union keeps subscribers
// statically checkable: a type switch on Event is exhaustive-checkable
// by a linter, a string tag is not.
type Event interface {
	isEvent()
	// Chain returns the chain the event belongs to.
	Chain() ChainName
}

type eventBase struct {
	ChainName ChainName
}

func (eventBase) isEvent()            {}
func (e eventBase) Chain() ChainName { return e.ChainName }

// BalancesEvent fires after every completed poll, even when values are
// unchanged, so lastUpdate freshness metrics stay live.
type BalancesEvent struct {
	eventBase
	Network  Network
	New      BalanceTable
	Previous BalanceTable
}

// ErrorEvent reports a per-wallet driver failure; polling continues.
type ErrorEvent struct {
	eventBase
	Err error
}

// RebalanceStartedEvent fires once per non-empty instruction batch,
// before any transfer is attempted.
type RebalanceStartedEvent struct {
	eventBase
	Strategy     string
	Instructions []Instruction
}

// RebalanceFinishedEvent fires once the batch completes, successes and
// failures alike; see RebalanceErrorEvent for the per-instruction
// failures within the batch.
type RebalanceFinishedEvent struct {
	eventBase
	Strategy string
	Receipts []InstructionReceipt
}

// RebalanceErrorEvent fires once per failed instruction, without
// aborting the remaining batch unless the strategy is atomic.
type RebalanceErrorEvent struct {
	eventBase
	Strategy    string
	Instruction Instruction
	Err         error
}

// ActiveWalletsCountEvent fires after every acquire/release with the
// manager's current count of held wallets.
type ActiveWalletsCountEvent struct {
	eventBase
	Network Network
	Count   int
}

// WalletsLockPeriodEvent fires at release with how long the wallet was
// held, in milliseconds (§9 working contract).
type WalletsLockPeriodEvent struct {
	eventBase
	Network    Network
	Address    string
	DurationMs int64
}

// InstructionReceipt pairs an Instruction with its outcome.
type InstructionReceipt struct {
	Instruction Instruction
	Receipt     Receipt
	Err         error
}

// EventSink receives events emitted by a chain wallet manager. It must
// not perform I/O inline — a slow sink slows emission for every
// subscriber sharing that manager (§5 Backpressure).
type EventSink func(Event)

// EventBus fans a single stream of events out to any number of
// subscribers, serialized in arrival order. It carries no knowledge of
// who its publishers are — a Chain Wallet Manager is handed only the
// bus's Emit method (a function value), never a reference back to
// whatever owns the bus, breaking the manager<->orchestrator cycle
// (§9 "Cyclic references").
type EventBus struct {
	mu          sync.Mutex
	subscribers []EventSink
}

// NewEventBus returns a ready-to-use bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers sink to receive every future event.
func (b *EventBus) Subscribe(sink EventSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sink)
}

// Emit delivers ev to every subscriber, synchronously and in
// registration order. Deliveries are serialized: a concurrent Emit
// waits until the current event has reached every subscriber, so a
// subscriber must not call Emit or Subscribe on the same bus.
func (b *EventBus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sink := range b.subscribers {
		sink(ev)
	}
}

// now is overridable in tests that need deterministic durations.
var now = time.Now

// Constructors below exist because eventBase is unexported: callers
// outside this package (the manager, rebalance and orchestrator
// packages) can't write a composite literal naming that field
// themselves, so they build events through these instead.

// NewBalancesEvent builds a BalancesEvent for chain.
func NewBalancesEvent(chain ChainName, network Network, newTable, previous BalanceTable) BalancesEvent {
	return BalancesEvent{eventBase: eventBase{ChainName: chain}, Network: network, New: newTable, Previous: previous}
}

// NewErrorEvent builds an ErrorEvent for chain.
func NewErrorEvent(chain ChainName, err error) ErrorEvent {
	return ErrorEvent{eventBase: eventBase{ChainName: chain}, Err: err}
}

// NewRebalanceStartedEvent builds a RebalanceStartedEvent for chain.
func NewRebalanceStartedEvent(chain ChainName, strategy string, instructions []Instruction) RebalanceStartedEvent {
	return RebalanceStartedEvent{eventBase: eventBase{ChainName: chain}, Strategy: strategy, Instructions: instructions}
}

// NewRebalanceFinishedEvent builds a RebalanceFinishedEvent for chain.
func NewRebalanceFinishedEvent(chain ChainName, strategy string, receipts []InstructionReceipt) RebalanceFinishedEvent {
	return RebalanceFinishedEvent{eventBase: eventBase{ChainName: chain}, Strategy: strategy, Receipts: receipts}
}

// NewRebalanceErrorEvent builds a RebalanceErrorEvent for chain.
func NewRebalanceErrorEvent(chain ChainName, strategy string, instr Instruction, err error) RebalanceErrorEvent {
	return RebalanceErrorEvent{eventBase: eventBase{ChainName: chain}, Strategy: strategy, Instruction: instr, Err: err}
}

// NewActiveWalletsCountEvent builds an ActiveWalletsCountEvent for chain.
func NewActiveWalletsCountEvent(chain ChainName, network Network, count int) ActiveWalletsCountEvent {
	return ActiveWalletsCountEvent{eventBase: eventBase{ChainName: chain}, Network: network, Count: count}
}

// NewWalletsLockPeriodEvent builds a WalletsLockPeriodEvent for chain.
func NewWalletsLockPeriodEvent(chain ChainName, network Network, address string, durationMs int64) WalletsLockPeriodEvent {
	return WalletsLockPeriodEvent{eventBase: eventBase{ChainName: chain}, Network: network, Address: address, DurationMs: durationMs}
}
