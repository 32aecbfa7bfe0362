package walletfleet

// Instruction is one proposed source -> target transfer (§3 "Rebalance
// instruction").
type Instruction struct {
	SourceAddress string
	TargetAddress string
	Amount        string
	Token         TokenSpec
}

// Strategy is a pure function from balances (and an optional price
// view) to instructions (§6 "Rebalance strategy capability"). Strategy
// names are free strings; an unknown name disables rebalance for that
// chain (§4.E "Disabled state").
type Strategy interface {
	// Name identifies the strategy for event payloads and config lookup.
	Name() string

	// Plan inspects balances (and priceFeed, which may be nil when no
	// price feed is configured) and returns the instructions to
	// execute this cycle. Plan must not mutate balances.
	Plan(balances BalanceTable, priceFeed PriceFeed) ([]Instruction, error)

	// Atomic reports whether the executor must abort the remaining
	// batch on the first instruction failure (§9 open question,
	// resolved: the strategy declares its own atomicity).
	Atomic() bool
}

// StrategyFactory builds a Strategy from its chain-scoped config.
type StrategyFactory func(cfg RebalanceConfig) (Strategy, error)

// strategyRegistry maps a free-form strategy name to its factory.
// RegisterStrategy is how strategies are made visible to the
// orchestrator, which resolves names through LookupStrategy.
var strategyRegistry = map[string]StrategyFactory{}

// RegisterStrategy makes a strategy constructible by name. Calling it
// twice for the same name overwrites the previous registration — this
// mirrors how the teacher's config layer treats later YAML keys as
// authoritative.
func RegisterStrategy(name string, factory StrategyFactory) {
	strategyRegistry[name] = factory
}

// LookupStrategy resolves a registered strategy name, or reports
// ok=false for an unknown name (§4.E "strategy unknown").
func LookupStrategy(name string, cfg RebalanceConfig) (Strategy, bool) {
	factory, ok := strategyRegistry[name]
	if !ok {
		return nil, false
	}
	strategy, err := factory(cfg)
	if err != nil {
		return nil, false
	}
	return strategy, true
}
