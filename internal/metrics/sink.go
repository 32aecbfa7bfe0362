// Package metrics adapts the typed event stream to a set of
// Prometheus collectors. It never performs I/O beyond registering
// collectors (§5 "the metrics sink must not perform I/O inline") and
// never runs a scrape server — that, per §1 "Out of scope" (c), is an
// external collaborator's concern. Callers expose the *prometheus.Registry
// this sink is built over however they like (e.g. promhttp.Handler).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

// Sink consumes walletfleet.Event values and updates its collectors.
// It is handed directly to walletfleet.EventBus.Subscribe or wired as
// an additional walletfleet.EventSink alongside a manager's own bus.
type Sink struct {
	registry *prometheus.Registry

	balancesObserved   *prometheus.CounterVec
	driverErrors       *prometheus.CounterVec
	rebalancesStarted  *prometheus.CounterVec
	rebalancesFinished *prometheus.CounterVec
	rebalanceErrors    *prometheus.CounterVec
	activeWallets      *prometheus.GaugeVec
	lockHoldDuration   *prometheus.HistogramVec
}

// New builds a Sink and registers its collectors on registry. Passing
// an already-populated registry (e.g. prometheus.NewRegistry()) is the
// caller's responsibility; New never touches the default global
// registry.
func New(registry *prometheus.Registry) *Sink {
	s := &Sink{
		registry: registry,
		balancesObserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletfleet_balances_events_total",
			Help: "Number of balances events emitted per chain.",
		}, []string{"chain"}),
		driverErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletfleet_driver_errors_total",
			Help: "Number of driver error events emitted per chain.",
		}, []string{"chain"}),
		rebalancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletfleet_rebalance_started_total",
			Help: "Number of rebalance batches started per chain/strategy.",
		}, []string{"chain", "strategy"}),
		rebalancesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletfleet_rebalance_finished_total",
			Help: "Number of rebalance batches finished per chain/strategy.",
		}, []string{"chain", "strategy"}),
		rebalanceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletfleet_rebalance_errors_total",
			Help: "Number of failed rebalance instructions per chain/strategy.",
		}, []string{"chain", "strategy"}),
		activeWallets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "walletfleet_active_wallets",
			Help: "Currently held wallet locks per chain.",
		}, []string{"chain"}),
		lockHoldDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "walletfleet_lock_hold_duration_ms",
			Help:    "Wallet lock hold duration in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"chain"}),
	}

	registry.MustRegister(
		s.balancesObserved,
		s.driverErrors,
		s.rebalancesStarted,
		s.rebalancesFinished,
		s.rebalanceErrors,
		s.activeWallets,
		s.lockHoldDuration,
	)
	return s
}

// Observe is a walletfleet.EventSink: wire it via
// walletfleet.EventBus.Subscribe(sink.Observe).
func (s *Sink) Observe(ev walletfleet.Event) {
	chain := string(ev.Chain())

	switch e := ev.(type) {
	case walletfleet.BalancesEvent:
		s.balancesObserved.WithLabelValues(chain).Inc()
	case walletfleet.ErrorEvent:
		s.driverErrors.WithLabelValues(chain).Inc()
	case walletfleet.RebalanceStartedEvent:
		s.rebalancesStarted.WithLabelValues(chain, e.Strategy).Inc()
	case walletfleet.RebalanceFinishedEvent:
		s.rebalancesFinished.WithLabelValues(chain, e.Strategy).Inc()
	case walletfleet.RebalanceErrorEvent:
		s.rebalanceErrors.WithLabelValues(chain, e.Strategy).Inc()
	case walletfleet.ActiveWalletsCountEvent:
		s.activeWallets.WithLabelValues(chain).Set(float64(e.Count))
	case walletfleet.WalletsLockPeriodEvent:
		s.lockHoldDuration.WithLabelValues(chain).Observe(float64(e.DurationMs))
	}
}
