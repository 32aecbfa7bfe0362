package walletfleet

import "time"

// LockOptions configures one lock acquisition, from the registry
// itself up through the Chain Wallet Manager and Orchestrator's
// withWallet (§4.D, §4.G).
type LockOptions struct {
	// WaitToAcquireTimeout bounds how long Acquire waits for the
	// address to free up. Zero means wait forever (subject to ctx).
	WaitToAcquireTimeout time.Duration

	// LeaseTimeout, if non-zero, causes the registry to spontaneously
	// free the address this long after acquisition. Ignored by
	// Orchestrator.withWallet, whose inner fn's own timeout governs
	// instead (§4.G).
	LeaseTimeout time.Duration
}
