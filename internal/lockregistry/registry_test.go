package lockregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	walletfleet "github.com/ChoSanghyuk/walletfleet"
)

func TestAcquireRelease_MutualExclusion(t *testing.T) {
	r := New(zerolog.Nop())

	tok1, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, err)

	acquired := make(chan string, 1)
	go func() {
		tok2, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
		require.NoError(t, err)
		acquired <- tok2
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire must block while first holds the lock")
	case <-time.After(30 * time.Millisecond):
	}

	_, err = r.Release("0xA", tok1)
	require.NoError(t, err)

	select {
	case tok2 := <-acquired:
		assert.NotEmpty(t, tok2)
	case <-time.After(time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestAcquire_FIFOFairness(t *testing.T) {
	r := New(zerolog.Nop())

	tok0, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, err)

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
			require.NoError(t, err)
			order <- i
			_, err = r.Release("0xA", tok)
			require.NoError(t, err)
		}(i)
		time.Sleep(5 * time.Millisecond) // ensures queue order == i order
	}

	_, err = r.Release("0xA", tok0)
	require.NoError(t, err)

	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	require.Len(t, got, waiters)
	for i, v := range got {
		assert.Equal(t, i, v, "waiters must be granted in FIFO arrival order")
	}
}

func TestAcquire_WaitTimeout(t *testing.T) {
	r := New(zerolog.Nop())
	_, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, err)

	_, err = r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{WaitToAcquireTimeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, walletfleet.ErrAcquireTimeout)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	r := New(zerolog.Nop())
	_, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Acquire(ctx, "0xA", walletfleet.LockOptions{})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, walletfleet.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("acquire never returned after context cancellation")
	}
}

func TestRelease_UnknownTokenIsNotHeld(t *testing.T) {
	r := New(zerolog.Nop())
	_, err := r.Release("0xA", "bogus")
	assert.ErrorIs(t, err, walletfleet.ErrNotHeld)
}

func TestRelease_AfterLeaseExpiry(t *testing.T) {
	r := New(zerolog.Nop())
	tok, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{LeaseTimeout: 10 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	_, err = r.Release("0xA", tok)
	assert.ErrorIs(t, err, walletfleet.ErrLeaseExpired)
}

func TestLeaseExpiry_GrantsNextWaiter(t *testing.T) {
	r := New(zerolog.Nop())
	_, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{LeaseTimeout: 15 * time.Millisecond})
	require.NoError(t, err)

	tok2, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, tok2)

	_, err = r.Release("0xA", tok2)
	require.NoError(t, err)
}

func TestHeldCount(t *testing.T) {
	r := New(zerolog.Nop())
	assert.Equal(t, 0, r.HeldCount())

	tokA, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, err)
	_, err = r.Acquire(context.Background(), "0xB", walletfleet.LockOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, r.HeldCount())

	_, err = r.Release("0xA", tokA)
	require.NoError(t, err)
	assert.Equal(t, 1, r.HeldCount())
}

func TestStop_DrainsQueuedWaitersAndRejectsNewAcquires(t *testing.T) {
	r := New(zerolog.Nop())
	_, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Acquire(context.Background(), "0xA", walletfleet.LockOptions{})
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	r.Stop()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, walletfleet.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("queued waiter never unblocked after Stop")
	}

	_, err = r.Acquire(context.Background(), "0xB", walletfleet.LockOptions{})
	assert.ErrorIs(t, err, walletfleet.ErrCancelled)
}
