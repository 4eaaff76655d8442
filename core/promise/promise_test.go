package promise

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tempokv/tempokv/core/reply"
	"github.com/tempokv/tempokv/core/timestamp"
)

// TestPromiseResolveBeforeWait tests that a promise settled before Wait
// returns immediately with the settled status.
func TestPromiseResolveBeforeWait(t *testing.T) {
	p := New(time.Second)
	require.True(t, p.Resolve(reply.OK))
	require.Equal(t, reply.OK, p.Wait())
}

// TestPromiseWaitBlocksUntilResolved tests the cross-goroutine handoff.
func TestPromiseWaitBlocksUntilResolved(t *testing.T) {
	p := New(5 * time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.ResolveRead(reply.OK, "v1", timestamp.New(7, 3))
	}()

	require.Equal(t, reply.OK, p.Wait())
	require.Equal(t, "v1", p.Value())
	require.Equal(t, timestamp.New(7, 3), p.Version())
}

// TestPromiseDeadline tests that an unresolved promise settles as a timeout
// once its deadline passes.
func TestPromiseDeadline(t *testing.T) {
	p := New(30 * time.Millisecond)
	start := time.Now()
	st := p.Wait()
	require.Equal(t, reply.Timeout, st)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

// TestPromiseLateReplyDropped tests that a reply arriving after the deadline
// does not overwrite the timeout outcome.
func TestPromiseLateReplyDropped(t *testing.T) {
	p := New(10 * time.Millisecond)
	require.Equal(t, reply.Timeout, p.Wait())
	require.False(t, p.Resolve(reply.OK), "late reply should lose to the timeout")
	require.Equal(t, reply.Timeout, p.Wait())
}

// TestPromiseFirstResolutionWins tests the resolve-once contract under
// concurrent resolvers.
func TestPromiseFirstResolutionWins(t *testing.T) {
	p := New(time.Second)

	var won int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Resolve(reply.Fail) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, won, "exactly one resolver should win")
	require.Equal(t, reply.Fail, p.Wait())
}

// TestPromisePrepareProposal tests that a retry vote carries the shard's
// counter-proposed timestamp.
func TestPromisePrepareProposal(t *testing.T) {
	p := New(time.Second)
	p.ResolvePrepare(reply.Retry, timestamp.New(100, 0))
	require.Equal(t, reply.Retry, p.Wait())
	require.Equal(t, timestamp.New(100, 0), p.Proposed())
}

// TestPromiseNoDeadline tests that a zero timeout means Wait blocks until
// resolution rather than timing out instantly.
func TestPromiseNoDeadline(t *testing.T) {
	p := New(0)
	require.True(t, p.Deadline().IsZero())
	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Resolve(reply.OK)
	}()
	require.Equal(t, reply.OK, p.Wait())
}

// TestPromiseManyWaiters tests that every waiter observes the same outcome.
func TestPromiseManyWaiters(t *testing.T) {
	p := New(time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Equal(t, reply.Retry, p.Wait())
		}()
	}
	p.ResolvePrepare(reply.Retry, timestamp.New(9, 9))
	wg.Wait()
}
