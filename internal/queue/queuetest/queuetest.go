// Package queuetest is a conformance suite run against every queue backend.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts at start.
func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens a fresh, empty store configured with opts.
type Factory func(t *testing.T, opts queue.Options) queue.Store

const (
	leaseFor = time.Second
	// settle exceeds the largest backoff the suite configures (cap + base jitter).
	settle = 2 * time.Second
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *FakeClock
	q     queue.Store
}

func newHarness(t *testing.T, factory Factory, maxAttempts int) *harness {
	t.Helper()
	clock := NewFakeClock(time.UnixMilli(1_700_000_000_000))
	opts := queue.Options{
		MaxAttempts: maxAttempts,
		Backoff:     queue.Backoff{Base: 100 * time.Millisecond, Cap: time.Second, Jitter: queue.NoJitter},
		Clock:       clock.Now,
	}
	q := factory(t, opts)
	t.Cleanup(func() { _ = q.Close() })
	return &harness{t: t, ctx: context.Background(), clock: clock, q: q}
}

func (h *harness) enqueue(payload string, delay time.Duration) string {
	h.t.Helper()
	e := envelope.New([]byte(payload), map[string]string{"k": "v"}, h.clock.Now())
	got, err := h.q.Enqueue(h.ctx, e, delay)
	require.NoError(h.t, err)
	require.Equal(h.t, e.ID.String(), got)
	return got
}

func (h *harness) leaseOne() queue.Leased {
	h.t.Helper()
	items, err := h.q.Lease(h.ctx, 1, leaseFor)
	require.NoError(h.t, err)
	require.Len(h.t, items, 1)
	return items[0]
}

func (h *harness) requireEmpty() {
	h.t.Helper()
	items, err := h.q.Lease(h.ctx, 10, leaseFor)
	require.NoError(h.t, err)
	require.Empty(h.t, items)
}

// Run executes the suite.
func Run(t *testing.T, factory Factory) {
	t.Run("EnqueueLeaseAcknowledge", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("0123456789", 0)
		l := h.leaseOne()
		assert.Equal(t, id, l.Envelope.ID.String())
		assert.Equal(t, []byte("0123456789"), l.Envelope.Payload)
		assert.Equal(t, "v", l.Envelope.Attributes["k"])
		assert.NotEmpty(t, l.Token)
		assert.Equal(t, l.Token, l.Envelope.LeaseToken)

		require.NoError(t, h.q.Acknowledge(h.ctx, id, l.Token))
		st, err := h.q.Stats(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{}, st)
		h.requireEmpty()
	})

	t.Run("OldestAvailableFirst", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		a := h.enqueue("a", 2*time.Second)
		b := h.enqueue("b", 0)
		c := h.enqueue("c", time.Second)
		h.clock.Advance(3 * time.Second)
		items, err := h.q.Lease(h.ctx, 3, leaseFor)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, []string{b, c, a}, []string{
			items[0].Envelope.ID.String(), items[1].Envelope.ID.String(), items[2].Envelope.ID.String(),
		})
	})

	t.Run("DelayHidesEnvelope", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		h.enqueue("later", time.Second)
		h.requireEmpty()
		h.clock.Advance(time.Second)
		h.leaseOne()
	})

	t.Run("LeaseRespectsMaxItems", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		for i := 0; i < 5; i++ {
			h.enqueue("x", 0)
		}
		items, err := h.q.Lease(h.ctx, 2, leaseFor)
		require.NoError(t, err)
		assert.Len(t, items, 2)
		st, err := h.q.Stats(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Pending: 3, Leased: 2}, st)
	})

	t.Run("StaleAcknowledgeIsBenign", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		first := h.leaseOne()
		h.clock.Advance(leaseFor)

		err := h.q.Acknowledge(h.ctx, id, first.Token)
		require.ErrorIs(t, err, queue.ErrInvalidLease)
		assert.True(t, queue.IsBenign(err))

		n, err := h.q.Sweep(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		h.clock.Advance(settle)

		second := h.leaseOne()
		assert.NotEqual(t, first.Token, second.Token)
		assert.Equal(t, 1, second.Envelope.AttemptCount)
		require.ErrorIs(t, h.q.Acknowledge(h.ctx, id, first.Token), queue.ErrInvalidLease)
		require.NoError(t, h.q.Acknowledge(h.ctx, id, second.Token))
		require.ErrorIs(t, h.q.Acknowledge(h.ctx, id, second.Token), queue.ErrInvalidLease)
	})

	t.Run("ExpiryCyclesCountAttemptsThenDeadLetter", func(t *testing.T) {
		const maxAttempts = 3
		h := newHarness(t, factory, maxAttempts)
		id := h.enqueue("x", 0)
		for n := 0; n <= maxAttempts; n++ {
			l := h.leaseOne()
			assert.Equal(t, n, l.Envelope.AttemptCount)
			h.clock.Advance(leaseFor)
			_, err := h.q.Sweep(h.ctx)
			require.NoError(t, err)
			h.clock.Advance(settle)
		}
		h.requireEmpty()

		dl, err := h.q.GetDead(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, maxAttempts+1, dl.AttemptCount)
		assert.Equal(t, queue.ReasonLeaseExpired, dl.Reason)
		st, err := h.q.Stats(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.Stats{Dead: 1}, st)
	})

	t.Run("TransientFailuresThenSuccess", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		for i := 0; i < 3; i++ {
			l := h.leaseOne()
			d, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{Reason: "downstream unavailable"})
			require.NoError(t, err)
			assert.Equal(t, envelope.StatePending, d.State)
			assert.Equal(t, i+1, d.AttemptCount)
			h.requireEmpty()
			h.clock.Advance(settle)
		}
		l := h.leaseOne()
		assert.Equal(t, 3, l.Envelope.AttemptCount)
		assert.Equal(t, "downstream unavailable", l.Envelope.LastError)
		require.NoError(t, h.q.Acknowledge(h.ctx, id, l.Token))
		_, err := h.q.GetDead(h.ctx, id)
		require.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("BackoffSchedulesRetry", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		l := h.leaseOne()
		d, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{})
		require.NoError(t, err)
		assert.True(t, h.clock.Now().Add(200*time.Millisecond).Equal(d.AvailableAt), "available at %v", d.AvailableAt)
		h.clock.Advance(199 * time.Millisecond)
		h.requireEmpty()
		h.clock.Advance(time.Millisecond)
		h.leaseOne()
	})

	t.Run("PermanentFailureDeadLettersImmediately", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		l := h.leaseOne()
		_, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{})
		require.NoError(t, err)
		h.clock.Advance(settle)

		l = h.leaseOne()
		d, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{Terminal: true, Reason: "unparseable"})
		require.NoError(t, err)
		assert.Equal(t, envelope.StateDead, d.State)
		assert.Equal(t, 1, d.AttemptCount)
		h.requireEmpty()

		dl, err := h.q.GetDead(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, dl.AttemptCount)
		assert.Equal(t, "unparseable", dl.Reason)
		assert.Equal(t, []byte("x"), dl.Envelope.Payload)
	})

	t.Run("FailBeyondMaxAttemptsDeadLetters", func(t *testing.T) {
		h := newHarness(t, factory, 1)
		id := h.enqueue("x", 0)
		l := h.leaseOne()
		d, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{})
		require.NoError(t, err)
		assert.Equal(t, envelope.StatePending, d.State)
		h.clock.Advance(settle)
		l = h.leaseOne()
		d, err = h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{Reason: "again"})
		require.NoError(t, err)
		assert.Equal(t, envelope.StateDead, d.State)
		assert.Equal(t, 2, d.AttemptCount)
	})

	t.Run("AcknowledgeAndFailAreExclusive", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		l := h.leaseOne()
		require.NoError(t, h.q.Acknowledge(h.ctx, id, l.Token))
		_, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{})
		require.ErrorIs(t, err, queue.ErrInvalidLease)
	})

	t.Run("ExtendLease", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		l := h.leaseOne()
		h.clock.Advance(800 * time.Millisecond)
		require.NoError(t, h.q.ExtendLease(h.ctx, id, l.Token, time.Second))
		require.ErrorIs(t, h.q.ExtendLease(h.ctx, id, "bogus", time.Second), queue.ErrInvalidLease)
		h.clock.Advance(800 * time.Millisecond)
		n, err := h.q.Sweep(h.ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, h.q.Acknowledge(h.ctx, id, l.Token))
	})

	t.Run("ConcurrentLeasersNeverShare", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		h.enqueue("only", 0)
		results := make([]int, 2)
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				items, err := h.q.Lease(h.ctx, 1, leaseFor)
				assert.NoError(t, err)
				results[i] = len(items)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, results[0]+results[1])
	})

	t.Run("ConcurrentLeasersDrainWithoutDuplicates", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		const total = 60
		for i := 0; i < total; i++ {
			h.enqueue("x", 0)
		}
		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					items, err := h.q.Lease(h.ctx, 4, time.Minute)
					if !assert.NoError(t, err) || len(items) == 0 {
						return
					}
					mu.Lock()
					for _, it := range items {
						seen[it.Envelope.ID.String()]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "envelope %s leased %d times", id, n)
		}
	})

	t.Run("EnqueueIsIdempotentPerID", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		e := envelope.New([]byte("x"), nil, h.clock.Now())
		_, err := h.q.Enqueue(h.ctx, e, 0)
		require.NoError(t, err)
		_, err = h.q.Enqueue(h.ctx, e, 0)
		require.NoError(t, err)
		items, err := h.q.Lease(h.ctx, 10, leaseFor)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("ReplayResetsAttempts", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		l := h.leaseOne()
		_, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{})
		require.NoError(t, err)
		h.clock.Advance(settle)
		l = h.leaseOne()
		_, err = h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{Terminal: true, Reason: "bad"})
		require.NoError(t, err)

		e, err := h.q.Replay(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, e.AttemptCount)
		_, err = h.q.Replay(h.ctx, id)
		require.ErrorIs(t, err, queue.ErrNotDead)
		_, err = h.q.Replay(h.ctx, envelope.New(nil, nil, h.clock.Now()).ID.String())
		require.ErrorIs(t, err, queue.ErrNotFound)
		_, err = h.q.Replay(h.ctx, "not-an-id")
		require.ErrorIs(t, err, queue.ErrNotFound)

		l = h.leaseOne()
		assert.Equal(t, id, l.Envelope.ID.String())
		assert.Equal(t, 0, l.Envelope.AttemptCount)

		dl, err := h.q.GetDead(h.ctx, id)
		require.NoError(t, err)
		assert.False(t, dl.ReplayedAt.IsZero())
		st, err := h.q.Stats(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, st.Dead)

		list, err := h.q.ListDead(h.ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("PurgeDead", func(t *testing.T) {
		h := newHarness(t, factory, 5)
		id := h.enqueue("x", 0)
		l := h.leaseOne()
		_, err := h.q.Fail(h.ctx, id, l.Token, queue.FailOptions{Terminal: true})
		require.NoError(t, err)
		require.NoError(t, h.q.PurgeDead(h.ctx, id))
		_, err = h.q.GetDead(h.ctx, id)
		require.ErrorIs(t, err, queue.ErrNotFound)
		require.ErrorIs(t, h.q.PurgeDead(h.ctx, id), queue.ErrNotFound)
	})
}
