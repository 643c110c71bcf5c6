package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/fanout"
	"github.com/rzbill/fanq/internal/queue"
	memqueue "github.com/rzbill/fanq/internal/queue/memory"
	"github.com/rzbill/fanq/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, ev *envelope.ProcessedEvent, key string) (fanout.DeliveryReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	report := fanout.DeliveryReport{DedupKey: key}
	if p.err != nil {
		report.Results = []fanout.DeliveryResult{{Subscriber: "rec", Status: fanout.StatusFailed, Attempts: 1, Err: p.err.Error()}}
		return report, p.err
	}
	p.keys = append(p.keys, key)
	report.Results = []fanout.DeliveryResult{{Subscriber: "rec", Status: fanout.StatusDelivered, Attempts: 1}}
	return report, nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func echo(_ context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
	return &envelope.ProcessedEvent{ResultPayload: e.Payload, Attributes: e.Attributes}, nil
}

type fixture struct {
	ctx   context.Context
	clock *queuetest.FakeClock
	q     *memqueue.Queue
	pub   *recordingPublisher
}

func newFixture(maxAttempts int) *fixture {
	clock := queuetest.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	return &fixture{
		ctx:   context.Background(),
		clock: clock,
		q: memqueue.New(queue.Options{
			MaxAttempts: maxAttempts,
			Backoff:     queue.Backoff{Base: 100 * time.Millisecond, Cap: time.Second, Jitter: queue.NoJitter},
			Clock:       clock.Now,
		}),
		pub: &recordingPublisher{},
	}
}

func (f *fixture) submit(t *testing.T, payload string) string {
	t.Helper()
	e := envelope.New([]byte(payload), nil, f.clock.Now())
	got, err := f.q.Enqueue(f.ctx, e, 0)
	require.NoError(t, err)
	return got
}

func (f *fixture) consumer(p Processor) *Consumer {
	return New(f.q, p, f.pub, Config{BatchSize: 10, LeaseDuration: time.Minute}, nil)
}

func (f *fixture) requireEmpty(t *testing.T) {
	t.Helper()
	st, err := f.q.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, st)
}

func TestSuccessPublishesOnceAndAcknowledges(t *testing.T) {
	f := newFixture(5)
	id := f.submit(t, "0123456789")
	c := f.consumer(ProcessorFunc(echo))

	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusAcked, report.Results[0].Status)
	require.Len(t, report.Results[0].Deliveries, 1)
	assert.Equal(t, fanout.StatusDelivered, report.Results[0].Deliveries[0].Status)

	assert.Equal(t, []string{id}, f.pub.published())
	f.requireEmpty(t)
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	f := newFixture(5)
	id := f.submit(t, "x")
	var calls int
	c := f.consumer(ProcessorFunc(func(ctx context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		calls++
		if calls <= 3 {
			return nil, Transient(errors.New("downstream busy"))
		}
		return echo(ctx, e)
	}))

	for i := 1; i <= 3; i++ {
		report, err := c.ProcessBatch(f.ctx)
		require.NoError(t, err)
		require.Len(t, report.Results, 1)
		assert.Equal(t, StatusRetried, report.Results[0].Status)
		assert.Equal(t, i, report.Results[0].AttemptCount)
		f.clock.Advance(2 * time.Second)
	}
	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, StatusAcked, report.Results[0].Status)
	assert.Equal(t, 3, report.Results[0].AttemptCount)

	_, err = f.q.GetDead(f.ctx, id)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	f.requireEmpty(t)
}

func TestPermanentFailureDeadLettersWithoutRetry(t *testing.T) {
	f := newFixture(5)
	id := f.submit(t, "x")
	c := f.consumer(ProcessorFunc(func(context.Context, *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		return nil, Permanent(errors.New("schema violation"))
	}))

	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, StatusDead, report.Results[0].Status)
	assert.Equal(t, 0, report.Results[0].AttemptCount)

	dl, err := f.q.GetDead(f.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, dl.AttemptCount)
	assert.Contains(t, dl.Reason, "schema violation")
	assert.Empty(t, f.pub.published())
}

func TestCodecErrorsArePermanent(t *testing.T) {
	f := newFixture(5)
	f.submit(t, "x")
	c := f.consumer(ProcessorFunc(func(_ context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		_, err := envelope.Decode(e.Payload)
		return nil, err
	}))
	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, report.Results[0].Status)
}

func TestPublishFailureRetriesWithoutAck(t *testing.T) {
	f := newFixture(5)
	f.submit(t, "x")
	f.pub.err = errors.New("subscriber down")
	c := f.consumer(ProcessorFunc(echo))

	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "subscriber down")
	require.Len(t, report.Results[0].Deliveries, 1)
	assert.Equal(t, fanout.StatusFailed, report.Results[0].Deliveries[0].Status)

	st, err := f.q.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	f := newFixture(1)
	id := f.submit(t, "x")
	c := f.consumer(ProcessorFunc(func(context.Context, *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		return nil, errors.New("unclassified")
	}))
	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, report.Results[0].Status)
	f.clock.Advance(2 * time.Second)

	report, err = c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, report.Results[0].Status)
	assert.Equal(t, 2, report.Results[0].AttemptCount)
	_, err = f.q.GetDead(f.ctx, id)
	require.NoError(t, err)
}

func TestProcessorPanicIsTransient(t *testing.T) {
	f := newFixture(5)
	f.submit(t, "x")
	c := f.consumer(ProcessorFunc(func(context.Context, *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		panic("boom")
	}))
	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, "boom")
}

func TestNilEventAcknowledgesWithoutPublishing(t *testing.T) {
	f := newFixture(5)
	f.submit(t, "x")
	c := f.consumer(ProcessorFunc(func(context.Context, *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		return nil, nil
	}))
	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Empty(t, f.pub.published())
	f.requireEmpty(t)
}

func TestLostLeaseIsBenign(t *testing.T) {
	f := newFixture(5)
	f.submit(t, "x")
	c := New(f.q, ProcessorFunc(func(ctx context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		// simulate a stall longer than the lease
		f.clock.Advance(2 * time.Minute)
		return echo(ctx, e)
	}), f.pub, Config{LeaseDuration: time.Minute}, nil)

	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusLost, report.Results[0].Status)

	// the envelope is leased again with its attempt counted
	items, err := f.q.Lease(f.ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 0)
	f.clock.Advance(2 * time.Second)
	items, err = f.q.Lease(f.ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Envelope.AttemptCount)
}

func TestHeartbeatKeepsLongProcessingLeased(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New(queue.Options{})
	_, err := q.Enqueue(ctx, envelope.New([]byte("slow"), nil, time.Now()), 0)
	require.NoError(t, err)
	pub := &recordingPublisher{}
	c := New(q, ProcessorFunc(func(ctx context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		time.Sleep(150 * time.Millisecond)
		return echo(ctx, e)
	}), pub, Config{LeaseDuration: 60 * time.Millisecond, ProcessingTimeout: time.Second}, nil)

	report, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAcked, report.Results[0].Status)
	assert.Len(t, pub.published(), 1)
}

func TestSubMillisecondLeaseIsClamped(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New(queue.Options{})
	_, err := q.Enqueue(ctx, envelope.New([]byte("x"), nil, time.Now()), 0)
	require.NoError(t, err)
	c := New(q, ProcessorFunc(func(ctx context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		time.Sleep(5 * time.Millisecond)
		return echo(ctx, e)
	}), &recordingPublisher{}, Config{LeaseDuration: time.Nanosecond, ProcessingTimeout: time.Second}, nil)
	assert.Equal(t, queue.MinLeaseDuration, c.cfg.LeaseDuration)

	// the heartbeat ticker must start without panicking
	report, err := c.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Results, 1)
}

func TestHeartbeatInterval(t *testing.T) {
	assert.Equal(t, 15*time.Second, heartbeatInterval(30*time.Second))
	assert.Equal(t, time.Millisecond, heartbeatInterval(time.Millisecond))
	assert.Equal(t, time.Millisecond, heartbeatInterval(time.Nanosecond))
	assert.Equal(t, time.Millisecond, heartbeatInterval(0))
}

func TestProcessingTimeoutCancelsProcessor(t *testing.T) {
	f := newFixture(5)
	f.submit(t, "x")
	c := New(f.q, ProcessorFunc(func(ctx context.Context, _ *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), f.pub, Config{LeaseDuration: time.Minute, ProcessingTimeout: 20 * time.Millisecond}, nil)

	report, err := c.ProcessBatch(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, report.Results[0].Status)
	assert.Contains(t, report.Results[0].Error, context.DeadlineExceeded.Error())
}

func TestConcurrentWorkersOnSingleItem(t *testing.T) {
	f := newFixture(5)
	f.submit(t, "only")
	c := f.consumer(ProcessorFunc(echo))

	var got [2]int
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.ProcessBatch(f.ctx)
			assert.NoError(t, err)
			got[i] = len(r.Results)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, got[0]+got[1])
	assert.Len(t, f.pub.published(), 1)
}

// flakyLeaser fails Lease until fails reaches zero.
type flakyLeaser struct {
	queue.Queue
	fails atomic.Int32
	calls atomic.Int32
}

func (q *flakyLeaser) Lease(ctx context.Context, n int, d time.Duration) ([]queue.Leased, error) {
	q.calls.Add(1)
	if q.fails.Add(-1) >= 0 {
		return nil, queue.ErrStoreUnavailable
	}
	return q.Queue.Lease(ctx, n, d)
}

func TestRunBacksOffOnStoreFailureAndDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mq := memqueue.New(queue.Options{})
	fq := &flakyLeaser{Queue: mq}
	fq.fails.Store(2)
	for i := 0; i < 20; i++ {
		_, err := mq.Enqueue(ctx, envelope.New([]byte("x"), nil, time.Now()), 0)
		require.NoError(t, err)
	}

	pub := &recordingPublisher{}
	c := New(fq, ProcessorFunc(echo), pub, Config{
		Workers:      3,
		BatchSize:    4,
		PollInterval: 5 * time.Millisecond,
		BackoffBase:  5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
	}, nil)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(pub.published()) == 20 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, int(fq.calls.Load()), 3)

	st, err := mq.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, st)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(errors.New("x")))
	assert.Equal(t, KindPermanent, Classify(Permanent(errors.New("x"))))
	assert.Equal(t, KindTransient, Classify(Transient(errors.New("x"))))
	assert.Equal(t, KindPermanent, Classify(envelope.ErrMalformedEnvelope))
	assert.Equal(t, KindPermanent, Classify(envelope.ErrUnsupportedVersion))
}
