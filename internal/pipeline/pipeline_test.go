package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	cfgpkg "github.com/rzbill/fanq/internal/config"
	"github.com/rzbill/fanq/internal/consumer"
	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/fanout"
	"github.com/rzbill/fanq/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	got []fanout.Delivery
}

func (r *recorder) Deliver(_ context.Context, d fanout.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, d)
	return nil
}

func (r *recorder) deliveries() []fanout.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]fanout.Delivery(nil), r.got...)
}

func testConfig(t *testing.T, backend string) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.Queue.Backend = backend
	cfg.Queue.DataDir = t.TempDir()
	cfg.Queue.SweepInterval = 20 * time.Millisecond
	cfg.Queue.BackoffBase = 10 * time.Millisecond
	cfg.Queue.BackoffCap = 20 * time.Millisecond
	cfg.Consumer.Workers = 2
	cfg.Consumer.PollInterval = 5 * time.Millisecond
	cfg.Fanout.Subscriptions = []fanout.Subscription{
		{Name: "all", Endpoint: "func://all"},
		{Name: "high", Endpoint: "func://high", Filter: "attributes.priority == 'high'"},
	}
	return cfg
}

func newPipeline(t *testing.T, cfg cfgpkg.Config, proc consumer.Processor, sinks map[string]fanout.Sink) *Pipeline {
	t.Helper()
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	p, err := New(cfg, Deps{Runtime: rt, Processor: proc, Sinks: sinks})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	for _, backend := range []string{cfgpkg.BackendMemory, cfgpkg.BackendPebble, cfgpkg.BackendRedis} {
		t.Run(backend, func(t *testing.T) {
			mr.FlushAll()
			cfg := testConfig(t, backend)
			cfg.Redis.Addr = mr.Addr()
			all, high := &recorder{}, &recorder{}
			p := newPipeline(t, cfg, nil, map[string]fanout.Sink{"all": all, "high": high})
			p.Start(context.Background())

			ctx := context.Background()
			r1, err := p.Producer.Submit(ctx, []byte(`{"order":1}`), map[string]string{"priority": "high"})
			require.NoError(t, err)
			_, err = p.Producer.Submit(ctx, []byte(`{"order":2}`), nil)
			require.NoError(t, err)

			require.Eventually(t, func() bool { return len(all.deliveries()) == 2 }, 5*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return len(high.deliveries()) == 1 }, time.Second, 10*time.Millisecond)
			assert.Equal(t, r1.CorrelationID, high.deliveries()[0].DedupKey)

			var doc map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(high.deliveries()[0].Event.ResultPayload, &doc))
			assert.JSONEq(t, `{"order":1}`, string(doc["original_message"]))

			require.Eventually(t, func() bool {
				st, err := p.Stats(ctx)
				return err == nil && st.Pending == 0 && st.Leased == 0
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func TestPermanentFailureDeadLettersAndReplays(t *testing.T) {
	cfg := testConfig(t, cfgpkg.BackendMemory)
	var fail sync.Map
	proc := consumer.ProcessorFunc(func(_ context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		if _, bad := fail.Load(e.ID.String()); bad {
			return nil, consumer.Permanent(assert.AnError)
		}
		return &envelope.ProcessedEvent{SourceEnvelopeID: e.ID, ResultPayload: e.Payload}, nil
	})
	all := &recorder{}
	p := newPipeline(t, cfg, proc, map[string]fanout.Sink{"all": all, "high": &recorder{}})

	ctx := context.Background()
	r, err := p.Producer.Submit(ctx, []byte("x"), nil)
	require.NoError(t, err)
	fail.Store(r.CorrelationID, true)
	p.Start(ctx)

	require.Eventually(t, func() bool {
		st, err := p.Stats(ctx)
		return err == nil && st.Dead == 1
	}, 5*time.Second, 10*time.Millisecond)
	dl, err := p.Queue.GetDead(ctx, r.CorrelationID)
	require.NoError(t, err)
	assert.Zero(t, dl.AttemptCount, "a permanent failure does not consume a retry")
	assert.Empty(t, all.deliveries())

	fail.Delete(r.CorrelationID)
	_, err = p.Queue.Replay(ctx, r.CorrelationID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(all.deliveries()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestSubscriberFailureRetriesEnvelope(t *testing.T) {
	cfg := testConfig(t, cfgpkg.BackendMemory)
	var mu sync.Mutex
	calls := 0
	flaky := fanout.SinkFunc(func(context.Context, fanout.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	})
	all := &recorder{}
	cfg.Fanout.Subscriptions = []fanout.Subscription{
		{Name: "all", Endpoint: "func://all"},
		{Name: "flaky", Endpoint: "func://flaky"},
	}
	p := newPipeline(t, cfg, nil, map[string]fanout.Sink{"all": all, "flaky": flaky})
	p.Start(context.Background())

	_, err := p.Producer.Submit(context.Background(), []byte(`{}`), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, 5*time.Second, 10*time.Millisecond)
	// the retry is deduplicated for the subscriber that already succeeded
	assert.Len(t, all.deliveries(), 1)
}

func TestNewRequiresRuntime(t *testing.T) {
	_, err := New(cfgpkg.Default(), Deps{})
	assert.Error(t, err)
}

func TestNewRejectsBadSubscription(t *testing.T) {
	cfg := testConfig(t, cfgpkg.BackendMemory)
	cfg.Fanout.Subscriptions = []fanout.Subscription{{Name: "x", Endpoint: "gopher://x"}}
	rt, err := runtime.Open(context.Background(), runtime.Options{Config: cfg})
	require.NoError(t, err)
	defer rt.Close()
	_, err = New(cfg, Deps{Runtime: rt})
	assert.ErrorIs(t, err, fanout.ErrInvalidEndpoint)
}

func TestCloseWithoutStart(t *testing.T) {
	cfg := testConfig(t, cfgpkg.BackendMemory)
	p := newPipeline(t, cfg, nil, map[string]fanout.Sink{"all": &recorder{}, "high": &recorder{}})
	assert.NoError(t, p.Close())
}
