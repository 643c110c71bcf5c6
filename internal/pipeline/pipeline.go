// Package pipeline assembles a running fanq node: queue backend, producer,
// fan-out publisher and consumer pool, plus the lease sweeper.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	cfgpkg "github.com/rzbill/fanq/internal/config"
	"github.com/rzbill/fanq/internal/consumer"
	"github.com/rzbill/fanq/internal/consumer/processors"
	"github.com/rzbill/fanq/internal/fanout"
	"github.com/rzbill/fanq/internal/metrics"
	"github.com/rzbill/fanq/internal/producer"
	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/internal/runtime"
	"github.com/rzbill/fanq/pkg/log"
)

// Deps are the pieces a caller may supply. Zero values get defaults.
type Deps struct {
	// Runtime is required; it owns the storage handles.
	Runtime *runtime.Runtime
	// Processor defaults to processors.Enrich.
	Processor consumer.Processor
	// Sinks are exposed to func:// subscription endpoints.
	Sinks      map[string]fanout.Sink
	HTTPClient *http.Client
	Clock      queue.Clock
	Logger     log.Logger
}

// Pipeline is a wired node. Start runs the background stages; the Producer
// and Queue are usable as soon as New returns.
type Pipeline struct {
	Queue     queue.Store
	Producer  *producer.Producer
	Publisher *fanout.Publisher
	Consumer  *consumer.Consumer

	resolver *fanout.Resolver
	sweeper  *queue.Sweeper
	logger   log.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New builds every stage from cfg.
func New(cfg cfgpkg.Config, deps Deps) (*Pipeline, error) {
	if deps.Runtime == nil {
		return nil, errors.New("pipeline: runtime is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	proc := deps.Processor
	if proc == nil {
		proc = processors.Enrich(clock)
	}

	opts := cfg.QueueOptions()
	opts.Clock = clock
	q, err := deps.Runtime.OpenQueue(cfg.Queue.Name, opts)
	if err != nil {
		return nil, err
	}

	resolver := &fanout.Resolver{
		HTTPClient: deps.HTTPClient,
		Logger:     logger,
		Funcs:      deps.Sinks,
		NATSURL:    cfg.NATS.URL,
	}
	var deduper fanout.Deduper
	if cfg.Fanout.Dedup == "redis" && deps.Runtime.Redis() != nil {
		deduper = fanout.NewRedisDeduper(deps.Runtime.Redis(), "")
	} else {
		deduper = fanout.NewMemoryDeduper(clock)
	}
	pub, err := fanout.New(cfg.Fanout.Subscriptions, resolver, fanout.Options{
		DedupWindow:     cfg.Fanout.DedupWindow,
		Concurrency:     cfg.Fanout.Concurrency,
		Deduper:         deduper,
		FailureLogSize:  cfg.Fanout.FailureLogSize,
		BreakerFailures: uint32(cfg.Fanout.BreakerFailures),
		BreakerCooldown: cfg.Fanout.BreakerCooldown,
	}, logger)
	if err != nil {
		_ = q.Close()
		_ = resolver.Close()
		return nil, err
	}

	prod := producer.New(q, producer.Config{
		MaxPayloadSize: cfg.Producer.MaxPayloadSize,
		RetryAttempts:  cfg.Producer.RetryAttempts,
		MaxDelay:       cfg.Producer.MaxDelay,
	}, logger, producer.WithClock(clock))

	cons := consumer.New(q, proc, pub, consumer.Config{
		Workers:           cfg.Consumer.Workers,
		BatchSize:         cfg.Consumer.BatchSize,
		LeaseDuration:     cfg.Queue.LeaseDuration,
		ProcessingTimeout: cfg.Consumer.ProcessingTimeout,
		PollInterval:      cfg.Consumer.PollInterval,
	}, logger)

	return &Pipeline{
		Queue:     q,
		Producer:  prod,
		Publisher: pub,
		Consumer:  cons,
		resolver:  resolver,
		sweeper:   queue.NewSweeper(q, cfg.Queue.SweepInterval, logger),
		logger:    logger.With(log.Component("pipeline")),
	}, nil
}

// Start runs the consumer pool and the lease sweeper until Close or until
// ctx is cancelled. Calling Start twice is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.sweeper.Start()
	go func() {
		defer close(p.done)
		_ = p.Consumer.Run(ctx)
	}()
	p.logger.Info("pipeline started", log.Int("subscriptions", len(p.Publisher.Subscriptions())))
}

// Stats reads queue depths and mirrors them onto the depth gauge.
func (p *Pipeline) Stats(ctx context.Context) (queue.Stats, error) {
	st, err := p.Queue.Stats(ctx)
	if err != nil {
		return st, err
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(st.Pending))
	metrics.QueueDepth.WithLabelValues("leased").Set(float64(st.Leased))
	metrics.QueueDepth.WithLabelValues("dead").Set(float64(st.Dead))
	return st, nil
}

// Close stops the background stages, waiting for in-flight envelopes, and
// releases the queue and sink connections. The runtime stays open.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	p.sweeper.Stop()
	return errors.Join(p.Queue.Close(), p.resolver.Close())
}
