// Package consumer leases envelopes, runs them through a Processor and
// publishes the results. Delivery is at-least-once: the envelope id doubles as
// the publish dedup key so a duplicate lease does not double-deliver inside
// the dedup window.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/fanout"
	"github.com/rzbill/fanq/internal/metrics"
	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/pkg/log"
)

// Processor turns an envelope into a processed event. A nil event with a nil
// error acknowledges the envelope without publishing.
type Processor interface {
	Process(ctx context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error)

func (f ProcessorFunc) Process(ctx context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
	return f(ctx, e)
}

// Publisher delivers processed events. It must be idempotent per dedupKey
// inside its dedup window. *fanout.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, ev *envelope.ProcessedEvent, dedupKey string) (fanout.DeliveryReport, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev *envelope.ProcessedEvent, dedupKey string) (fanout.DeliveryReport, error)

func (f PublisherFunc) Publish(ctx context.Context, ev *envelope.ProcessedEvent, dedupKey string) (fanout.DeliveryReport, error) {
	return f(ctx, ev, dedupKey)
}

// Config tunes the worker pool.
type Config struct {
	Workers           int
	BatchSize         int
	LeaseDuration     time.Duration
	ProcessingTimeout time.Duration
	// PollInterval is the idle wait after an empty lease.
	PollInterval time.Duration
	// BackoffBase and BackoffCap bound the worker-level wait after the store
	// is unavailable. This is separate from per-message retry backoff.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = queue.DefaultLeaseDuration
	} else if c.LeaseDuration < queue.MinLeaseDuration {
		c.LeaseDuration = queue.MinLeaseDuration
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = c.LeaseDuration
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = queue.DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = queue.DefaultBackoffCap
	}
	return c
}

// Status is the fate of one envelope in a batch.
type Status string

const (
	StatusAcked   Status = "acked"
	StatusRetried Status = "retried"
	StatusDead    Status = "dead"
	// StatusLost means the lease expired before the outcome could be
	// recorded; the envelope will be leased again.
	StatusLost Status = "lost"
	// StatusError means recording the outcome hit a store failure.
	StatusError Status = "error"
)

// Outcome reports one envelope.
type Outcome struct {
	EnvelopeID   string `json:"envelope_id"`
	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	Error        string `json:"error,omitempty"`
	// Deliveries holds the per-subscriber results when the event was
	// published.
	Deliveries []fanout.DeliveryResult `json:"deliveries,omitempty"`
}

// BatchReport summarizes one lease/process cycle.
type BatchReport struct {
	Processed    int       `json:"processed_count"`
	Failed       int       `json:"failed_count"`
	DeadLettered int       `json:"dead_lettered_count"`
	Results      []Outcome `json:"results"`
}

// Consumer runs the lease/process/settle loop.
type Consumer struct {
	q      queue.Queue
	proc   Processor
	pub    Publisher
	cfg    Config
	logger log.Logger
}

// New returns a consumer. pub may be nil, in which case events are dropped
// after processing.
func New(q queue.Queue, proc Processor, pub Publisher, cfg Config, logger log.Logger) *Consumer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if pub == nil {
		pub = PublisherFunc(func(_ context.Context, _ *envelope.ProcessedEvent, key string) (fanout.DeliveryReport, error) {
			return fanout.DeliveryReport{DedupKey: key}, nil
		})
	}
	return &Consumer{
		q:      q,
		proc:   proc,
		pub:    pub,
		cfg:    cfg.withDefaults(),
		logger: logger.With(log.Component("consumer")),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has exited. In-flight envelopes are finished, not abandoned.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		log.Int("workers", c.cfg.Workers),
		log.Int("batch_size", c.cfg.BatchSize),
		log.Duration("lease_duration", c.cfg.LeaseDuration))
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.work(ctx, n)
		}(i)
	}
	wg.Wait()
	c.logger.Info("consumer stopped")
	return nil
}

func (c *Consumer) work(ctx context.Context, n int) {
	logger := c.logger.With(log.Int("worker", n))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(n)))
	backoff := time.Duration(0)
	for ctx.Err() == nil {
		report, err := c.ProcessBatch(ctx)
		var wait time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			metrics.LeaseErrors.Inc()
			if backoff == 0 {
				backoff = c.cfg.BackoffBase
			} else if backoff *= 2; backoff > c.cfg.BackoffCap {
				backoff = c.cfg.BackoffCap
			}
			wait = backoff + time.Duration(rng.Int63n(int64(c.cfg.BackoffBase)))
			logger.Warn("lease failed; backing off", log.Duration("backoff", wait), log.Err(err))
		case len(report.Results) == 0:
			backoff = 0
			wait = c.cfg.PollInterval
		default:
			backoff = 0
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// ProcessBatch leases up to BatchSize envelopes and settles each one. The
// error is non-nil only when the lease itself failed.
func (c *Consumer) ProcessBatch(ctx context.Context) (BatchReport, error) {
	var report BatchReport
	items, err := c.q.Lease(ctx, c.cfg.BatchSize, c.cfg.LeaseDuration)
	if err != nil {
		return report, fmt.Errorf("lease: %w", err)
	}
	if len(items) == 0 {
		return report, nil
	}
	metrics.LeasedTotal.Add(float64(len(items)))

	// Settling must survive shutdown so in-flight work is not wasted.
	settleCtx := context.WithoutCancel(ctx)
	hb := c.startHeartbeat(settleCtx, items)
	defer hb.stop()

	report.Results = make([]Outcome, 0, len(items))
	for _, it := range items {
		o := c.handle(settleCtx, it)
		hb.done(it.Envelope.ID.String())
		report.Results = append(report.Results, o)
		switch o.Status {
		case StatusAcked:
			report.Processed++
		case StatusDead:
			report.Failed++
			report.DeadLettered++
		default:
			report.Failed++
		}
	}
	return report, nil
}

func (c *Consumer) handle(ctx context.Context, it queue.Leased) Outcome {
	e := it.Envelope
	idStr := e.ID.String()
	out := Outcome{EnvelopeID: idStr, AttemptCount: e.AttemptCount}
	logger := c.logger.With(
		log.Str("id", idStr),
		log.Str("correlation_id", e.Attr(envelope.AttrCorrelationID)),
		log.Int("attempt_count", e.AttemptCount))

	deliveries, err := c.process(ctx, e)
	out.Deliveries = deliveries
	if err == nil {
		if aerr := c.q.Acknowledge(ctx, idStr, it.Token); aerr != nil {
			return c.settleError(logger, out, aerr)
		}
		metrics.OutcomesTotal.WithLabelValues(string(StatusAcked)).Inc()
		out.Status = StatusAcked
		logger.Debug("acknowledged")
		return out
	}

	kind := Classify(err)
	out.Error = err.Error()
	d, ferr := c.q.Fail(ctx, idStr, it.Token, queue.FailOptions{Terminal: kind == KindPermanent, Reason: err.Error()})
	if ferr != nil {
		return c.settleError(logger, out, ferr)
	}
	out.AttemptCount = d.AttemptCount
	if d.State == envelope.StateDead {
		out.Status = StatusDead
		metrics.OutcomesTotal.WithLabelValues(string(StatusDead)).Inc()
		logger.Warn("dead-lettered", log.Str("kind", kind.String()), log.Err(err))
		return out
	}
	out.Status = StatusRetried
	metrics.OutcomesTotal.WithLabelValues(string(StatusRetried)).Inc()
	logger.Info("processing failed; retry scheduled",
		log.Str("kind", kind.String()),
		log.F("available_at", d.AvailableAt),
		log.Err(err))
	return out
}

// process runs the processor under the processing timeout and publishes its
// result. Publish failures are transient.
func (c *Consumer) process(ctx context.Context, e *envelope.Envelope) ([]fanout.DeliveryResult, error) {
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProcessingTimeout)
	defer cancel()

	start := time.Now()
	ev, err := c.safeProcess(pctx, e)
	metrics.ProcessingDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	if ev.SourceEnvelopeID.IsZero() {
		ev.SourceEnvelopeID = e.ID
	}
	if ev.ProducedAt.IsZero() {
		ev.ProducedAt = time.Now()
	}
	report, perr := c.pub.Publish(ctx, ev, e.ID.String())
	if perr != nil {
		return report.Results, Transient(fmt.Errorf("publish: %w", perr))
	}
	return report.Results, nil
}

func (c *Consumer) safeProcess(ctx context.Context, e *envelope.Envelope) (ev *envelope.ProcessedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Transient(fmt.Errorf("processor panic: %v", r))
		}
	}()
	return c.proc.Process(ctx, e)
}

func (c *Consumer) settleError(logger log.Logger, out Outcome, err error) Outcome {
	out.Error = err.Error()
	if queue.IsBenign(err) {
		logger.Debug("lease lost before settle", log.Err(err))
		out.Status = StatusLost
		return out
	}
	logger.Error("settle failed", log.Err(err))
	out.Status = StatusError
	return out
}

// heartbeat extends every outstanding lease of a batch at half the lease
// duration until the envelope is settled or the lease is lost.
type heartbeat struct {
	mu     sync.Mutex
	tokens map[string]string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// heartbeatInterval is half the lease, never below a millisecond.
func heartbeatInterval(lease time.Duration) time.Duration {
	if d := lease / 2; d >= time.Millisecond {
		return d
	}
	return time.Millisecond
}

func (c *Consumer) startHeartbeat(ctx context.Context, items []queue.Leased) *heartbeat {
	ctx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{tokens: make(map[string]string, len(items)), cancel: cancel}
	for _, it := range items {
		hb.tokens[it.Envelope.ID.String()] = it.Token
	}
	interval := heartbeatInterval(c.cfg.LeaseDuration)
	hb.wg.Add(1)
	go func() {
		defer hb.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for idStr, token := range hb.snapshot() {
					err := c.q.ExtendLease(ctx, idStr, token, c.cfg.LeaseDuration)
					switch {
					case err == nil:
					case errors.Is(err, queue.ErrInvalidLease):
						c.logger.Debug("lease lost during processing", log.Str("id", idStr))
						hb.done(idStr)
					case ctx.Err() == nil:
						c.logger.Warn("lease extension failed", log.Str("id", idStr), log.Err(err))
					}
				}
			}
		}
	}()
	return hb
}

func (hb *heartbeat) snapshot() map[string]string {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	out := make(map[string]string, len(hb.tokens))
	for k, v := range hb.tokens {
		out[k] = v
	}
	return out
}

func (hb *heartbeat) done(idStr string) {
	hb.mu.Lock()
	delete(hb.tokens, idStr)
	hb.mu.Unlock()
}

func (hb *heartbeat) stop() {
	hb.cancel()
	hb.wg.Wait()
}
