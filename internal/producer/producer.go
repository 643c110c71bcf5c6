// Package producer validates client submissions, wraps them in envelopes and
// enqueues them. It never waits for downstream processing.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/metrics"
	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/pkg/log"
)

// AttrDelayMs asks for delayed delivery. It is consumed by Submit and not
// stored on the envelope.
const AttrDelayMs = "delay_ms"

// Defaults.
const (
	DefaultMaxPayloadSize = 256 << 10
	DefaultRetryAttempts  = 3
	DefaultRetryBase      = 50 * time.Millisecond
	DefaultRetryCap       = time.Second
)

// ErrInvalidRequest is the only error class reported back to submitters as a
// client fault.
var ErrInvalidRequest = errors.New("invalid request")

// RequestError describes why a submission was rejected.
type RequestError struct {
	Field  string
	Reason string
}

func (e *RequestError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Reason)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *RequestError) Unwrap() error { return ErrInvalidRequest }

func invalid(field, reason string) error { return &RequestError{Field: field, Reason: reason} }

// Config tunes validation and enqueue retries.
type Config struct {
	MaxPayloadSize int
	// RetryAttempts bounds enqueue attempts on store failures.
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
	// MaxDelay caps delay_ms; zero means no cap.
	MaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadSize <= 0 {
		c.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = DefaultRetryCap
	}
	return c
}

// Receipt acknowledges that a submission is durably enqueued.
type Receipt struct {
	CorrelationID string    `json:"correlation_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Producer is safe for concurrent use.
type Producer struct {
	q      queue.Queue
	cfg    Config
	clock  queue.Clock
	logger log.Logger
}

// Option customizes a Producer.
type Option func(*Producer)

// WithClock overrides time.Now.
func WithClock(c queue.Clock) Option { return func(p *Producer) { p.clock = c } }

// New returns a producer writing to q.
func New(q queue.Queue, cfg Config, logger log.Logger, opts ...Option) *Producer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := &Producer{
		q:      q,
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		logger: logger.With(log.Component("producer")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Submit validates raw and attrs, then enqueues an envelope. Store failures
// are retried a bounded number of times before surfacing.
func (p *Producer) Submit(ctx context.Context, raw []byte, attrs map[string]string) (Receipt, error) {
	return p.submit(ctx, raw, attrs, p.cfg.MaxPayloadSize)
}

// submit enqueues raw, rejecting payloads above limit. A limit of zero skips
// the size check for bodies the producer built itself.
func (p *Producer) submit(ctx context.Context, raw []byte, attrs map[string]string, limit int) (Receipt, error) {
	e, delay, err := p.build(raw, attrs, limit)
	if err != nil {
		metrics.SubmittedTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}
	if err := p.enqueue(ctx, e, delay); err != nil {
		metrics.SubmittedTotal.WithLabelValues("failed").Inc()
		p.logger.Error("enqueue failed", log.Str("correlation_id", e.ID.String()), log.Err(err))
		return Receipt{}, err
	}
	metrics.SubmittedTotal.WithLabelValues("accepted").Inc()
	metrics.SubmittedBytes.Add(float64(len(raw)))
	p.logger.Debug("submitted",
		log.Str("correlation_id", e.ID.String()),
		log.Int("size", len(raw)),
		log.Duration("delay", delay))
	return Receipt{CorrelationID: e.ID.String(), EnqueuedAt: e.EnqueuedAt}, nil
}

func (p *Producer) build(raw []byte, attrs map[string]string, limit int) (*envelope.Envelope, time.Duration, error) {
	if len(raw) == 0 {
		return nil, 0, invalid("payload", "must not be empty")
	}
	if limit > 0 && len(raw) > limit {
		return nil, 0, invalid("payload", fmt.Sprintf("%d bytes exceeds limit of %d", len(raw), limit))
	}
	var delay time.Duration
	clean := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		if k == "" {
			return nil, 0, invalid("attributes", "key must not be empty")
		}
		if k == AttrDelayMs {
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms < 0 {
				return nil, 0, invalid(AttrDelayMs, "must be a non-negative integer")
			}
			delay = time.Duration(ms) * time.Millisecond
			if p.cfg.MaxDelay > 0 && delay > p.cfg.MaxDelay {
				return nil, 0, invalid(AttrDelayMs, fmt.Sprintf("exceeds maximum of %s", p.cfg.MaxDelay))
			}
			continue
		}
		clean[k] = v
	}

	e := envelope.New(raw, nil, p.clock())
	e.Attributes = clean
	e.Attributes[envelope.AttrCorrelationID] = e.ID.String()
	if e.Attributes[envelope.AttrTraceID] == "" {
		e.Attributes[envelope.AttrTraceID] = uuid.NewString()
	}
	return e, delay, nil
}

func (p *Producer) enqueue(ctx context.Context, e *envelope.Envelope, delay time.Duration) error {
	wait := p.cfg.RetryBase
	var err error
	for attempt := 1; ; attempt++ {
		if _, err = p.q.Enqueue(ctx, e, delay); err == nil || !queue.IsRetryable(err) {
			return err
		}
		if attempt >= p.cfg.RetryAttempts {
			return err
		}
		metrics.EnqueueRetries.Inc()
		p.logger.Warn("store unavailable; retrying enqueue",
			log.Int("attempt", attempt), log.Duration("backoff", wait), log.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (gave up: %v)", err, ctx.Err())
		case <-t.C:
		}
		if wait *= 2; wait > p.cfg.RetryCap {
			wait = p.cfg.RetryCap
		}
	}
}
