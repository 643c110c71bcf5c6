// Package fanout delivers processed events to every matching subscriber.
//
// Each subscriber is isolated: it has its own filter, retry policy and
// circuit breaker, and runs as a task on a bounded worker pool. Publish is
// idempotent per (dedup key, subscriber) inside the dedup window.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/metrics"
	"github.com/rzbill/fanq/pkg/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrDeliveryFailed is returned by Publish when at least one matching
	// subscriber exhausted its retries.
	ErrDeliveryFailed = errors.New("fanout: delivery failed")
	// ErrDeliveryInFlight is returned by Publish when another publish of the
	// same dedup key still holds a subscriber's claim. The caller should retry
	// later rather than treat the event as delivered.
	ErrDeliveryInFlight = errors.New("fanout: delivery in flight")
	// ErrInvalidFilter is returned for filters that do not compile to a
	// boolean expression.
	ErrInvalidFilter = errors.New("fanout: invalid filter")
	// ErrInvalidEndpoint is returned for endpoints no sink can serve.
	ErrInvalidEndpoint = errors.New("fanout: invalid endpoint")
	// ErrInvalidSubscription covers missing or duplicate names.
	ErrInvalidSubscription = errors.New("fanout: invalid subscription")
)

// DeliveryError lists the subscribers that did not receive the event in one
// Publish.
type DeliveryError struct {
	Failed   []string
	InFlight []string
}

func (e *DeliveryError) Error() string {
	var parts []string
	if len(e.Failed) > 0 {
		parts = append(parts, "delivery failed for "+strings.Join(e.Failed, ", "))
	}
	if len(e.InFlight) > 0 {
		parts = append(parts, "delivery in flight for "+strings.Join(e.InFlight, ", "))
	}
	return "fanout: " + strings.Join(parts, "; ")
}

func (e *DeliveryError) Unwrap() []error {
	var errs []error
	if len(e.Failed) > 0 {
		errs = append(errs, ErrDeliveryFailed)
	}
	if len(e.InFlight) > 0 {
		errs = append(errs, ErrDeliveryInFlight)
	}
	return errs
}

// DeliveryPolicy controls per-subscriber retries.
type DeliveryPolicy struct {
	// MaxRetries is the number of extra attempts after the first. Zero
	// means a single attempt.
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	Backoff    time.Duration `mapstructure:"backoff" yaml:"backoff" json:"backoff"`
	// Timeout bounds each attempt.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// Default delivery policy.
const (
	DefaultDeliveryBackoff = 100 * time.Millisecond
	DefaultDeliveryTimeout = 5 * time.Second
	DefaultDedupWindow     = 5 * time.Minute
)

// worstCase is the longest a delivery under p can take.
func (p DeliveryPolicy) worstCase() time.Duration {
	d := time.Duration(p.MaxRetries+1) * p.Timeout
	for i := 0; i < p.MaxRetries; i++ {
		d += p.Backoff << uint(i)
	}
	return d + time.Second
}

func (p DeliveryPolicy) withDefaults() DeliveryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultDeliveryBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultDeliveryTimeout
	}
	return p
}

// Subscription registers one destination.
type Subscription struct {
	Name     string         `mapstructure:"name" yaml:"name" json:"name"`
	Endpoint string         `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`
	Filter   string         `mapstructure:"filter" yaml:"filter,omitempty" json:"filter,omitempty"`
	Policy   DeliveryPolicy `mapstructure:"policy" yaml:"policy" json:"policy"`
}

// Status of one subscriber in a DeliveryReport.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusDuplicate Status = "duplicate"
	StatusFiltered  Status = "filtered"
	StatusFailed    Status = "failed"
	// StatusInFlight means another publish is still delivering the same key.
	StatusInFlight Status = "in_flight"
)

// DeliveryResult is the outcome for one subscriber.
type DeliveryResult struct {
	Subscriber string `json:"subscriber"`
	Status     Status `json:"status"`
	Attempts   int    `json:"attempts"`
	Err        string `json:"error,omitempty"`
}

// DeliveryReport collects every subscriber's result for one Publish.
type DeliveryReport struct {
	DedupKey string           `json:"dedup_key"`
	Results  []DeliveryResult `json:"results"`
}

// Count returns how many results have status s.
func (r DeliveryReport) Count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

// Options configure a Publisher.
type Options struct {
	DedupWindow time.Duration
	// Concurrency bounds concurrent sink deliveries per Publish.
	Concurrency int
	// Deduper defaults to an in-memory deduper.
	Deduper        Deduper
	FailureLogSize int
	// BreakerFailures is the consecutive failure count that opens a breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long a breaker stays open before probing.
	BreakerCooldown time.Duration
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type subscriber struct {
	sub      Subscription
	filter   Filter
	sink     Sink
	breaker  *gobreaker.CircuitBreaker
	// claimTTL bounds an in-flight claim: every attempt timing out plus
	// every backoff.
	claimTTL time.Duration
}

// Publisher fans events out to subscribers. Subscriptions are fixed at
// construction.
type Publisher struct {
	subs     []*subscriber
	dedup    Deduper
	window   time.Duration
	limit    int
	sleep    func(context.Context, time.Duration) error
	failures *FailureLog
	logger   log.Logger
}

// New validates subs, compiles their filters and resolves their sinks.
func New(subs []Subscription, resolver *Resolver, opts Options, logger log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if resolver == nil {
		resolver = &Resolver{Logger: logger}
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Deduper == nil {
		opts.Deduper = NewMemoryDeduper(nil)
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	p := &Publisher{
		dedup:    opts.Deduper,
		window:   opts.DedupWindow,
		limit:    opts.Concurrency,
		sleep:    opts.Sleep,
		failures: NewFailureLog(opts.FailureLogSize),
		logger:   logger.With(log.Component("fanout")),
	}
	seen := make(map[string]bool, len(subs))
	for _, s := range subs {
		if s.Name == "" || strings.Contains(s.Name, "/") {
			return nil, fmt.Errorf("%w: bad name %q", ErrInvalidSubscription, s.Name)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidSubscription, s.Name)
		}
		seen[s.Name] = true
		f, err := CompileFilter(s.Filter)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: %w", s.Name, err)
		}
		sink, err := resolver.Resolve(s.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: %w", s.Name, err)
		}
		s.Policy = s.Policy.withDefaults()
		p.subs = append(p.subs, &subscriber{
			sub:      s,
			filter:   f,
			sink:     sink,
			breaker:  p.newBreaker(s.Name, opts.BreakerFailures, opts.BreakerCooldown),
			claimTTL: s.Policy.worstCase(),
		})
	}
	return p, nil
}

func (p *Publisher) newBreaker(name string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			p.logger.Warn("circuit breaker state changed",
				log.Str("subscriber", name), log.Str("from", from.String()), log.Str("to", to.String()))
		},
	})
}

// Subscriptions returns the configured subscriptions with defaults applied.
func (p *Publisher) Subscriptions() []Subscription {
	out := make([]Subscription, len(p.subs))
	for i, s := range p.subs {
		out[i] = s.sub
	}
	return out
}

// Failures exposes the exhausted-delivery log.
func (p *Publisher) Failures() *FailureLog { return p.failures }

// Publish delivers ev to every subscriber whose filter matches. The report
// always lists every subscriber; the error wraps ErrDeliveryFailed when any
// matching subscriber failed.
func (p *Publisher) Publish(ctx context.Context, ev *envelope.ProcessedEvent, dedupKey string) (DeliveryReport, error) {
	report := DeliveryReport{DedupKey: dedupKey, Results: make([]DeliveryResult, len(p.subs))}
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, s := range p.subs {
		i, s := i, s
		g.Go(func() error {
			report.Results[i] = p.deliver(ctx, s, ev, dedupKey)
			metrics.DeliveriesTotal.WithLabelValues(s.sub.Name, string(report.Results[i].Status)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	var failed, inFlight []string
	for _, r := range report.Results {
		switch r.Status {
		case StatusFailed:
			failed = append(failed, r.Subscriber)
		case StatusInFlight:
			inFlight = append(inFlight, r.Subscriber)
		}
	}
	if len(failed) > 0 || len(inFlight) > 0 {
		return report, &DeliveryError{Failed: failed, InFlight: inFlight}
	}
	return report, nil
}

func (p *Publisher) deliver(ctx context.Context, s *subscriber, ev *envelope.ProcessedEvent, dedupKey string) DeliveryResult {
	res := DeliveryResult{Subscriber: s.sub.Name}
	if !s.filter.Match(ev) {
		res.Status = StatusFiltered
		return res
	}
	logger := p.logger.With(log.Str("subscriber", s.sub.Name), log.Str("dedup_key", dedupKey))

	key := claimKey(dedupKey, s.sub.Name)
	state, err := p.dedup.Claim(ctx, key, s.claimTTL)
	if err != nil {
		// without the dedup store we still deliver; duplicates stay within
		// the at-least-once bound
		logger.Warn("dedup claim failed; delivering anyway", log.Err(err))
		state = ClaimAcquired
	}
	switch state {
	case ClaimDelivered:
		res.Status = StatusDuplicate
		logger.Debug("duplicate suppressed")
		return res
	case ClaimInFlight:
		res.Status = StatusInFlight
		res.Err = "delivery in progress under another claim"
		logger.Debug("delivery in flight elsewhere")
		return res
	}

	pol := s.sub.Policy
	var lastErr error
	for attempt := 1; attempt <= pol.MaxRetries+1; attempt++ {
		res.Attempts = attempt
		lastErr = p.attempt(ctx, s, Delivery{Subscriber: s.sub.Name, DedupKey: dedupKey, Attempt: attempt, Event: ev})
		if lastErr == nil {
			res.Status = StatusDelivered
			if err := p.dedup.MarkDelivered(context.WithoutCancel(ctx), key, p.window); err != nil {
				logger.Warn("dedup mark failed", log.Err(err))
			}
			logger.Debug("delivered", log.Int("attempts", attempt))
			return res
		}
		if attempt > pol.MaxRetries || ctx.Err() != nil {
			break
		}
		wait := pol.Backoff << uint(attempt-1)
		logger.Debug("delivery attempt failed", log.Int("attempt", attempt), log.Duration("backoff", wait), log.Err(lastErr))
		if err := p.sleep(ctx, wait); err != nil {
			break
		}
	}

	res.Status = StatusFailed
	res.Err = lastErr.Error()
	if err := p.dedup.Release(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("dedup release failed", log.Err(err))
	}
	p.failures.Add(FailureRecord{
		Subscriber: s.sub.Name,
		DedupKey:   dedupKey,
		SourceID:   ev.SourceEnvelopeID.String(),
		Attempts:   res.Attempts,
		Error:      res.Err,
		At:         time.Now(),
	})
	logger.Error("delivery failed", log.Int("attempts", res.Attempts), log.Err(lastErr))
	return res
}

func (p *Publisher) attempt(ctx context.Context, s *subscriber, d Delivery) error {
	actx, cancel := context.WithTimeout(ctx, s.sub.Policy.Timeout)
	defer cancel()
	start := time.Now()
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.sink.Deliver(actx, d)
	})
	metrics.DeliveryDuration.WithLabelValues(s.sub.Name).Observe(time.Since(start).Seconds())
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
