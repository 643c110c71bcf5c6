package queue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
)

// Retry defaults: 200ms base doubling up to a 30s cap, five attempts.
const (
	DefaultMaxAttempts   = 5
	DefaultBackoffBase   = 200 * time.Millisecond
	DefaultBackoffCap    = 30 * time.Second
	DefaultLeaseDuration = 30 * time.Second
	// MinLeaseDuration is the smallest lease the backends can represent;
	// they store expiries in milliseconds.
	MinLeaseDuration = time.Millisecond
)

// Backoff computes retry delays: min(Base*2^attempt, Cap) plus a jitter in
// [0, Base).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a value in [0, n). Nil uses math/rand.
	Jitter func(n time.Duration) time.Duration
}

// Delay returns the wait before the given attempt becomes leasable again.
func (b Backoff) Delay(attempt int) time.Duration {
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	d := limit
	if attempt < 62 {
		if shifted := base << uint(attempt); shifted > 0 && shifted < limit && shifted>>uint(attempt) == base {
			d = shifted
		}
	}
	return d + b.jitter(base)
}

// JitterFor draws the jitter component alone; backends that compute the
// exponential part server-side use it.
func (b Backoff) JitterFor() time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	return b.jitter(base)
}

func (b Backoff) jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	if b.Jitter != nil {
		return b.Jitter(n)
	}
	return randomJitter(n)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randomJitter(n time.Duration) time.Duration {
	rngMu.Lock()
	defer rngMu.Unlock()
	return time.Duration(rng.Int63n(int64(n)))
}

// NoJitter disables jitter, for deterministic tests.
func NoJitter(time.Duration) time.Duration { return 0 }

// Clock returns the current time. Backends take one so tests can drive expiry.
type Clock func() time.Time

// Options configure retry behaviour shared by every backend.
type Options struct {
	MaxAttempts int
	Backoff     Backoff
	Clock       Clock
}

// WithDefaults fills zero fields.
func (o Options) WithDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = DefaultBackoffBase
	}
	if o.Backoff.Cap <= 0 {
		o.Backoff.Cap = DefaultBackoffCap
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// NextState decides the outcome of a failed attempt. attempts is the count
// before this failure.
func (o Options) NextState(attempts int, terminal bool, now time.Time) Disposition {
	if terminal {
		return Disposition{State: envelope.StateDead, AttemptCount: attempts}
	}
	attempts++
	if attempts > o.MaxAttempts {
		return Disposition{State: envelope.StateDead, AttemptCount: attempts}
	}
	return Disposition{State: envelope.StatePending, AttemptCount: attempts, AvailableAt: now.Add(o.Backoff.Delay(attempts))}
}
