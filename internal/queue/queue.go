package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
)

var (
	// ErrStoreUnavailable wraps backing-store failures. Callers retry with
	// their own backoff; it never counts as a message attempt.
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	// ErrInvalidLease means the token does not match the outstanding lease,
	// usually because it expired. It is expected under at-least-once delivery.
	ErrInvalidLease = errors.New("queue: invalid lease")
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("queue: not found")
	// ErrNotDead is returned by Replay for dead-letter records that were
	// already replayed.
	ErrNotDead = errors.New("queue: dead letter already replayed")
)

// IsBenign reports whether err is safe to ignore (a stale lease).
func IsBenign(err error) bool { return errors.Is(err, ErrInvalidLease) }

// IsRetryable reports whether err is an infrastructure failure worth retrying.
func IsRetryable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// Leased is an envelope handed out by Lease.
type Leased struct {
	Envelope  *envelope.Envelope
	Token     string
	ExpiresAt time.Time
}

// FailOptions controls Fail.
type FailOptions struct {
	// Terminal dead-letters immediately without incrementing the attempt count.
	Terminal bool
	Reason   string
}

// Disposition reports where Fail or Sweep sent an envelope.
type Disposition struct {
	State        envelope.State
	AttemptCount int
	// AvailableAt is set when State is pending.
	AvailableAt time.Time
}

// DeadLetter is an envelope that exhausted its attempts or failed terminally.
type DeadLetter struct {
	Envelope     *envelope.Envelope
	AttemptCount int
	Reason       string
	DeadAt       time.Time
	// ReplayedAt is non-zero once an operator re-enqueued the envelope.
	ReplayedAt time.Time
}

// Stats counts envelopes per state.
type Stats struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Dead    int `json:"dead"`
}

// Queue is the leased work-queue contract.
type Queue interface {
	// Enqueue stores e as pending, leasable after delay. Enqueueing an id that
	// is already stored is a no-op.
	Enqueue(ctx context.Context, e *envelope.Envelope, delay time.Duration) (string, error)
	// Lease atomically takes up to maxItems pending envelopes whose
	// AvailableAt has passed, oldest first.
	Lease(ctx context.Context, maxItems int, leaseDuration time.Duration) ([]Leased, error)
	// Acknowledge removes the envelope permanently.
	Acknowledge(ctx context.Context, id, token string) error
	// ExtendLease pushes the lease expiry to now+additional.
	ExtendLease(ctx context.Context, id, token string, additional time.Duration) error
	// Fail releases the lease, scheduling a retry or dead-lettering.
	Fail(ctx context.Context, id, token string, opts FailOptions) (Disposition, error)
	// Sweep returns expired leases to pending (or dead). Lease calls it lazily.
	Sweep(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// DeadLetters is the operator surface over dead-lettered envelopes. Records
// are kept after replay so the history stays inspectable.
type DeadLetters interface {
	ListDead(ctx context.Context, limit int) ([]DeadLetter, error)
	GetDead(ctx context.Context, id string) (*DeadLetter, error)
	// Replay re-enqueues a dead envelope with its attempt count reset to zero.
	// Unknown ids return ErrNotFound; already replayed ones ErrNotDead.
	Replay(ctx context.Context, id string) (*envelope.Envelope, error)
	// PurgeDead deletes the record and the stored envelope.
	PurgeDead(ctx context.Context, id string) error
}

// Store is a full backend.
type Store interface {
	Queue
	DeadLetters
	Close() error
}

// ReasonLeaseExpired is recorded when Sweep retries or dead-letters an envelope.
const ReasonLeaseExpired = "lease expired"
