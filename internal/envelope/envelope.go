package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/fanq/pkg/id"
)

// Well-known attribute keys.
const (
	AttrCorrelationID = "correlation_id"
	AttrContentType   = "content_type"
	AttrTraceID       = "trace_id"
	AttrPriority      = "priority"
	AttrCategory      = "category"
	AttrSource        = "source"
)

// State is the lifecycle position of an envelope inside a queue.
type State string

const (
	StatePending State = "pending"
	StateLeased  State = "leased"
	StateDone    State = "done"
	StateDead    State = "dead"
)

// Envelope wraps a payload with the metadata needed to route and retry it.
// ID is immutable once assigned; AttemptCount only grows except on replay.
type Envelope struct {
	ID           id.ID
	Payload      []byte
	Attributes   map[string]string
	AttemptCount int
	EnqueuedAt   time.Time
	AvailableAt  time.Time
	// LeaseToken is set on envelopes handed out by Lease and never encoded.
	LeaseToken string
	// LastError is the reason recorded by the most recent failure, if any.
	LastError string
}

// ProcessedEvent is what a processor derives from an envelope.
type ProcessedEvent struct {
	SourceEnvelopeID id.ID
	ResultPayload    []byte
	Attributes       map[string]string
	ProducedAt       time.Time
}

// ErrEmptyAttributeKey is returned by Validate for an attribute with no key.
var ErrEmptyAttributeKey = errors.New("envelope: attribute key must not be empty")

// New builds a pending envelope with a fresh id.
func New(payload []byte, attrs map[string]string, now time.Time) *Envelope {
	return &Envelope{
		ID:          id.New(),
		Payload:     payload,
		Attributes:  cloneAttrs(attrs),
		EnqueuedAt:  now,
		AvailableAt: now,
	}
}

// Validate checks structural rules shared by every producer.
func (e *Envelope) Validate() error {
	for k := range e.Attributes {
		if k == "" {
			return ErrEmptyAttributeKey
		}
	}
	if e.ID.IsZero() {
		return fmt.Errorf("envelope: zero id")
	}
	return nil
}

// Attr returns the attribute value or "".
func (e *Envelope) Attr(key string) string {
	if e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Attributes = cloneAttrs(e.Attributes)
	return &c
}

func cloneAttrs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
