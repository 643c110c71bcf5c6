package consumer

import (
	"errors"
	"fmt"

	"github.com/rzbill/fanq/internal/envelope"
)

// Kind classifies a processing failure.
type Kind int

const (
	// KindTransient failures are retried with backoff until max attempts.
	KindTransient Kind = iota
	// KindPermanent failures dead-letter immediately.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// ProcessingError is an application-classified processing failure.
type ProcessingError struct {
	Kind Kind
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s processing failure: %v", e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error { return &ProcessingError{Kind: KindTransient, Err: err} }

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return &ProcessingError{Kind: KindPermanent, Err: err} }

// Classify returns the failure kind of err. Codec errors are permanent;
// unclassified errors are transient.
func Classify(err error) Kind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if envelope.IsCodecError(err) {
		return KindPermanent
	}
	return KindTransient
}
