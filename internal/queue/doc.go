// Package queue defines the leased work-queue contract shared by every
// backend, together with the retry policy they apply.
//
// An envelope is pending until Lease hands it out with a fresh token. The
// holder then calls Acknowledge (done), Fail (retry or dead-letter) or
// ExtendLease. A lease that expires unacknowledged is returned to pending by
// Sweep with its attempt count incremented, or dead-lettered once the count
// exceeds MaxAttempts. Stale tokens yield ErrInvalidLease, which callers
// treat as a no-op.
//
// Backends:
//   - memory: in-process arena, used in tests and single-process runs
//   - pebble: durable embedded store (internal/queue/pebble)
//   - redis: shared store for multi-process consumers (internal/queue/redis)
package queue
