// Package pebblequeue is the durable queue backend built on the Pebble store.
//
// Every state transition (lease, acknowledge, extend, fail, sweep, replay) is
// one atomic batch. A per-queue mutex orders transitions so concurrent Lease
// callers never observe the same ready entry.
package pebblequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/queue"
	pebblestore "github.com/rzbill/fanq/internal/storage/pebble"
	"github.com/rzbill/fanq/pkg/id"
	"github.com/rzbill/fanq/pkg/log"
)

// sweepBatch bounds how many expired leases one sweep pass handles per batch.
const sweepBatch = 512

// Queue implements queue.Store on Pebble.
type Queue struct {
	db     *pebblestore.DB
	name   string
	opts   queue.Options
	logger log.Logger
	meta   Meta

	mu     sync.Mutex
	closed bool
}

var _ queue.Store = (*Queue)(nil)

// leaseRecord is stored as JSON under lease/{id}.
type leaseRecord struct {
	Token     string `json:"token"`
	ExpiresMs int64  `json:"expires_ms"`
	LeasedMs  int64  `json:"leased_ms"`
}

// Open binds a queue named name to db. The db stays owned by the caller.
func Open(db *pebblestore.DB, name string, opts queue.Options, logger log.Logger) (*Queue, error) {
	if db == nil {
		return nil, errors.New("pebblequeue: nil db")
	}
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("pebblequeue: invalid queue name %q", name)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts = opts.WithDefaults()
	meta, err := ensureMeta(db, name, opts.MaxAttempts, opts.Clock())
	if err != nil {
		return nil, unavailable("open", err)
	}
	return &Queue{
		db:     db,
		name:   name,
		opts:   opts,
		meta:   meta,
		logger: logger.With(log.Component("queue"), log.Str("backend", "pebble"), log.Str("queue", name)),
	}, nil
}

// Meta returns the queue's metadata record.
func (q *Queue) Meta() Meta { return q.meta }

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", queue.ErrStoreUnavailable, op, err)
}

func (q *Queue) Enqueue(ctx context.Context, e *envelope.Envelope, delay time.Duration) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.ErrStoreUnavailable
	}

	exists, err := q.db.Has(msgKey(q.name, e.ID))
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	if exists {
		return e.ID.String(), nil
	}

	now := q.opts.Clock()
	c := e.Clone()
	c.LeaseToken = ""
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = now
	}
	c.AvailableAt = now.Add(delay)
	frame, err := envelope.Marshal(c)
	if err != nil {
		return "", err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(q.name, c.ID), frame, nil); err != nil {
		return "", unavailable("enqueue", err)
	}
	if err := b.Set(readyKey(q.name, c.AvailableAt.UnixMilli(), c.ID), nil, nil); err != nil {
		return "", unavailable("enqueue", err)
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return "", unavailable("enqueue", err)
	}
	return c.ID.String(), nil
}

func (q *Queue) Lease(ctx context.Context, maxItems int, leaseDuration time.Duration) ([]queue.Leased, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrStoreUnavailable
	}
	now := q.opts.Clock()
	if _, err := q.sweepLocked(ctx, now); err != nil {
		return nil, err
	}
	nowMs := now.UnixMilli()

	prefix := kindPrefix(q.name, prefixReady)
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: timedBound(q.name, prefixReady, nowMs),
	})
	if err != nil {
		return nil, unavailable("lease", err)
	}
	type candidate struct {
		key []byte
		id  id.ID
	}
	var cands []candidate
	for ok := iter.First(); ok && len(cands) < maxItems; ok = iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		if _, eid, ok := parseTimedKey(k, len(prefix)); ok {
			cands = append(cands, candidate{key: k, id: eid})
		}
	}
	if err := iter.Close(); err != nil {
		return nil, unavailable("lease", err)
	}
	if len(cands) == 0 {
		return nil, nil
	}

	b := q.db.NewBatch()
	defer b.Close()
	expMs := now.Add(leaseDuration).UnixMilli()
	out := make([]queue.Leased, 0, len(cands))
	for _, c := range cands {
		raw, err := q.db.Get(msgKey(q.name, c.id))
		if pebblestore.IsNotFound(err) {
			// index entry without a body; drop it
			_ = b.Delete(c.key, nil)
			continue
		}
		if err != nil {
			return nil, unavailable("lease", err)
		}
		e, err := envelope.Decode(raw)
		if err != nil {
			q.logger.Warn("burying undecodable envelope", log.Str("id", c.id.String()), log.Err(err))
			if err := q.bury(b, c.id, raw, err.Error(), nowMs); err != nil {
				return nil, err
			}
			_ = b.Delete(c.key, nil)
			continue
		}

		token := uuid.NewString()
		rec, _ := json.Marshal(leaseRecord{Token: token, ExpiresMs: expMs, LeasedMs: nowMs})
		if err := b.Delete(c.key, nil); err != nil {
			return nil, unavailable("lease", err)
		}
		if err := b.Set(leaseKey(q.name, c.id), rec, nil); err != nil {
			return nil, unavailable("lease", err)
		}
		if err := b.Set(leaseIdxKey(q.name, expMs, c.id), nil, nil); err != nil {
			return nil, unavailable("lease", err)
		}
		e.LeaseToken = token
		out = append(out, queue.Leased{Envelope: e, Token: token, ExpiresAt: time.UnixMilli(expMs)})
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, unavailable("lease", err)
	}
	return out, nil
}

// bury moves an undecodable frame straight to the dead-letter keyspace.
func (q *Queue) bury(b *pebble.Batch, eid id.ID, raw []byte, reason string, nowMs int64) error {
	rec, _ := json.Marshal(deadRecord{Frame: raw, Reason: reason, DeadMs: nowMs})
	if err := b.Delete(msgKey(q.name, eid), nil); err != nil {
		return unavailable("bury", err)
	}
	if err := b.Set(deadKey(q.name, eid), rec, nil); err != nil {
		return unavailable("bury", err)
	}
	return nil
}

// leased loads the lease for idStr and checks token ownership.
func (q *Queue) leased(idStr, token string, nowMs int64) (id.ID, leaseRecord, error) {
	var rec leaseRecord
	if q.closed {
		return id.ID{}, rec, queue.ErrStoreUnavailable
	}
	eid, err := id.Parse(idStr)
	if err != nil {
		return eid, rec, queue.ErrInvalidLease
	}
	raw, err := q.db.Get(leaseKey(q.name, eid))
	if pebblestore.IsNotFound(err) {
		return eid, rec, queue.ErrInvalidLease
	}
	if err != nil {
		return eid, rec, unavailable("load lease", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return eid, rec, queue.ErrInvalidLease
	}
	if rec.Token != token || rec.ExpiresMs <= nowMs {
		return eid, rec, queue.ErrInvalidLease
	}
	return eid, rec, nil
}

func (q *Queue) Acknowledge(ctx context.Context, idStr, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	eid, rec, err := q.leased(idStr, token, q.opts.Clock().UnixMilli())
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(msgKey(q.name, eid), nil)
	_ = b.Delete(leaseKey(q.name, eid), nil)
	_ = b.Delete(leaseIdxKey(q.name, rec.ExpiresMs, eid), nil)
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return unavailable("acknowledge", err)
	}
	return nil
}

func (q *Queue) ExtendLease(ctx context.Context, idStr, token string, additional time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Clock()
	eid, rec, err := q.leased(idStr, token, now.UnixMilli())
	if err != nil {
		return err
	}
	oldExp := rec.ExpiresMs
	rec.ExpiresMs = now.Add(additional).UnixMilli()
	data, _ := json.Marshal(rec)

	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Set(leaseKey(q.name, eid), data, nil)
	_ = b.Delete(leaseIdxKey(q.name, oldExp, eid), nil)
	_ = b.Set(leaseIdxKey(q.name, rec.ExpiresMs, eid), nil, nil)
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return unavailable("extend lease", err)
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, idStr, token string, opts queue.FailOptions) (queue.Disposition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Clock()
	eid, rec, err := q.leased(idStr, token, now.UnixMilli())
	if err != nil {
		return queue.Disposition{}, err
	}
	b := q.db.NewBatch()
	defer b.Close()
	d, err := q.settle(b, eid, rec.ExpiresMs, opts.Terminal, opts.Reason, now)
	if err != nil {
		return queue.Disposition{}, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return queue.Disposition{}, unavailable("fail", err)
	}
	return d, nil
}

// settle releases the lease on eid and writes its next state into b.
func (q *Queue) settle(b *pebble.Batch, eid id.ID, leaseExpMs int64, terminal bool, reason string, now time.Time) (queue.Disposition, error) {
	_ = b.Delete(leaseKey(q.name, eid), nil)
	_ = b.Delete(leaseIdxKey(q.name, leaseExpMs, eid), nil)

	raw, err := q.db.Get(msgKey(q.name, eid))
	if pebblestore.IsNotFound(err) {
		return queue.Disposition{State: envelope.StateDone}, nil
	}
	if err != nil {
		return queue.Disposition{}, unavailable("settle", err)
	}
	e, err := envelope.Decode(raw)
	if err != nil {
		return queue.Disposition{State: envelope.StateDead}, q.bury(b, eid, raw, err.Error(), now.UnixMilli())
	}

	d := q.opts.NextState(e.AttemptCount, terminal, now)
	e.AttemptCount = d.AttemptCount
	e.LastError = reason
	if d.State == envelope.StateDead {
		frame, err := envelope.Marshal(e)
		if err != nil {
			return d, err
		}
		data, _ := json.Marshal(deadRecord{Frame: frame, AttemptCount: d.AttemptCount, Reason: reason, DeadMs: now.UnixMilli()})
		_ = b.Delete(msgKey(q.name, eid), nil)
		_ = b.Set(deadKey(q.name, eid), data, nil)
		return d, nil
	}

	e.AvailableAt = d.AvailableAt
	frame, err := envelope.Marshal(e)
	if err != nil {
		return d, err
	}
	_ = b.Set(msgKey(q.name, eid), frame, nil)
	_ = b.Set(readyKey(q.name, d.AvailableAt.UnixMilli(), eid), nil, nil)
	return d, nil
}

func (q *Queue) Sweep(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrStoreUnavailable
	}
	return q.sweepLocked(ctx, q.opts.Clock())
}

// sweepLocked returns every lease that expired at or before now to pending
// (or dead), in batches of sweepBatch.
func (q *Queue) sweepLocked(ctx context.Context, now time.Time) (int, error) {
	nowMs := now.UnixMilli()
	prefix := kindPrefix(q.name, prefixLeaseIdx)
	total := 0
	for {
		iter, err := q.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: timedBound(q.name, prefixLeaseIdx, nowMs),
		})
		if err != nil {
			return total, unavailable("sweep", err)
		}
		type expired struct {
			ms int64
			id id.ID
		}
		var found []expired
		for ok := iter.First(); ok && len(found) < sweepBatch; ok = iter.Next() {
			if ms, eid, ok := parseTimedKey(iter.Key(), len(prefix)); ok {
				found = append(found, expired{ms: ms, id: eid})
			}
		}
		if err := iter.Close(); err != nil {
			return total, unavailable("sweep", err)
		}
		if len(found) == 0 {
			return total, nil
		}

		b := q.db.NewBatch()
		for _, f := range found {
			if !q.leaseMatches(f.id, f.ms) {
				// index entry outlived its lease
				_ = b.Delete(leaseIdxKey(q.name, f.ms, f.id), nil)
				continue
			}
			d, err := q.settle(b, f.id, f.ms, false, queue.ReasonLeaseExpired, now)
			if err != nil {
				b.Close()
				return total, err
			}
			if d.State == envelope.StateDead {
				q.logger.Info("lease expired past max attempts; dead-lettered",
					log.Str("id", f.id.String()), log.Int("attempt_count", d.AttemptCount))
			}
		}
		err = q.db.CommitBatch(ctx, b)
		b.Close()
		if err != nil {
			return total, unavailable("sweep", err)
		}
		total += len(found)
		if len(found) < sweepBatch {
			if total >= 4096 {
				_ = q.db.CompactRange(prefix, pebblestore.PrefixEnd(prefix))
			}
			return total, nil
		}
	}
}

func (q *Queue) leaseMatches(eid id.ID, expMs int64) bool {
	raw, err := q.db.Get(leaseKey(q.name, eid))
	if err != nil {
		return false
	}
	var rec leaseRecord
	return json.Unmarshal(raw, &rec) == nil && rec.ExpiresMs == expMs
}

func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st queue.Stats
	count := func(kind string) (int, error) {
		n := 0
		err := q.db.ScanPrefix(kindPrefix(q.name, kind), func(_, _ []byte) bool { n++; return true })
		return n, err
	}
	var err error
	if st.Pending, err = count(prefixReady); err != nil {
		return st, unavailable("stats", err)
	}
	if st.Leased, err = count(prefixLease); err != nil {
		return st, unavailable("stats", err)
	}
	err = q.db.ScanPrefix(kindPrefix(q.name, prefixDead), func(_, v []byte) bool {
		var rec deadRecord
		if json.Unmarshal(v, &rec) == nil && rec.ReplayedMs == 0 {
			st.Dead++
		}
		return true
	})
	if err != nil {
		return st, unavailable("stats", err)
	}
	return st, nil
}

// Close marks the queue closed. The underlying db is left open.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
