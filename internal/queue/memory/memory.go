// Package memqueue is an in-process queue backend. Envelopes live in an arena
// keyed by id; lease ownership is an optional (token, expiry) pair on each
// slot and every transition happens under one mutex.
package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/pkg/id"
)

type slot struct {
	env     *envelope.Envelope
	state   envelope.State
	token   string
	expires time.Time
}

// Queue implements queue.Store in memory.
type Queue struct {
	mu     sync.Mutex
	opts   queue.Options
	slots  map[id.ID]*slot
	dead   map[id.ID]*queue.DeadLetter
	closed bool
}

var _ queue.Store = (*Queue)(nil)

// New returns an empty queue.
func New(opts queue.Options) *Queue {
	return &Queue{
		opts:  opts.WithDefaults(),
		slots: make(map[id.ID]*slot),
		dead:  make(map[id.ID]*queue.DeadLetter),
	}
}

func (q *Queue) Enqueue(_ context.Context, e *envelope.Envelope, delay time.Duration) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", queue.ErrStoreUnavailable
	}
	if _, ok := q.slots[e.ID]; ok {
		return e.ID.String(), nil
	}
	now := q.opts.Clock()
	c := e.Clone()
	c.LeaseToken = ""
	if c.EnqueuedAt.IsZero() {
		c.EnqueuedAt = now
	}
	c.AvailableAt = now.Add(delay)
	q.slots[c.ID] = &slot{env: c, state: envelope.StatePending}
	return c.ID.String(), nil
}

func (q *Queue) Lease(_ context.Context, maxItems int, leaseDuration time.Duration) ([]queue.Leased, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrStoreUnavailable
	}
	now := q.opts.Clock()
	q.sweepLocked(now)

	ready := make([]*slot, 0)
	for _, s := range q.slots {
		if s.state == envelope.StatePending && !s.env.AvailableAt.After(now) {
			ready = append(ready, s)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i].env, ready[j].env
		if !a.AvailableAt.Equal(b.AvailableAt) {
			return a.AvailableAt.Before(b.AvailableAt)
		}
		return a.ID.Compare(b.ID) < 0
	})
	if len(ready) > maxItems {
		ready = ready[:maxItems]
	}

	out := make([]queue.Leased, 0, len(ready))
	for _, s := range ready {
		s.state = envelope.StateLeased
		s.token = uuid.NewString()
		s.expires = now.Add(leaseDuration)
		c := s.env.Clone()
		c.LeaseToken = s.token
		out = append(out, queue.Leased{Envelope: c, Token: s.token, ExpiresAt: s.expires})
	}
	return out, nil
}

// leased returns the slot if token matches a live lease.
func (q *Queue) leased(idStr, token string, now time.Time) (*slot, error) {
	if q.closed {
		return nil, queue.ErrStoreUnavailable
	}
	key, err := id.Parse(idStr)
	if err != nil {
		return nil, queue.ErrInvalidLease
	}
	s, ok := q.slots[key]
	if !ok || s.state != envelope.StateLeased || s.token != token || !now.Before(s.expires) {
		return nil, queue.ErrInvalidLease
	}
	return s, nil
}

func (q *Queue) Acknowledge(_ context.Context, idStr, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, err := q.leased(idStr, token, q.opts.Clock())
	if err != nil {
		return err
	}
	delete(q.slots, s.env.ID)
	return nil
}

func (q *Queue) ExtendLease(_ context.Context, idStr, token string, additional time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Clock()
	s, err := q.leased(idStr, token, now)
	if err != nil {
		return err
	}
	s.expires = now.Add(additional)
	return nil
}

func (q *Queue) Fail(_ context.Context, idStr, token string, opts queue.FailOptions) (queue.Disposition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.opts.Clock()
	s, err := q.leased(idStr, token, now)
	if err != nil {
		return queue.Disposition{}, err
	}
	return q.settleLocked(s, opts.Terminal, opts.Reason, now), nil
}

func (q *Queue) settleLocked(s *slot, terminal bool, reason string, now time.Time) queue.Disposition {
	d := q.opts.NextState(s.env.AttemptCount, terminal, now)
	s.env.AttemptCount = d.AttemptCount
	s.env.LastError = reason
	s.token, s.expires = "", time.Time{}
	if d.State == envelope.StateDead {
		delete(q.slots, s.env.ID)
		q.dead[s.env.ID] = &queue.DeadLetter{
			Envelope:     s.env,
			AttemptCount: d.AttemptCount,
			Reason:       reason,
			DeadAt:       now,
		}
		return d
	}
	s.state = envelope.StatePending
	s.env.AvailableAt = d.AvailableAt
	return d
}

func (q *Queue) Sweep(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, queue.ErrStoreUnavailable
	}
	return q.sweepLocked(q.opts.Clock()), nil
}

func (q *Queue) sweepLocked(now time.Time) int {
	n := 0
	for _, s := range q.slots {
		if s.state == envelope.StateLeased && !now.Before(s.expires) {
			q.settleLocked(s, false, queue.ReasonLeaseExpired, now)
			n++
		}
	}
	return n
}

func (q *Queue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st queue.Stats
	for _, s := range q.slots {
		switch s.state {
		case envelope.StatePending:
			st.Pending++
		case envelope.StateLeased:
			st.Leased++
		}
	}
	for _, d := range q.dead {
		if d.ReplayedAt.IsZero() {
			st.Dead++
		}
	}
	return st, nil
}

func (q *Queue) ListDead(_ context.Context, limit int) ([]queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.DeadLetter, 0, len(q.dead))
	for _, d := range q.dead {
		c := *d
		c.Envelope = d.Envelope.Clone()
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Envelope.ID.Compare(out[j].Envelope.ID) < 0 })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) GetDead(_ context.Context, idStr string) (*queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, err := id.Parse(idStr)
	if err != nil {
		return nil, queue.ErrNotFound
	}
	d, ok := q.dead[key]
	if !ok {
		return nil, queue.ErrNotFound
	}
	c := *d
	c.Envelope = d.Envelope.Clone()
	return &c, nil
}

func (q *Queue) Replay(_ context.Context, idStr string) (*envelope.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, err := id.Parse(idStr)
	if err != nil {
		return nil, queue.ErrNotFound
	}
	d, ok := q.dead[key]
	if !ok {
		return nil, queue.ErrNotFound
	}
	if !d.ReplayedAt.IsZero() {
		return nil, queue.ErrNotDead
	}
	now := q.opts.Clock()
	d.ReplayedAt = now
	e := d.Envelope.Clone()
	e.AttemptCount = 0
	e.LastError = ""
	e.AvailableAt = now
	q.slots[e.ID] = &slot{env: e, state: envelope.StatePending}
	return e.Clone(), nil
}

func (q *Queue) PurgeDead(_ context.Context, idStr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key, err := id.Parse(idStr)
	if err != nil {
		return queue.ErrNotFound
	}
	if _, ok := q.dead[key]; !ok {
		return queue.ErrNotFound
	}
	delete(q.dead, key)
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
