package pebblequeue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/queue"
	pebblestore "github.com/rzbill/fanq/internal/storage/pebble"
	"github.com/rzbill/fanq/pkg/id"
)

// deadRecord is stored as JSON under dead/{id}. Frame holds the envelope as
// it was when it died.
type deadRecord struct {
	Frame        []byte `json:"frame"`
	AttemptCount int    `json:"attempt_count"`
	Reason       string `json:"reason"`
	DeadMs       int64  `json:"dead_ms"`
	ReplayedMs   int64  `json:"replayed_ms,omitempty"`
}

func (r deadRecord) toDeadLetter(eid id.ID) queue.DeadLetter {
	d := queue.DeadLetter{
		AttemptCount: r.AttemptCount,
		Reason:       r.Reason,
		DeadAt:       time.UnixMilli(r.DeadMs),
	}
	if r.ReplayedMs != 0 {
		d.ReplayedAt = time.UnixMilli(r.ReplayedMs)
	}
	e, err := envelope.Decode(r.Frame)
	if err != nil {
		// undecodable frames keep their id and raw bytes for inspection
		e = &envelope.Envelope{ID: eid, Payload: r.Frame, LastError: r.Reason}
	}
	d.Envelope = e
	return d
}

func (q *Queue) loadDead(eid id.ID) (deadRecord, error) {
	var rec deadRecord
	raw, err := q.db.Get(deadKey(q.name, eid))
	if pebblestore.IsNotFound(err) {
		return rec, queue.ErrNotFound
	}
	if err != nil {
		return rec, unavailable("load dead letter", err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, unavailable("decode dead letter", err)
	}
	return rec, nil
}

func (q *Queue) ListDead(_ context.Context, limit int) ([]queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	prefix := kindPrefix(q.name, prefixDead)
	var out []queue.DeadLetter
	var decodeErr error
	err := q.db.ScanPrefix(prefix, func(k, v []byte) bool {
		eid, ok := parseIDKey(k, len(prefix))
		if !ok {
			return true
		}
		var rec deadRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			decodeErr = err
			return false
		}
		out = append(out, rec.toDeadLetter(eid))
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, unavailable("list dead", err)
	}
	if decodeErr != nil {
		return nil, unavailable("list dead", decodeErr)
	}
	return out, nil
}

func (q *Queue) GetDead(_ context.Context, idStr string) (*queue.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	eid, err := id.Parse(idStr)
	if err != nil {
		return nil, queue.ErrNotFound
	}
	rec, err := q.loadDead(eid)
	if err != nil {
		return nil, err
	}
	d := rec.toDeadLetter(eid)
	return &d, nil
}

func (q *Queue) Replay(ctx context.Context, idStr string) (*envelope.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, queue.ErrStoreUnavailable
	}
	eid, err := id.Parse(idStr)
	if err != nil {
		return nil, queue.ErrNotFound
	}
	rec, err := q.loadDead(eid)
	if err != nil {
		return nil, err
	}
	if rec.ReplayedMs != 0 {
		return nil, queue.ErrNotDead
	}
	e, err := envelope.Decode(rec.Frame)
	if err != nil {
		return nil, err
	}

	now := q.opts.Clock()
	e.AttemptCount = 0
	e.LastError = ""
	e.LeaseToken = ""
	e.AvailableAt = now
	frame, err := envelope.Marshal(e)
	if err != nil {
		return nil, err
	}
	rec.ReplayedMs = now.UnixMilli()
	data, _ := json.Marshal(rec)

	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Set(deadKey(q.name, eid), data, nil)
	_ = b.Set(msgKey(q.name, eid), frame, nil)
	_ = b.Set(readyKey(q.name, now.UnixMilli(), eid), nil, nil)
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return nil, unavailable("replay", err)
	}
	return e, nil
}

func (q *Queue) PurgeDead(ctx context.Context, idStr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	eid, err := id.Parse(idStr)
	if err != nil {
		return queue.ErrNotFound
	}
	if _, err := q.loadDead(eid); err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	_ = b.Delete(deadKey(q.name, eid), nil)
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return unavailable("purge dead", err)
	}
	return nil
}
