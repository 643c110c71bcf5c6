// Package redisqueue is a queue backend for deployments where several fanq
// processes share one Redis. Each transition runs as a Lua script, so it is
// atomic on the server; the Go side only encodes frames and merges counters.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/pkg/id"
	"github.com/rzbill/fanq/pkg/log"
)

const sweepBatch = 256

// Queue implements queue.Store on Redis.
type Queue struct {
	client redis.UniversalClient
	opts   queue.Options
	logger log.Logger

	// key layout, all under one hash tag
	msg, ready, lease, leaseIdx, attempts, errs, dead, deadFrame string

	mu     sync.RWMutex
	closed bool
}

var _ queue.Store = (*Queue)(nil)

// Open binds a queue named name to client. The client stays owned by the caller.
func Open(client redis.UniversalClient, name string, opts queue.Options, logger log.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redisqueue: nil client")
	}
	if name == "" {
		return nil, errors.New("redisqueue: empty queue name")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p := "fanq:{" + name + "}:"
	return &Queue{
		client:    client,
		opts:      opts.WithDefaults(),
		logger:    logger.With(log.Component("queue"), log.Str("backend", "redis"), log.Str("queue", name)),
		msg:       p + "msg",
		ready:     p + "ready",
		lease:     p + "lease",
		leaseIdx:  p + "lease_idx",
		attempts:  p + "attempts",
		errs:      p + "errors",
		dead:      p + "dead",
		deadFrame: p + "dead_frame",
	}, nil
}

// NewClient dials addr (a redis:// URL or host:port) and pings it.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	var opt *redis.Options
	if strings.Contains(addr, "://") {
		var err error
		if opt, err = redis.ParseURL(addr); err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
	} else {
		opt = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", queue.ErrStoreUnavailable, op, err)
}

func (q *Queue) allKeys() []string {
	return []string{q.msg, q.ready, q.lease, q.leaseIdx, q.attempts, q.errs, q.dead, q.deadFrame}
}

func (q *Queue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *Queue) Enqueue(ctx context.Context, e *envelope.Envelope, delay time.Duration) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	if q.isClosed() {
		return "", queue.ErrStoreUnavailable
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
	err = enqueueScript.Run(ctx, q.client, []string{q.msg, q.ready},
		c.ID.String(), frame, c.AvailableAt.UnixMilli()).Err()
	if err != nil {
		return "", unavailable("enqueue", err)
	}
	return c.ID.String(), nil
}

func (q *Queue) Lease(ctx context.Context, maxItems int, leaseDuration time.Duration) ([]queue.Leased, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	if q.isClosed() {
		return nil, queue.ErrStoreUnavailable
	}
	if _, err := q.Sweep(ctx); err != nil {
		return nil, err
	}
	now := q.opts.Clock()
	exp := now.Add(leaseDuration)
	args := make([]interface{}, 0, 3+maxItems)
	args = append(args, now.UnixMilli(), exp.UnixMilli(), maxItems)
	for i := 0; i < maxItems; i++ {
		args = append(args, uuid.NewString())
	}
	res, err := leaseScript.Run(ctx, q.client,
		[]string{q.msg, q.ready, q.lease, q.leaseIdx, q.attempts, q.errs}, args...).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("lease", err)
	}

	out := make([]queue.Leased, 0, len(res)/6)
	for i := 0; i+5 < len(res); i += 6 {
		idStr, token, frame := res[i], res[i+1], res[i+2]
		e, err := envelope.Decode([]byte(frame))
		if err != nil {
			q.logger.Warn("burying undecodable envelope", log.Str("id", idStr), log.Err(err))
			if _, ferr := q.Fail(ctx, idStr, token, queue.FailOptions{Terminal: true, Reason: err.Error()}); ferr != nil && !queue.IsBenign(ferr) {
				return out, ferr
			}
			continue
		}
		e.AttemptCount, _ = strconv.Atoi(res[i+3])
		e.LastError = res[i+4]
		if ms, err := strconv.ParseFloat(res[i+5], 64); err == nil {
			e.AvailableAt = time.UnixMilli(int64(ms))
		}
		e.LeaseToken = token
		out = append(out, queue.Leased{Envelope: e, Token: token, ExpiresAt: time.UnixMilli(exp.UnixMilli())})
	}
	return out, nil
}

func (q *Queue) Acknowledge(ctx context.Context, idStr, token string) error {
	if q.isClosed() {
		return queue.ErrStoreUnavailable
	}
	n, err := ackScript.Run(ctx, q.client, q.allKeys(), idStr, token, q.opts.Clock().UnixMilli()).Int()
	if err != nil {
		return unavailable("acknowledge", err)
	}
	if n == 0 {
		return queue.ErrInvalidLease
	}
	return nil
}

func (q *Queue) ExtendLease(ctx context.Context, idStr, token string, additional time.Duration) error {
	if q.isClosed() {
		return queue.ErrStoreUnavailable
	}
	now := q.opts.Clock()
	n, err := extendScript.Run(ctx, q.client, q.allKeys(),
		idStr, token, now.UnixMilli(), now.Add(additional).UnixMilli()).Int()
	if err != nil {
		return unavailable("extend lease", err)
	}
	if n == 0 {
		return queue.ErrInvalidLease
	}
	return nil
}

// disposition converts a settle reply {state, attempts, available_ms}.
func disposition(v interface{}) (queue.Disposition, bool) {
	parts, ok := v.([]interface{})
	if !ok || len(parts) != 3 {
		return queue.Disposition{}, false
	}
	state, _ := parts[0].(string)
	attempts, _ := parts[1].(int64)
	avail, _ := parts[2].(int64)
	d := queue.Disposition{State: envelope.State(state), AttemptCount: int(attempts)}
	if d.State == envelope.StatePending {
		d.AvailableAt = time.UnixMilli(avail)
	}
	return d, true
}

func (q *Queue) policyArgs() []interface{} {
	b := q.opts.Backoff
	return []interface{}{q.opts.MaxAttempts, b.Base.Milliseconds(), b.Cap.Milliseconds(), b.JitterFor().Milliseconds()}
}

func (q *Queue) Fail(ctx context.Context, idStr, token string, opts queue.FailOptions) (queue.Disposition, error) {
	if q.isClosed() {
		return queue.Disposition{}, queue.ErrStoreUnavailable
	}
	terminal := "0"
	if opts.Terminal {
		terminal = "1"
	}
	args := append([]interface{}{idStr, token, q.opts.Clock().UnixMilli(), terminal, opts.Reason}, q.policyArgs()...)
	v, err := failScript.Run(ctx, q.client, q.allKeys(), args...).Result()
	if err != nil {
		return queue.Disposition{}, unavailable("fail", err)
	}
	d, ok := disposition(v)
	if !ok {
		return queue.Disposition{}, queue.ErrInvalidLease
	}
	return d, nil
}

func (q *Queue) Sweep(ctx context.Context) (int, error) {
	if q.isClosed() {
		return 0, queue.ErrStoreUnavailable
	}
	now := q.opts.Clock().UnixMilli()
	total := 0
	for {
		ids, err := q.client.ZRangeByScore(ctx, q.leaseIdx, &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(now, 10), Count: sweepBatch,
		}).Result()
		if err != nil {
			return total, unavailable("sweep", err)
		}
		for _, idStr := range ids {
			args := append([]interface{}{idStr, now, queue.ReasonLeaseExpired}, q.policyArgs()...)
			v, err := expireScript.Run(ctx, q.client, q.allKeys(), args...).Result()
			if err != nil {
				return total, unavailable("sweep", err)
			}
			d, ok := disposition(v)
			if !ok {
				continue
			}
			total++
			if d.State == envelope.StateDead {
				q.logger.Info("lease expired past max attempts; dead-lettered",
					log.Str("id", idStr), log.Int("attempt_count", d.AttemptCount))
			}
		}
		if len(ids) < sweepBatch {
			return total, nil
		}
	}
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	var st queue.Stats
	pipe := q.client.Pipeline()
	pending := pipe.ZCard(ctx, q.ready)
	leased := pipe.HLen(ctx, q.lease)
	dead := pipe.HVals(ctx, q.dead)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return st, unavailable("stats", err)
	}
	st.Pending = int(pending.Val())
	st.Leased = int(leased.Val())
	for _, v := range dead.Val() {
		if rec, ok := parseDead(v); ok && rec.replayedMs == 0 {
			st.Dead++
		}
	}
	return st, nil
}

// Close marks the queue closed. The client is left open.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

type deadValue struct {
	deadMs, replayedMs int64
	attempts           int
	reason             string
}

func parseDead(v string) (deadValue, bool) {
	parts := strings.SplitN(v, "|", 4)
	if len(parts) != 4 {
		return deadValue{}, false
	}
	var d deadValue
	var err error
	if d.deadMs, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return d, false
	}
	if d.replayedMs, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return d, false
	}
	if d.attempts, err = strconv.Atoi(parts[2]); err != nil {
		return d, false
	}
	d.reason = parts[3]
	return d, true
}

func (d deadValue) toDeadLetter(eid id.ID, frame string) queue.DeadLetter {
	out := queue.DeadLetter{
		AttemptCount: d.attempts,
		Reason:       d.reason,
		DeadAt:       time.UnixMilli(d.deadMs),
	}
	if d.replayedMs != 0 {
		out.ReplayedAt = time.UnixMilli(d.replayedMs)
	}
	e, err := envelope.Decode([]byte(frame))
	if err != nil {
		e = &envelope.Envelope{ID: eid, Payload: []byte(frame)}
	}
	e.AttemptCount = d.attempts
	e.LastError = d.reason
	out.Envelope = e
	return out
}

func (q *Queue) ListDead(ctx context.Context, limit int) ([]queue.DeadLetter, error) {
	recs, err := q.client.HGetAll(ctx, q.dead).Result()
	if err != nil {
		return nil, unavailable("list dead", err)
	}
	ids := make([]string, 0, len(recs))
	for k := range recs {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, nil
	}
	frames, err := q.client.HMGet(ctx, q.deadFrame, ids...).Result()
	if err != nil {
		return nil, unavailable("list dead", err)
	}
	out := make([]queue.DeadLetter, 0, len(ids))
	for i, k := range ids {
		eid, err := id.Parse(k)
		if err != nil {
			continue
		}
		rec, ok := parseDead(recs[k])
		if !ok {
			continue
		}
		frame, _ := frames[i].(string)
		out = append(out, rec.toDeadLetter(eid, frame))
	}
	return out, nil
}

func (q *Queue) GetDead(ctx context.Context, idStr string) (*queue.DeadLetter, error) {
	eid, err := id.Parse(idStr)
	if err != nil {
		return nil, queue.ErrNotFound
	}
	pipe := q.client.Pipeline()
	recCmd := pipe.HGet(ctx, q.dead, idStr)
	frameCmd := pipe.HGet(ctx, q.deadFrame, idStr)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("get dead", err)
	}
	if errors.Is(recCmd.Err(), redis.Nil) {
		return nil, queue.ErrNotFound
	}
	rec, ok := parseDead(recCmd.Val())
	if !ok {
		return nil, unavailable("get dead", fmt.Errorf("malformed dead record %q", recCmd.Val()))
	}
	d := rec.toDeadLetter(eid, frameCmd.Val())
	return &d, nil
}

func (q *Queue) Replay(ctx context.Context, idStr string) (*envelope.Envelope, error) {
	if q.isClosed() {
		return nil, queue.ErrStoreUnavailable
	}
	if _, err := id.Parse(idStr); err != nil {
		return nil, queue.ErrNotFound
	}
	now := q.opts.Clock()
	res, err := replayScript.Run(ctx, q.client,
		[]string{q.msg, q.ready, q.attempts, q.errs, q.dead, q.deadFrame}, idStr, now.UnixMilli()).Result()
	if err != nil {
		return nil, unavailable("replay", err)
	}
	frame, ok := res.(string)
	if !ok {
		if n, _ := res.(int64); n == replayAlreadyReplayed {
			return nil, queue.ErrNotDead
		}
		return nil, queue.ErrNotFound
	}
	e, err := envelope.Decode([]byte(frame))
	if err != nil {
		return nil, err
	}
	e.AttemptCount = 0
	e.LastError = ""
	e.AvailableAt = now
	return e, nil
}

func (q *Queue) PurgeDead(ctx context.Context, idStr string) error {
	pipe := q.client.TxPipeline()
	n := pipe.HDel(ctx, q.dead, idStr)
	pipe.HDel(ctx, q.deadFrame, idStr)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("purge dead", err)
	}
	if n.Val() == 0 {
		return queue.ErrNotFound
	}
	return nil
}
