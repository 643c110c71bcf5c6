package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClaimState is the result of Deduper.Claim.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the delivery for the pair.
	ClaimAcquired ClaimState = iota
	// ClaimInFlight means another publish holds the pair and has not
	// finished yet.
	ClaimInFlight
	// ClaimDelivered means the pair was delivered inside the dedup window.
	ClaimDelivered
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimInFlight:
		return "in_flight"
	case ClaimDelivered:
		return "delivered"
	default:
		return fmt.Sprintf("ClaimState(%d)", int(s))
	}
}

// Deduper records which (dedup key, subscriber) pairs are being delivered or
// were delivered inside the dedup window.
//
// A claim starts in flight and expires after ttl unless MarkDelivered or
// Release settles it first. Only a delivered marker suppresses a publish.
type Deduper interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (ClaimState, error)
	// MarkDelivered turns the pair into a delivered marker that lives for window.
	MarkDelivered(ctx context.Context, key string, window time.Duration) error
	// Release drops a claim after a failed delivery.
	Release(ctx context.Context, key string) error
}

func claimKey(dedupKey, subscriber string) string { return dedupKey + "/" + subscriber }

type claim struct {
	delivered bool
	expires   time.Time
}

// MemoryDeduper is a process-local TTL map.
type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]claim
	now    func() time.Time
	ops    int
}

// NewMemoryDeduper returns an empty deduper. now may be nil.
func NewMemoryDeduper(now func() time.Time) *MemoryDeduper {
	if now == nil {
		now = time.Now
	}
	return &MemoryDeduper{claims: make(map[string]claim), now: now}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string, ttl time.Duration) (ClaimState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if d.ops++; d.ops%1024 == 0 {
		d.purgeLocked(now)
	}
	if c, ok := d.claims[key]; ok && now.Before(c.expires) {
		if c.delivered {
			return ClaimDelivered, nil
		}
		return ClaimInFlight, nil
	}
	d.claims[key] = claim{expires: now.Add(ttl)}
	return ClaimAcquired, nil
}

func (d *MemoryDeduper) MarkDelivered(_ context.Context, key string, window time.Duration) error {
	d.mu.Lock()
	d.claims[key] = claim{delivered: true, expires: d.now().Add(window)}
	d.mu.Unlock()
	return nil
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}

// Len reports live and not yet purged claims.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claims)
}

func (d *MemoryDeduper) purgeLocked(now time.Time) {
	for k, c := range d.claims {
		if !now.Before(c.expires) {
			delete(d.claims, k)
		}
	}
}

const (
	claimInFlight  = "inflight"
	claimDelivered = "delivered"
)

// claimScript takes an in-flight claim with SET NX PX or reports the state
// of the existing one: 0 acquired, 1 in flight, 2 delivered.
var claimScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 0
end
if redis.call('GET', KEYS[1]) == ARGV[3] then
  return 2
end
return 1
`)

// RedisDeduper shares claims across processes.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisDeduper stores claims under prefix (default "fanq:dedup:").
func NewRedisDeduper(client redis.UniversalClient, prefix string) *RedisDeduper {
	if prefix == "" {
		prefix = "fanq:dedup:"
	}
	return &RedisDeduper{client: client, prefix: prefix}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (ClaimState, error) {
	n, err := claimScript.Run(ctx, d.client, []string{d.prefix + key},
		claimInFlight, millis(ttl), claimDelivered).Int()
	if err != nil {
		return ClaimAcquired, err
	}
	return ClaimState(n), nil
}

func (d *RedisDeduper) MarkDelivered(ctx context.Context, key string, window time.Duration) error {
	return d.client.Set(ctx, d.prefix+key, claimDelivered, window).Err()
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// millis rounds d up to whole milliseconds, minimum one.
func millis(d time.Duration) int64 {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		return 1
	}
	return int64(ms)
}
