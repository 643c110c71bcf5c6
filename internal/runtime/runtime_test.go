package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	cfgpkg "github.com/rzbill/fanq/internal/config"
	"github.com/rzbill/fanq/internal/envelope"
	memqueue "github.com/rzbill/fanq/internal/queue/memory"
	pebblequeue "github.com/rzbill/fanq/internal/queue/pebble"
	redisqueue "github.com/rzbill/fanq/internal/queue/redis"
)

func pebbleConfig(t *testing.T) cfgpkg.Config {
	cfg := cfgpkg.Default()
	cfg.Queue.DataDir = t.TempDir()
	return cfg
}

func TestOpenCloseHealth(t *testing.T) {
	rt, err := Open(context.Background(), Options{Config: pebbleConfig(t)})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.DB() == nil {
		t.Fatalf("expected pebble db")
	}
	if rt.Redis() != nil {
		t.Fatalf("redis should not be opened for pebble with memory dedup")
	}
}

func TestOpenQueuePerBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		backend string
		check   func(t *testing.T, q interface{})
	}{
		{"pebble", cfgpkg.BackendPebble, func(t *testing.T, q interface{}) {
			if _, ok := q.(*pebblequeue.Queue); !ok {
				t.Fatalf("got %T", q)
			}
		}},
		{"redis", cfgpkg.BackendRedis, func(t *testing.T, q interface{}) {
			if _, ok := q.(*redisqueue.Queue); !ok {
				t.Fatalf("got %T", q)
			}
		}},
		{"memory", cfgpkg.BackendMemory, func(t *testing.T, q interface{}) {
			if _, ok := q.(*memqueue.Queue); !ok {
				t.Fatalf("got %T", q)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := pebbleConfig(t)
			cfg.Queue.Backend = tt.backend
			cfg.Redis.Addr = mr.Addr()
			rt, err := Open(ctx, Options{Config: cfg})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer rt.Close()

			q, err := rt.OpenQueue("jobs", cfg.QueueOptions())
			if err != nil {
				t.Fatalf("open queue: %v", err)
			}
			defer q.Close()
			tt.check(t, q)
			if _, err := q.Enqueue(ctx, envelope.New([]byte("x"), nil, time.Now()), 0); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if err := rt.CheckHealth(ctx); err != nil {
				t.Fatalf("health: %v", err)
			}
		})
	}
}

func TestRedisDedupOpensClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := pebbleConfig(t)
	cfg.Queue.Backend = cfgpkg.BackendMemory
	cfg.Fanout.Dedup = "redis"
	cfg.Redis.Addr = mr.Addr()
	rt, err := Open(context.Background(), Options{Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Redis() == nil {
		t.Fatalf("expected redis client")
	}

	mr.Close()
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("expected health failure once redis is gone")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Queue.Backend = "kafka"
	if _, err := Open(context.Background(), Options{Config: cfg}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestOpenFailsWhenRedisIsDown(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Queue.Backend = cfgpkg.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Open(ctx, Options{Config: cfg}); err == nil {
		t.Fatalf("expected connection error")
	}
}
