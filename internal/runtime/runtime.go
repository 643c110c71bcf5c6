package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	cfgpkg "github.com/rzbill/fanq/internal/config"
	"github.com/rzbill/fanq/internal/metrics"
	"github.com/rzbill/fanq/internal/queue"
	memqueue "github.com/rzbill/fanq/internal/queue/memory"
	pebblequeue "github.com/rzbill/fanq/internal/queue/pebble"
	redisqueue "github.com/rzbill/fanq/internal/queue/redis"
	pebblestore "github.com/rzbill/fanq/internal/storage/pebble"
	"github.com/rzbill/fanq/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger log.Logger
}

// Runtime owns the storage handles for a single-node instance: the Pebble
// database for the pebble backend, and the Redis client when either the
// queue or the fan-out deduper lives in Redis.
type Runtime struct {
	db     *pebblestore.DB
	redis  *redis.Client
	config cfgpkg.Config
	logger log.Logger
}

// Open initializes the storage the configuration asks for.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &Runtime{config: cfg, logger: logger.With(log.Component("runtime"))}

	if cfg.Queue.Backend == cfgpkg.BackendPebble {
		fsync, _ := cfgpkg.ParseFsync(cfg.Queue.Fsync)
		db, err := pebblestore.Open(pebblestore.Options{
			DataDir: cfg.Queue.DataDir,
			Fsync:   fsync,
			Metrics: metrics.Storage{},
		})
		if err != nil {
			return nil, err
		}
		rt.db = db
		rt.logger.Info("pebble store opened", log.Str("data_dir", cfg.Queue.DataDir), log.Str("fsync", cfg.Queue.Fsync))
	}
	if cfg.Queue.Backend == cfgpkg.BackendRedis || cfg.Fanout.Dedup == "redis" {
		client, err := redisqueue.NewClient(ctx, cfg.Redis.Addr)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.redis = client
		rt.logger.Info("redis connected", log.Str("addr", cfg.Redis.Addr))
	}
	return rt, nil
}

// OpenQueue opens the configured backend for the named queue.
func (r *Runtime) OpenQueue(name string, opts queue.Options) (queue.Store, error) {
	switch r.config.Queue.Backend {
	case cfgpkg.BackendPebble:
		return pebblequeue.Open(r.db, name, opts, r.logger)
	case cfgpkg.BackendRedis:
		return redisqueue.Open(r.redis, name, opts, r.logger)
	case cfgpkg.BackendMemory:
		return memqueue.New(opts), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", r.config.Queue.Backend)
	}
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	var errs []error
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
		r.redis = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

// CheckHealth reports whether the backing stores are reachable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.config.Queue.Backend == cfgpkg.BackendPebble {
		if r.db == nil {
			return errors.New("db not open")
		}
		it, err := r.db.NewIter(nil)
		if err != nil {
			return err
		}
		it.Close()
	}
	if r.redis != nil {
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	} else if r.config.Queue.Backend == cfgpkg.BackendRedis {
		return errors.New("redis not connected")
	}
	return nil
}

// DB exposes the Pebble database, nil unless the backend is pebble.
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Redis exposes the shared Redis client, nil when nothing uses Redis.
func (r *Runtime) Redis() *redis.Client { return r.redis }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
