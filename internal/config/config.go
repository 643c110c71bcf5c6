package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/fanq/internal/fanout"
	"github.com/rzbill/fanq/internal/queue"
	pebblestore "github.com/rzbill/fanq/internal/storage/pebble"
	"github.com/rzbill/fanq/pkg/log"
)

// Queue backends.
const (
	BackendPebble = "pebble"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Producer ProducerConfig `mapstructure:"producer" yaml:"producer"`
	Consumer ConsumerConfig `mapstructure:"consumer" yaml:"consumer"`
	Fanout   FanoutConfig   `mapstructure:"fanout" yaml:"fanout"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  log.Config     `mapstructure:"logging" yaml:"logging"`
}

// QueueConfig selects and tunes the queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Name    string `mapstructure:"name" yaml:"name"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// Fsync is one of always, interval or never.
	Fsync         string        `mapstructure:"fsync" yaml:"fsync"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ProducerConfig bounds what the ingress accepts.
type ProducerConfig struct {
	MaxPayloadSize int           `mapstructure:"max_payload_size" yaml:"max_payload_size"`
	MaxDelay       time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	RetryAttempts  int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
}

// ConsumerConfig sizes the worker pool.
type ConsumerConfig struct {
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" yaml:"processing_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// FanoutConfig declares subscribers and the dedup window.
type FanoutConfig struct {
	DedupWindow time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	// Dedup is memory or redis.
	Dedup           string                `mapstructure:"dedup" yaml:"dedup"`
	Concurrency     int                   `mapstructure:"concurrency" yaml:"concurrency"`
	BreakerFailures int                   `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown time.Duration         `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
	FailureLogSize  int                   `mapstructure:"failure_log_size" yaml:"failure_log_size"`
	Subscriptions   []fanout.Subscription `mapstructure:"subscriptions" yaml:"subscriptions"`
}

// RedisConfig is shared by the redis queue backend and the redis deduper.
type RedisConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NATSConfig is used by nats:// subscriber endpoints.
type NATSConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr" yaml:"grpc_addr"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			Backend:       BackendPebble,
			Name:          "default",
			DataDir:       DefaultDataDir(),
			Fsync:         "always",
			MaxAttempts:   queue.DefaultMaxAttempts,
			LeaseDuration: queue.DefaultLeaseDuration,
			BackoffBase:   queue.DefaultBackoffBase,
			BackoffCap:    queue.DefaultBackoffCap,
			SweepInterval: 500 * time.Millisecond,
		},
		Producer: ProducerConfig{
			MaxPayloadSize: 256 << 10,
			RetryAttempts:  3,
		},
		Consumer: ConsumerConfig{
			Workers:           4,
			BatchSize:         10,
			ProcessingTimeout: 30 * time.Second,
			PollInterval:      100 * time.Millisecond,
		},
		Fanout: FanoutConfig{
			DedupWindow:     fanout.DefaultDedupWindow,
			Dedup:           "memory",
			Concurrency:     8,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
			FailureLogSize:  1024,
		},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		NATS:    NATSConfig{URL: "nats://localhost:4222"},
		Server:  ServerConfig{HTTPAddr: ":8080", GRPCAddr: ":9090"},
		Logging: log.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON, YAML or TOML file (by extension)
// and overlays FANQ_* environment variables. If path is empty, only
// defaults and environment apply.
func Load(path string) (Config, error) {
	v := newViper(Default())
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent option.
func (c Config) Validate() error {
	switch c.Queue.Backend {
	case BackendPebble:
		if c.Queue.DataDir == "" {
			return errors.New("queue.data_dir is required for the pebble backend")
		}
		if _, err := ParseFsync(c.Queue.Fsync); err != nil {
			return err
		}
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Queue.Name == "" || strings.Contains(c.Queue.Name, "/") {
		return fmt.Errorf("invalid queue name %q", c.Queue.Name)
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Queue.LeaseDuration < queue.MinLeaseDuration {
		return fmt.Errorf("queue.lease_duration must be at least %s", queue.MinLeaseDuration)
	}
	if c.Consumer.ProcessingTimeout < 0 {
		return errors.New("consumer.processing_timeout must not be negative")
	}
	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		return errors.New("queue.backoff_cap must not be below queue.backoff_base")
	}
	switch c.Fanout.Dedup {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown fanout.dedup %q", c.Fanout.Dedup)
	}
	if c.Consumer.Workers < 1 {
		return errors.New("consumer.workers must be at least 1")
	}
	return nil
}

// QueueOptions maps the queue section onto queue.Options.
func (c Config) QueueOptions() queue.Options {
	return queue.Options{
		MaxAttempts: c.Queue.MaxAttempts,
		Backoff:     queue.Backoff{Base: c.Queue.BackoffBase, Cap: c.Queue.BackoffCap},
	}
}

// ParseFsync maps a fsync name onto a pebblestore.FsyncMode.
func ParseFsync(s string) (pebblestore.FsyncMode, error) {
	switch strings.ToLower(s) {
	case "", "always":
		return pebblestore.FsyncModeAlways, nil
	case "interval":
		return pebblestore.FsyncModeInterval, nil
	case "never":
		return pebblestore.FsyncModeNever, nil
	default:
		return pebblestore.FsyncModeUnspecified, fmt.Errorf("unknown fsync mode %q", s)
	}
}
