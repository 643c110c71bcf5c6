package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: queue.max_attempts is read
// from FANQ_QUEUE_MAX_ATTEMPTS.
const EnvPrefix = "FANQ"

// FromEnv overlays FANQ_* environment variables onto cfg.
func FromEnv(cfg *Config) error {
	v := newViper(*cfg)
	return v.Unmarshal(cfg)
}

// newViper returns a viper instance whose defaults are base and which reads
// FANQ_* overrides. Every key needs a default for AutomaticEnv to see it.
func newViper(base Config) *viper.Viper {
	v := viper.New()

	v.SetDefault("queue.backend", base.Queue.Backend)
	v.SetDefault("queue.name", base.Queue.Name)
	v.SetDefault("queue.data_dir", base.Queue.DataDir)
	v.SetDefault("queue.fsync", base.Queue.Fsync)
	v.SetDefault("queue.max_attempts", base.Queue.MaxAttempts)
	v.SetDefault("queue.lease_duration", base.Queue.LeaseDuration)
	v.SetDefault("queue.backoff_base", base.Queue.BackoffBase)
	v.SetDefault("queue.backoff_cap", base.Queue.BackoffCap)
	v.SetDefault("queue.sweep_interval", base.Queue.SweepInterval)

	v.SetDefault("producer.max_payload_size", base.Producer.MaxPayloadSize)
	v.SetDefault("producer.max_delay", base.Producer.MaxDelay)
	v.SetDefault("producer.retry_attempts", base.Producer.RetryAttempts)

	v.SetDefault("consumer.workers", base.Consumer.Workers)
	v.SetDefault("consumer.batch_size", base.Consumer.BatchSize)
	v.SetDefault("consumer.processing_timeout", base.Consumer.ProcessingTimeout)
	v.SetDefault("consumer.poll_interval", base.Consumer.PollInterval)

	v.SetDefault("fanout.dedup_window", base.Fanout.DedupWindow)
	v.SetDefault("fanout.dedup", base.Fanout.Dedup)
	v.SetDefault("fanout.concurrency", base.Fanout.Concurrency)
	v.SetDefault("fanout.breaker_failures", base.Fanout.BreakerFailures)
	v.SetDefault("fanout.breaker_cooldown", base.Fanout.BreakerCooldown)
	v.SetDefault("fanout.failure_log_size", base.Fanout.FailureLogSize)
	v.SetDefault("fanout.subscriptions", base.Fanout.Subscriptions)

	v.SetDefault("redis.addr", base.Redis.Addr)
	v.SetDefault("nats.url", base.NATS.URL)

	v.SetDefault("server.http_addr", base.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", base.Server.GRPCAddr)

	v.SetDefault("logging.level", base.Logging.Level)
	v.SetDefault("logging.format", base.Logging.Format)
	v.SetDefault("logging.outputs", base.Logging.Outputs)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}
