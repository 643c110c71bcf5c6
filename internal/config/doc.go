// Package config loads fanq configuration. Default() is the baseline, Load
// reads a JSON, YAML or TOML file through viper and FromEnv overlays FANQ_*
// environment variables (queue.max_attempts is FANQ_QUEUE_MAX_ATTEMPTS).
//
// Example:
//
//	cfg, err := config.Load("/etc/fanq/fanq.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	p, _ := pipeline.New(cfg, pipeline.Deps{})
package config
