package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	clientcmd "github.com/rzbill/fanq/internal/cmd/client"
	serverrun "github.com/rzbill/fanq/internal/cmd/server"
	cfgpkg "github.com/rzbill/fanq/internal/config"
	logpkg "github.com/rzbill/fanq/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

func main() {
	// initialize logger for CLI
	// Respect FANQ_LOGGING_LEVEL for CLI output before any config is loaded
	parsed, err := logpkg.ParseLevel(os.Getenv("FANQ_LOGGING_LEVEL"))
	if err != nil {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fanq",
		Short: "fanq pipeline CLI",
		Long:  "fanq is a single-binary asynchronous message pipeline. This CLI runs the server and talks to a running one.",
	}
	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv("FANQ_CONFIG"), "Config file (json, yaml or toml)")

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the fanq server (pipeline, gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address (default :9090)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default :8080)")
	serverStartCmd.Flags().String("backend", "", "Queue backend: pebble|redis|memory")
	serverStartCmd.Flags().String("redis", "", "Redis address for the redis backend or deduper")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("workers", 0, "Consumer workers")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// config print
	configCmd := &cobra.Command{Use: "config", Short: "Configuration commands"}
	configPrintCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
	configCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(configCmd)

	// client commands
	clientcmd.AddCommands(rootCmd, apiURL)
	return rootCmd
}

// loadConfig reads --config (plus FANQ_* env) and applies any server flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.Queue.DataDir = f.Value.String()
		case "grpc":
			cfg.Server.GRPCAddr = f.Value.String()
		case "http":
			cfg.Server.HTTPAddr = f.Value.String()
		case "backend":
			cfg.Queue.Backend = f.Value.String()
		case "redis":
			cfg.Redis.Addr = f.Value.String()
		case "fsync":
			cfg.Queue.Fsync = f.Value.String()
		case "workers":
			n, _ := cmd.Flags().GetInt("workers")
			cfg.Consumer.Workers = n
		case "log-level":
			cfg.Logging.Level = f.Value.String()
		case "log-format":
			cfg.Logging.Format = f.Value.String()
		}
	})
	return cfg, cfg.Validate()
}

func apiURL() string {
	if v := os.Getenv("FANQ_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
