package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/fanq/internal/config"
	"github.com/rzbill/fanq/internal/consumer"
	"github.com/rzbill/fanq/internal/fanout"
	"github.com/rzbill/fanq/internal/pipeline"
	"github.com/rzbill/fanq/internal/runtime"
	grpcserver "github.com/rzbill/fanq/internal/server/grpc"
	httpserver "github.com/rzbill/fanq/internal/server/http"
	logpkg "github.com/rzbill/fanq/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Processor replaces the default enrichment processor when set.
	Processor consumer.Processor
	// Sinks are made available to func:// subscriptions.
	Sinks map[string]fanout.Sink
}

// Run opens the runtime, starts the pipeline and both servers, and blocks
// until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so shutdown works
	// even for callers that don't pass a signal-aware context.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.Queue.DataDir == "" {
		cfg.Queue.DataDir = cfgpkg.DefaultDataDir()
	}
	procLogger := processLogger(&cfg.Logging)

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	procLogger.Info("Starting fanq server",
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("backend", cfg.Queue.Backend),
		logpkg.Str("queue", cfg.Queue.Name),
		logpkg.Int("workers", cfg.Consumer.Workers),
		logpkg.Int("subscriptions", len(cfg.Fanout.Subscriptions)),
		logpkg.Str("level", cfg.Logging.Level),
		logpkg.Str("format", cfg.Logging.Format),
	)

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := pipeline.New(cfg, pipeline.Deps{
		Runtime:   rt,
		Processor: opts.Processor,
		Sinks:     opts.Sinks,
		Logger:    procLogger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer p.Close()
	p.Start(sctx)

	gsrv := grpcserver.New(rt, procLogger)
	hsrv := httpserver.New(rt, p, procLogger)

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(sctx, cfg.Server.GRPCAddr); err != nil && sctx.Err() == nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.Server.HTTPAddr); err != nil && sctx.Err() == nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-sctx.Done():
	case runErr = <-errCh:
		procLogger.Error("server failed", logpkg.Err(runErr))
		stop()
	}
	// Stop the listeners before the pipeline and runtime close underneath them.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	procLogger.Info("fanq server stopped")
	return runErr
}

// processLogger builds the process-wide logger, falling back to info/text
// when the configuration is invalid.
func processLogger(cfg *logpkg.Config) logpkg.Logger {
	l, err := logpkg.ApplyConfig(cfg)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if parsed, e := logpkg.ParseLevel(cfg.Level); e == nil {
		lvl = parsed
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
}
