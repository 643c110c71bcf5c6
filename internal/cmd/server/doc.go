// Package serverrun exposes the Run entrypoint used by the CLI to start a
// fanq node: runtime, pipeline, and the gRPC and HTTP servers, handling
// lifecycle and shutdown.
//
// Example:
//
//	cfg, _ := config.Load("fanq.yaml")
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
