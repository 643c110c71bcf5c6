// Package grpcserver hosts the gRPC surface for fanq: the standard
// grpc.health.v1 service, reporting SERVING while the runtime's stores
// answer.
//
// Example:
//
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":9090")
package grpcserver
