// Package client provides the `fanq` command-line client.
//
// The CLI talks to the fanq HTTP API for submissions, stats and the
// dead-letter queue, and to the gRPC health service for liveness checks.
// It is primarily intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:8080 and can be changed with FANQ_HTTP.
// The gRPC address is read from the FANQ_GRPC environment variable
// (default 127.0.0.1:9090).
//
// Usage
//
//	fanq submit --attr priority=high '{"order":42}'
//	echo '{"order":43}' | fanq submit --delay 30s -
//	fanq submit --message --category billing '{"text":"hi"}'
//
//	fanq stats
//	fanq dlq list --limit 10
//	fanq dlq replay 01HZX3...
//	fanq deliveries failed
//	fanq health
package client
