// Package httpserver is the REST ingress and admin surface for fanq:
// submissions, health and stats, the dead-letter queue, failed deliveries
// and Prometheus metrics.
//
// Example:
//
//	s := httpserver.New(rt, p, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
