// Package runtime opens the storage a fanq node is configured for: a Pebble
// database for the pebble backend and a Redis client when the queue or the
// fan-out deduper lives in Redis. It exposes Open/Close, a health check and
// OpenQueue, which hands back the configured queue.Store.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(ctx)
//	q, _ := rt.OpenQueue("default", cfg.QueueOptions())
//	_, _ = q.Enqueue(ctx, envelope.New([]byte("hello"), nil, time.Now()), 0)
package runtime
