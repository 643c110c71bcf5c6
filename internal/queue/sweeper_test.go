package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/queue"
	memqueue "github.com/rzbill/fanq/internal/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	q := memqueue.New(queue.Options{Backoff: queue.Backoff{Base: time.Millisecond, Cap: time.Millisecond, Jitter: queue.NoJitter}})
	_, err := q.Enqueue(ctx, envelope.New([]byte("x"), nil, time.Now()), 0)
	require.NoError(t, err)
	_, err = q.Lease(ctx, 1, 5*time.Millisecond)
	require.NoError(t, err)

	s := queue.NewSweeper(q, 10*time.Millisecond, nil)
	s.Start()
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool {
		st, err := q.Stats(ctx)
		return err == nil && st.Leased == 0 && st.Pending == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	s := queue.NewSweeper(memqueue.New(queue.Options{}), 0, nil)
	s.Stop()
	s.Start()
	s.Stop()
	s.Stop()
}
