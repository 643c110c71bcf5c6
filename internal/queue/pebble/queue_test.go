package pebblequeue

import (
	"context"
	"testing"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/internal/queue/queuetest"
	pebblestore "github.com/rzbill/fanq/internal/storage/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.Store {
		q, err := Open(openDB(t), "conformance", opts, nil)
		require.NoError(t, err)
		return q
	})
}

func TestOpenRejectsBadNames(t *testing.T) {
	db := openDB(t)
	_, err := Open(db, "", queue.Options{}, nil)
	assert.Error(t, err)
	_, err = Open(db, "a/b", queue.Options{}, nil)
	assert.Error(t, err)
	_, err = Open(nil, "q", queue.Options{}, nil)
	assert.Error(t, err)
}

func TestQueuesShareDBWithoutInterference(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	a, err := Open(db, "a", queue.Options{}, nil)
	require.NoError(t, err)
	b, err := Open(db, "b", queue.Options{}, nil)
	require.NoError(t, err)

	_, err = a.Enqueue(ctx, envelope.New([]byte("x"), nil, time.Now()), 0)
	require.NoError(t, err)

	items, err := b.Lease(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, items)
	items, err = a.Lease(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir})
	require.NoError(t, err)
	q, err := Open(db, "durable", queue.Options{}, nil)
	require.NoError(t, err)
	e := envelope.New([]byte("persist me"), map[string]string{"k": "v"}, time.Now())
	_, err = q.Enqueue(ctx, e, 0)
	require.NoError(t, err)
	require.NoError(t, q.Close())
	require.NoError(t, db.Close())

	db, err = pebblestore.Open(pebblestore.Options{DataDir: dir})
	require.NoError(t, err)
	defer db.Close()
	q, err = Open(db, "durable", queue.Options{}, nil)
	require.NoError(t, err)
	items, err := q.Lease(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, e.ID, items[0].Envelope.ID)
	assert.Equal(t, []byte("persist me"), items[0].Envelope.Payload)
}

func TestUndecodableFrameIsBuried(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	q, err := Open(db, "corrupt", queue.Options{}, nil)
	require.NoError(t, err)

	e := envelope.New([]byte("x"), nil, time.Now())
	_, err = q.Enqueue(ctx, e, 0)
	require.NoError(t, err)
	require.NoError(t, db.Set(msgKey("corrupt", e.ID), []byte("garbage")))

	items, err := q.Lease(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.Empty(t, items)

	dl, err := q.GetDead(ctx, e.ID.String())
	require.NoError(t, err)
	assert.Equal(t, e.ID, dl.Envelope.ID)
	assert.NotEmpty(t, dl.Reason)
}

func TestClosedQueueIsUnavailable(t *testing.T) {
	q, err := Open(openDB(t), "closed", queue.Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, q.Close())
	_, err = q.Enqueue(context.Background(), envelope.New([]byte("x"), nil, time.Now()), 0)
	assert.ErrorIs(t, err, queue.ErrStoreUnavailable)
}
