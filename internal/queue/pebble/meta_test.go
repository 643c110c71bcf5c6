package pebblequeue

import (
	"testing"
	"time"

	"github.com/rzbill/fanq/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRecordsMeta(t *testing.T) {
	db := openDB(t)
	created := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return created }

	q, err := Open(db, "orders", queue.Options{MaxAttempts: 3, Clock: clock}, nil)
	require.NoError(t, err)
	assert.Equal(t, Meta{Name: "orders", CreatedAtMs: created.UnixMilli(), MaxAttempts: 3}, q.Meta())

	// reopening later keeps the creation time and picks up the new limit
	later := func() time.Time { return created.Add(time.Hour) }
	q, err = Open(db, "orders", queue.Options{MaxAttempts: 7, Clock: later}, nil)
	require.NoError(t, err)
	assert.Equal(t, created.UnixMilli(), q.Meta().CreatedAtMs)
	assert.Equal(t, 7, q.Meta().MaxAttempts)

	_, err = Open(db, "billing", queue.Options{Clock: clock}, nil)
	require.NoError(t, err)

	metas, err := ListQueues(db)
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, "billing", metas[0].Name)
	assert.Equal(t, queue.DefaultMaxAttempts, metas[0].MaxAttempts)
	assert.Equal(t, "orders", metas[1].Name)
}

func TestCorruptMetaIsRewritten(t *testing.T) {
	db := openDB(t)
	require.NoError(t, db.Set(metaKey("q"), []byte("{not json")))
	q, err := Open(db, "q", queue.Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "q", q.Meta().Name)

	metas, err := ListQueues(db)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, q.Meta(), metas[0])
}
