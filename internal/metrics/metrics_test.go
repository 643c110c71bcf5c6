package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	pebblestore "github.com/rzbill/fanq/internal/storage/pebble"
	"github.com/stretchr/testify/assert"
)

var _ pebblestore.MetricsHook = Storage{}

func TestStorageHookRecords(t *testing.T) {
	before := testutil.ToFloat64(StorageBytes.WithLabelValues("commit"))
	Storage{}.ObserveBatchCommit(time.Millisecond, 3, 128)
	assert.Equal(t, before+128, testutil.ToFloat64(StorageBytes.WithLabelValues("commit")))
}
