package memqueue

import (
	"testing"

	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/internal/queue/queuetest"
)

func TestConformance(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.Store {
		return New(opts)
	})
}
