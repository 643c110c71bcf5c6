package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rzbill/fanq/pkg/log"
)

// Sweeper periodically reclaims expired leases so envelopes held by crashed
// consumers become leasable even when nobody calls Lease.
type Sweeper struct {
	q        Queue
	interval time.Duration
	logger   log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper for q. A zero interval defaults to 500ms.
func NewSweeper(q Queue, interval time.Duration, logger log.Logger) *Sweeper {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Sweeper{q: q, interval: interval, logger: logger.With(log.Component("sweeper"))}
}

// Start launches the loop. Calling Start twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	s.logger.Debug("sweeper started", log.Duration("interval", s.interval))
	for {
		// jitter spreads sweeps from several processes sharing a store
		wait := s.interval + time.Duration(rng.Int63n(int64(s.interval/10+1)))
		select {
		case <-ctx.Done():
			s.logger.Debug("sweeper stopped")
			return
		case <-time.After(wait):
			n, err := s.q.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("sweep failed", log.Err(err))
				}
				continue
			}
			if n > 0 {
				s.logger.Info("reclaimed expired leases", log.Int("count", n))
			}
		}
	}
}
