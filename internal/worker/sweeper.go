package worker

import (
	"context"
	"log/slog"
	"time"
)

// staleEvictor is implemented by any registry that can drop entries idle
// since before a cutoff, returning the number evicted.
type staleEvictor interface {
	EvictStale(cutoff time.Time) int
}

// Sweeper periodically evicts stale entries from the rate limiter, cooldown
// and circuit breaker registries so long-lived deployments don't accumulate
// per-key/per-provider state for traffic that stopped long ago.
type Sweeper struct {
	evictors []staleEvictor
	interval time.Duration
	maxIdle  time.Duration
}

// NewSweeper creates a Sweeper over the given registries, using sensible
// defaults for sweep interval and idle threshold.
func NewSweeper(evictors ...staleEvictor) *Sweeper {
	return &Sweeper{
		evictors: evictors,
		interval: 10 * time.Minute,
		maxIdle:  1 * time.Hour,
	}
}

// Name identifies this worker for logging.
func (s *Sweeper) Name() string { return "sweeper" }

// Run blocks, evicting stale entries every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			cutoff := time.Now().Add(-s.maxIdle)
			total := 0
			for _, e := range s.evictors {
				total += e.EvictStale(cutoff)
			}
			if total > 0 {
				slog.Info("sweeper evicted stale entries", "count", total)
			}
		}
	}
}
