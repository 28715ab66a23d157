package registry

import (
	"context"
	"time"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultIdleTTL       = 30 * time.Minute
)

// RunSweeper periodically snapshots every live agent and evicts agents that finished and
// stayed unused for idleTTL. Evicted campaigns keep their durable rows. It returns when ctx
// is done.
func (r *Registry) RunSweeper(ctx context.Context, interval, idleTTL time.Duration) error {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("Sweeper started", "interval", interval, "idle_ttl", idleTTL)

	for {
		select {
		case <-ticker.C:
			r.Sweep(idleTTL)
		case <-ctx.Done():
			r.logger.Info("Sweeper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

// Sweep runs one snapshot and eviction pass and returns the number of evicted agents.
func (r *Registry) Sweep(idleTTL time.Duration) int {
	now := r.now()
	evicted := 0
	for _, a := range r.snapshot() {
		a.Persist()
		if !a.Idle(now, idleTTL) {
			continue
		}
		key := a.Key()
		if r.detach(key, a) == nil {
			continue
		}
		r.release(key, a)
		evicted++
	}
	if evicted > 0 {
		r.logger.Info("Sweeper evicted idle agents", "count", evicted, "remaining", r.Len())
	}
	return evicted
}
