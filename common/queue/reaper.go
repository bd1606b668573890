package queue

import (
	"context"
	"time"

	"github.com/noetl/noetl/common/logger"
)

// Reaper periodically reclaims expired leases. Dead-lettered items are
// reported to the callback so the orchestrator can fail the step.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	log      *logger.Logger
	onReaped func(ctx context.Context, items []ReapedItem)
}

// NewReaper creates a reaper
func NewReaper(manager *Manager, interval time.Duration, log *logger.Logger, onReaped func(ctx context.Context, items []ReapedItem)) *Reaper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reaper{
		manager:  manager,
		interval: interval,
		log:      log,
		onReaped: onReaped,
	}
}

// Run sweeps until the context is cancelled
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper starting", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			items, err := r.manager.Reap(ctx)
			if err != nil {
				r.log.Error("reap sweep failed", "error", err)
				continue
			}
			if len(items) > 0 && r.onReaped != nil {
				r.onReaped(ctx, items)
			}
		}
	}
}
