package metadata

import (
	"context"
	"time"
)

// Refresher keeps the cache warm. It refreshes once at start and then whenever the snapshot
// ages out. It satisfies suture.Service.
type Refresher struct {
	Cache    *Cache
	Interval time.Duration
}

// Serve runs until ctx is cancelled.
func (r *Refresher) Serve(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	r.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Refresher) String() string { return "metadata-refresher" }

func (r *Refresher) tick(ctx context.Context) {
	if !r.Cache.NeedsRefresh() {
		return
	}
	// failures are logged by the cache and retried on the next tick
	_, _ = r.Cache.Refresh(ctx, false)
}
