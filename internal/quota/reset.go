package quota

import (
	"context"
	"log/slog"
	"time"
)

// Resetter rolls over every ledger entry whose period has ended.
type Resetter interface {
	ResetExpired(ctx context.Context, now time.Time) (int, error)
}

// RunResetLoop calls ResetExpired once immediately and then every interval
// until ctx is cancelled.
func RunResetLoop(ctx context.Context, r Resetter, interval time.Duration) {
	tick := func() {
		n, err := r.ResetExpired(ctx, time.Now())
		if err != nil {
			slog.Error("quota reset failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("quota periods reset", "tenants", n)
		}
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
