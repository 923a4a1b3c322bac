package retention

import (
	"context"
	"time"
)

// Start runs RunOnce on DefaultInterval until ctx is cancelled.
func (g *GC) Start(ctx context.Context) {
	ticker := time.NewTicker(DefaultInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.RunOnce()
		}
	}
}
