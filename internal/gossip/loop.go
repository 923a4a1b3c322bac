package gossip

import (
	"context"
	"time"
)

// Start runs the maintenance sweep and the stale-peer cleanup on their
// independent interval timers until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	maintenance := time.NewTicker(m.cfg.MaintenanceInterval)
	stale := time.NewTicker(m.cfg.StalePeerTimeout)
	defer maintenance.Stop()
	defer stale.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-maintenance.C:
			m.RunMaintenance()
		case <-stale.C:
			m.StalePeerCleanup()
		}
	}
}
