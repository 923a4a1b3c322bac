// Package retention implements the periodic garbage-collection sweep
// that keeps the store and dedup index bounded: aged-out messages,
// expired bloom-filter entries, and stale pending-decryption rows.
package retention

import (
	"time"

	"meshmux/core/internal/cgka"
	"meshmux/core/internal/dedup"
	"meshmux/core/internal/store"
)

// DefaultInterval is how often RunOnce is invoked by Start.
const DefaultInterval = 60 * time.Second

// DefaultRetention is the default message-retention window.
const DefaultRetention = 60 * time.Minute

// MinRetention and MaxRetention bound the configurable retention
// window: [10 minutes, 5 days].
const (
	MinRetention = 10 * time.Minute
	MaxRetention = 5 * 24 * time.Hour
)

// ClampRetention enforces the configuration surface's hard bounds on a
// requested message-retention window.
func ClampRetention(d time.Duration) time.Duration {
	if d < MinRetention {
		return MinRetention
	}
	if d > MaxRetention {
		return MaxRetention
	}
	return d
}

// GC runs the single retention sweep: message age-out, bloom pruning,
// and pending-decryption age-out.
type GC struct {
	store         *store.Store
	bloom         *dedup.Index
	messageMaxAge time.Duration
	pendingMaxAge time.Duration
	now           func() time.Time
}

// New builds a GC. messageMaxAge is clamped to [MinRetention,
// MaxRetention]; pendingMaxAge defaults to cgka.DefaultPendingRetention
// if zero.
func New(s *store.Store, bloom *dedup.Index, messageMaxAge, pendingMaxAge time.Duration, now func() time.Time) *GC {
	if messageMaxAge <= 0 {
		messageMaxAge = DefaultRetention
	}
	if pendingMaxAge <= 0 {
		pendingMaxAge = cgka.DefaultPendingRetention
	}
	if now == nil {
		now = time.Now
	}
	return &GC{
		store:         s,
		bloom:         bloom,
		messageMaxAge: ClampRetention(messageMaxAge),
		pendingMaxAge: pendingMaxAge,
		now:           now,
	}
}

// Result summarizes one sweep.
type Result struct {
	MessagesPurged int
	BloomPruned    int
	PendingPurged  int
}

// RunOnce performs a single retention sweep.
func (g *GC) RunOnce() Result {
	now := g.now()
	messagesPurged := g.store.PurgeMessagesBefore(now.Add(-g.messageMaxAge))
	bloomPruned := g.bloom.PruneExpired()
	pendingPurged := cgka.PurgeStale(g.store, now, g.pendingMaxAge)
	return Result{MessagesPurged: messagesPurged, BloomPruned: bloomPruned, PendingPurged: pendingPurged}
}
