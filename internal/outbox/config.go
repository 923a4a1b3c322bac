// Package outbox implements the three durable retry queues that make
// up the core's outbound reliability plane: application messages,
// CGKA control traffic, and delivery acknowledgments owed to senders.
// Each queue is a thin periodic-retry wrapper around the corresponding
// store.Store collection; none of them hold state of their own beyond
// pacing and the broadcaster they're wired to.
package outbox

import "time"

// DefaultPacing is the minimum spacing enforced between two outbox
// broadcasts within a single retry pass, mirroring the relay queue's
// inter-packet delay.
const DefaultPacing = 100 * time.Millisecond

// Config holds the retry cadence and attempt budgets for all three
// outbox queues, matching the ble.* configuration surface.
type Config struct {
	OutgoingMessageRetryInterval time.Duration
	OutgoingMessageMaxAttempts   int

	AmigoMessageRetryInterval time.Duration
	AmigoMessageMaxAttempts   int

	DeliveryAckRetryInterval time.Duration
	DeliveryAckMaxAge        time.Duration

	Pacing time.Duration

	// MTULimitBytes and FragmentSizeBytes drive MessageOutbox's
	// fragmentation decision: a CGKA-sealed payload at or above
	// MTULimitBytes is split into FRAGMENT packets chunked to
	// FragmentSizeBytes minus header overhead, matching ble.mtuLimitBytes
	// and ble.defaultFragmentSizeBytes.
	MTULimitBytes    int
	FragmentSizeBytes int
}

// Normalize fills zero-valued fields with the spec's defaults.
func (c Config) Normalize() Config {
	if c.OutgoingMessageRetryInterval <= 0 {
		c.OutgoingMessageRetryInterval = 30 * time.Second
	}
	if c.OutgoingMessageMaxAttempts <= 0 {
		c.OutgoingMessageMaxAttempts = 10
	}
	if c.AmigoMessageRetryInterval <= 0 {
		c.AmigoMessageRetryInterval = c.OutgoingMessageRetryInterval
	}
	if c.AmigoMessageMaxAttempts <= 0 {
		c.AmigoMessageMaxAttempts = c.OutgoingMessageMaxAttempts
	}
	if c.DeliveryAckRetryInterval <= 0 {
		c.DeliveryAckRetryInterval = 60 * time.Second
	}
	if c.DeliveryAckMaxAge <= 0 {
		c.DeliveryAckMaxAge = 24 * time.Hour
	}
	if c.Pacing <= 0 {
		c.Pacing = DefaultPacing
	}
	if c.MTULimitBytes <= 0 {
		c.MTULimitBytes = 185
	}
	if c.FragmentSizeBytes <= 0 {
		c.FragmentSizeBytes = 170
	}
	return c
}

// Broadcaster is the outbound half of the radio collaborator contract
// every outbox queue depends on.
type Broadcaster interface {
	BroadcastPacket(raw []byte, blackoutDeviceUUIDs []string) error
}

func pace(last *time.Time, now func() time.Time, interval time.Duration) {
	n := now()
	if !last.IsZero() {
		if elapsed := n.Sub(*last); elapsed < interval {
			time.Sleep(interval - elapsed)
			n = now()
		}
	}
	*last = n
}
