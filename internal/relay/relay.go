// Package relay implements blind-flood re-broadcast with hop-limiting
// and sender blackout: extending the mesh's effective range without a
// routing table and without re-flooding a packet back at whoever just
// sent it.
package relay

import (
	"time"

	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/platform/metrics"
	"meshmux/core/internal/store"
	"meshmux/core/pkg/models"
)

// DefaultQueueCap bounds the durable relay queue; oldest rows are
// evicted once it's exceeded.
const DefaultQueueCap = 500

// DefaultPacing is the minimum spacing enforced between two relayed
// broadcasts, to avoid saturating the radio.
const DefaultPacing = 100 * time.Millisecond

// Broadcaster is the outbound half of the radio collaborator contract
// this package depends on.
type Broadcaster interface {
	BroadcastPacket(raw []byte, blackoutDeviceUUIDs []string) error
}

// Relay decrements allowedHops, persists a relay-ready record, and
// re-broadcasts it with the originating device blacked out.
type Relay struct {
	store       *store.Store
	broadcaster Broadcaster
	queueCap    int
	pacing      time.Duration
	now         func() time.Time
	lastSend    time.Time
	metrics     *metrics.State
}

func New(s *store.Store, b Broadcaster, queueCap int, pacing time.Duration, now func() time.Time) *Relay {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	if pacing <= 0 {
		pacing = DefaultPacing
	}
	if now == nil {
		now = time.Now
	}
	return &Relay{store: s, broadcaster: b, queueCap: queueCap, pacing: pacing, now: now}
}

// WithMetrics attaches a metrics.State the relay records re-broadcast
// counts into; omitted in tests that don't care about counters.
func (r *Relay) WithMetrics(m *metrics.State) *Relay {
	r.metrics = m
	return r
}

// Handle processes one decoded, already-deduped inbound packet. If the
// packet's allowedHops is 0, or its type is not relayable (SYNC), Handle
// is a no-op: per the wire contract those packets are never rebroadcast.
func (r *Relay) Handle(p models.Packet, fromDeviceUUID string) error {
	if p.AllowedHops == 0 || !p.Type.Relayable() {
		return nil
	}
	decremented := p
	decremented.AllowedHops = p.AllowedHops - 1

	encoded, err := meshcodec.EncodePacket(decremented)
	if err != nil {
		return err
	}

	rec := r.store.EnqueueRelay(store.RelayRecord{
		Packet:     decremented,
		DeviceUUID: fromDeviceUUID,
		CreatedAt:  r.now(),
	}, r.queueCap)

	r.pace()
	blackout := []string{}
	if fromDeviceUUID != "" {
		blackout = append(blackout, fromDeviceUUID)
	}
	if err := r.broadcaster.BroadcastPacket(encoded, blackout); err != nil {
		return err
	}
	r.store.MarkRelayed(rec.ID)
	r.metrics.RecordRelayed()
	return nil
}

// pace enforces the minimum gap between outbound relay sends. It is not
// a rate limiter with bursts; it's the simple inter-packet delay the
// wire contract calls for.
func (r *Relay) pace() {
	now := r.now()
	if !r.lastSend.IsZero() {
		elapsed := now.Sub(r.lastSend)
		if elapsed < r.pacing {
			time.Sleep(r.pacing - elapsed)
			now = r.now()
		}
	}
	r.lastSend = now
}

// FlushPending re-broadcasts any relay-queue rows not yet marked
// relayed, for restart recovery. Returns the number of rows flushed.
func (r *Relay) FlushPending() (int, error) {
	pending := r.store.PendingRelayRecords()
	for _, rec := range pending {
		encoded, err := meshcodec.EncodePacket(rec.Packet)
		if err != nil {
			continue
		}
		blackout := []string{}
		if rec.DeviceUUID != "" {
			blackout = append(blackout, rec.DeviceUUID)
		}
		if err := r.broadcaster.BroadcastPacket(encoded, blackout); err != nil {
			return len(pending), err
		}
		r.store.MarkRelayed(rec.ID)
	}
	return len(pending), nil
}
