// Package gossip implements bloom-filter set reconciliation between
// peers that were offline for each other: bounded FIFO stores of
// recently seen messages, fragments, and announcements, plus the
// periodic RequestSync exchange that lets a reconnecting peer catch up
// on whatever it missed.
package gossip

import (
	"sync"
	"time"

	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/platform/metrics"
	"meshmux/core/internal/platform/ratelimiter"
	"meshmux/core/pkg/models"
)

// Config holds GossipSync's tunables, matching the gossip.* section of
// the configuration surface.
type Config struct {
	SeenCapacity        int
	FragmentCapacity     int
	MaintenanceInterval time.Duration
	MessageSyncInterval time.Duration
	FragmentSyncInterval time.Duration
	StalePeerTimeout    time.Duration
	MaxMessageAge       time.Duration
}

// Normalize fills zero-valued fields with the spec's defaults.
func (c Config) Normalize() Config {
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = 1000
	}
	if c.FragmentCapacity <= 0 {
		c.FragmentCapacity = 600
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 30 * time.Second
	}
	if c.MessageSyncInterval <= 0 {
		c.MessageSyncInterval = 15 * time.Second
	}
	if c.FragmentSyncInterval <= 0 {
		c.FragmentSyncInterval = 30 * time.Second
	}
	if c.StalePeerTimeout <= 0 {
		c.StalePeerTimeout = 60 * time.Second
	}
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = 15 * time.Minute
	}
	return c
}

// DirectBroadcaster is the outbound half of the radio contract this
// package depends on: a flood broadcast for RequestSync requests, and a
// unicast for serving a peer the packets it's missing.
type DirectBroadcaster interface {
	BroadcastPacket(raw []byte, blackoutDeviceUUIDs []string) error
	DirectBroadcastPacket(raw []byte, deviceUUID string) error
}

// Manager owns the three bounded FIFO stores and drives the periodic
// maintenance, per-store sync schedules, and stale-peer cleanup.
type Manager struct {
	mu sync.Mutex

	messages      *fifoStore
	fragments     *fifoStore
	announcements *fifoStore

	cfg         Config
	broadcaster DirectBroadcaster
	now         func() time.Time

	lastMessageSync  time.Time
	lastFragmentSync time.Time

	peerTimers   map[string][]*time.Timer
	serveLimiter *ratelimiter.MapLimiter
	metrics      *metrics.State
}

// defaultServeRate caps how many direct responses serveMissing will
// send to one peer per second before it starts dropping the rest for
// this maintenance cycle: a reconnecting peer that's missed thousands
// of messages gets served in waves across cycles rather than in one
// radio-saturating burst.
const defaultServeRate = 20.0
const defaultServeBurst = 20

// New builds a Manager with the given configuration.
func New(cfg Config, broadcaster DirectBroadcaster, now func() time.Time) *Manager {
	cfg = cfg.Normalize()
	if now == nil {
		now = time.Now
	}
	return &Manager{
		messages:      newFIFOStore(cfg.SeenCapacity),
		fragments:     newFIFOStore(cfg.FragmentCapacity),
		announcements: newFIFOStore(cfg.SeenCapacity),
		cfg:           cfg,
		broadcaster:   broadcaster,
		now:           now,
		peerTimers:    make(map[string][]*time.Timer),
		serveLimiter:  ratelimiter.New(defaultServeRate, defaultServeBurst, cfg.StalePeerTimeout),
	}
}

// WithMetrics attaches a metrics.State the manager records sync-sent
// and sync-served counts into.
func (m *Manager) WithMetrics(metricsState *metrics.State) *Manager {
	m.metrics = metricsState
	return m
}

func (m *Manager) storeFor(pktType models.PacketType) *fifoStore {
	switch pktType {
	case models.PacketAnnounce:
		return m.announcements
	case models.PacketMessage:
		return m.messages
	case models.PacketFragment:
		return m.fragments
	default:
		return nil
	}
}

// Observe records a successfully-processed packet of a gossip-relevant
// type (ANNOUNCE, MESSAGE, FRAGMENT) so it can later be served to a
// peer that's missing it. Packet types outside that set are ignored.
func (m *Manager) Observe(p models.Packet) {
	s := m.storeFor(p.Type)
	if s == nil {
		return
	}
	id := PacketID(p.Timestamp, p.Type, p.Version, p.Payload)
	raw, err := meshcodec.EncodePacket(p)
	if err != nil {
		return
	}
	s.Add(id, raw, p.Type, p.Timestamp, m.now())
}

// OnPeerConnected schedules the initial catch-up sync for a newly
// connected peer: a message RequestSync 5 seconds out, and a fragment
// RequestSync 500ms after that.
func (m *Manager) OnPeerConnected(deviceUUID string) {
	msgTimer := time.AfterFunc(5*time.Second, func() {
		m.sendRequestSync(FlagMessage, m.messages)
	})
	fragTimer := time.AfterFunc(5*time.Second+500*time.Millisecond, func() {
		m.sendRequestSync(FlagFragment, m.fragments)
	})
	m.mu.Lock()
	m.peerTimers[deviceUUID] = append(m.peerTimers[deviceUUID], msgTimer, fragTimer)
	m.mu.Unlock()
}

// OnPeerDisconnected cancels any pending initial-sync timers for a peer
// that dropped before they fired.
func (m *Manager) OnPeerDisconnected(deviceUUID string) {
	m.mu.Lock()
	timers := m.peerTimers[deviceUUID]
	delete(m.peerTimers, deviceUUID)
	m.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// RunMaintenance performs one maintenance pass: evicting entries older
// than MaxMessageAge, then broadcasting a RequestSync for whichever
// per-store schedule is due.
func (m *Manager) RunMaintenance() {
	now := m.now()
	cutoff := now.Add(-m.cfg.MaxMessageAge).UnixMilli()
	m.messages.EvictOlderThan(cutoff)
	m.fragments.EvictOlderThan(cutoff)
	m.announcements.EvictOlderThan(cutoff)

	m.mu.Lock()
	dueMessage := m.lastMessageSync.IsZero() || now.Sub(m.lastMessageSync) >= m.cfg.MessageSyncInterval
	dueFragment := m.lastFragmentSync.IsZero() || now.Sub(m.lastFragmentSync) >= m.cfg.FragmentSyncInterval
	if dueMessage {
		m.lastMessageSync = now
	}
	if dueFragment {
		m.lastFragmentSync = now
	}
	m.mu.Unlock()

	if dueMessage {
		m.sendRequestSync(FlagMessage, m.messages)
	}
	if dueFragment {
		m.sendRequestSync(FlagFragment, m.fragments)
	}
}

func (m *Manager) sendRequestSync(flag Flags, s *fifoStore) {
	if m.broadcaster == nil {
		return
	}
	ids := sortedIDs(s.All())
	rs := BuildRequestSync(flag, ids)
	packet := models.Packet{
		Version:     meshcodec.CurrentVersion,
		Type:        models.PacketSync,
		Timestamp:   m.now().UnixMilli(),
		Payload:     Encode(rs),
		AllowedHops: 0,
	}
	raw, err := meshcodec.EncodePacket(packet)
	if err != nil {
		return
	}
	_ = m.broadcaster.BroadcastPacket(raw, nil)
	m.metrics.RecordGossipSyncSent()
}

// HandleRequestSync processes a SYNC packet from fromDeviceUUID: for
// each store its flags name, every held packet absent from its filter
// is sent back directly, allowedHops=0. The requester re-applies its
// own dedup on arrival, so duplicates here are harmless.
func (m *Manager) HandleRequestSync(payload []byte, fromDeviceUUID string) error {
	rs, err := Decode(payload)
	if err != nil {
		return err
	}
	if m.broadcaster == nil {
		return nil
	}
	if rs.Flags&FlagAnnounce != 0 {
		m.serveMissing(rs, m.announcements, fromDeviceUUID)
	}
	if rs.Flags&FlagMessage != 0 {
		m.serveMissing(rs, m.messages, fromDeviceUUID)
	}
	if rs.Flags&FlagFragment != 0 {
		m.serveMissing(rs, m.fragments, fromDeviceUUID)
	}
	return nil
}

func (m *Manager) serveMissing(rs RequestSync, s *fifoStore, toDeviceUUID string) {
	now := m.now()
	for _, e := range s.All() {
		if rs.Has(e.id) {
			continue
		}
		if !m.serveLimiter.Allow(toDeviceUUID, now) {
			// Peer is owed more than this cycle's burst allows; the rest
			// of its missing set gets served on the next RequestSync.
			continue
		}
		_ = m.broadcaster.DirectBroadcastPacket(e.raw, toDeviceUUID)
		m.metrics.RecordGossipServed()
	}
}

// extractSenderID approximates a peer identity from a packetId's
// trailing payload-prefix bytes. It is not an authenticated sender
// field — two distinct peers can collide here — and exists only so
// StalePeerCleanup has something to key eviction on until ANNOUNCE
// payloads carry a signed sender field.
func extractSenderID(id [16]byte) [6]byte {
	var out [6]byte
	copy(out[:], id[10:16])
	return out
}

// StalePeerCleanup removes announcements older than StalePeerTimeout and
// purges messages/fragments attributed (via extractSenderID) to any
// peer whose announcement just aged out.
func (m *Manager) StalePeerCleanup() {
	now := m.now()
	cutoff := now.Add(-m.cfg.StalePeerTimeout).UnixMilli()

	removed := make(map[[6]byte]struct{})
	for _, e := range m.announcements.All() {
		if e.timestamp < cutoff {
			removed[extractSenderID(e.id)] = struct{}{}
		}
	}
	m.announcements.EvictOlderThan(cutoff)
	if len(removed) == 0 {
		return
	}
	m.messages.EvictBySender(removed)
	m.fragments.EvictBySender(removed)
}

// Stats reports the fill level of each bounded store, for diagnostics.
type Stats struct {
	Messages      int
	Fragments     int
	Announcements int
}

func (m *Manager) Stats() Stats {
	return Stats{
		Messages:      m.messages.Len(),
		Fragments:     m.fragments.Len(),
		Announcements: m.announcements.Len(),
	}
}
