package radio

import (
	"errors"
	"sync"
)

// ErrPeerNotConnected is returned by a MockLink when asked to address a
// device UUID it has no edge to in the Hub's topology.
var ErrPeerNotConnected = errors.New("radio: peer not connected")

// Hub is the deterministic in-process mesh every MockLink in a test
// joins. It holds the link topology (which device UUIDs can reach each
// other directly) and delivers broadcasts synchronously, so tests don't
// need to coordinate on goroutine scheduling to observe delivery.
type Hub struct {
	mu    sync.Mutex
	links map[string]*MockLink
	edges map[string]map[string]bool
}

// NewHub returns an empty mesh.
func NewHub() *Hub {
	return &Hub{
		links: make(map[string]*MockLink),
		edges: make(map[string]map[string]bool),
	}
}

// Join registers a device as a peer in the hub, backed by events for
// inbound delivery, and returns the Link it broadcasts through.
func (h *Hub) Join(deviceUUID string, events Events) *MockLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := &MockLink{hub: h, deviceUUID: deviceUUID, events: events}
	h.links[deviceUUID] = l
	if _, ok := h.edges[deviceUUID]; !ok {
		h.edges[deviceUUID] = make(map[string]bool)
	}
	return l
}

// Connect adds a bidirectional edge between two device UUIDs already
// joined to the hub: a BroadcastPacket from either reaches the other
// directly. Use this to model multi-hop topologies (a line, a star)
// rather than every device reaching every other in one hop.
func (h *Hub) Connect(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.edges[a] == nil {
		h.edges[a] = make(map[string]bool)
	}
	if h.edges[b] == nil {
		h.edges[b] = make(map[string]bool)
	}
	h.edges[a][b] = true
	h.edges[b][a] = true
}

func (h *Hub) neighbors(deviceUUID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.edges[deviceUUID]))
	for id := range h.edges[deviceUUID] {
		out = append(out, id)
	}
	return out
}

func (h *Hub) get(deviceUUID string) *MockLink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[deviceUUID]
}

// MockLink is one device's view of a Hub: the Link implementation a
// test wires into the component under test.
type MockLink struct {
	hub        *Hub
	deviceUUID string
	events     Events
}

// BroadcastPacket delivers raw to every neighbor this device has a hub
// edge to, except those in blackoutDeviceUUIDs.
func (l *MockLink) BroadcastPacket(raw []byte, blackoutDeviceUUIDs []string) error {
	blackout := make(map[string]bool, len(blackoutDeviceUUIDs))
	for _, id := range blackoutDeviceUUIDs {
		blackout[id] = true
	}
	for _, neighborID := range l.hub.neighbors(l.deviceUUID) {
		if blackout[neighborID] {
			continue
		}
		if peer := l.hub.get(neighborID); peer != nil {
			peer.events.PeripheralReceivedWrite(raw, l.deviceUUID)
		}
	}
	return nil
}

// DirectBroadcastPacket delivers raw to exactly one neighbor.
func (l *MockLink) DirectBroadcastPacket(raw []byte, deviceUUID string) error {
	peer := l.hub.get(deviceUUID)
	if peer == nil {
		return ErrPeerNotConnected
	}
	peer.events.PeripheralReceivedWrite(raw, l.deviceUUID)
	return nil
}
