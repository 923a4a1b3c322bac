package radio

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"meshmux/core/internal/waku"
)

// WakuLink adapts a *waku.Node (in turn backed by go-waku or, in tests,
// an in-process message bus) into the Link contract, standing in for
// the BLE platform binding in networked, multi-process demonstration:
// the radio.Events the dispatcher implements are fed from the node's
// private-message subscription instead of a BLE peripheral callback.
//
// go-waku's pubsub model is recipient-addressed rather than broadcast,
// so BroadcastPacket fans out one PublishPrivate call per known peer;
// peers are learned passively as inbound messages arrive and can also
// be seeded explicitly (e.g. from a bootstrap manifest).
type WakuLink struct {
	node   *waku.Node
	selfID string

	mu    sync.RWMutex
	peers map[string]struct{}
}

// NewWakuLink wraps node, identified on the wire as selfID.
func NewWakuLink(node *waku.Node, selfID string) *WakuLink {
	return &WakuLink{node: node, selfID: selfID, peers: make(map[string]struct{})}
}

// AddPeer records deviceUUID as a broadcast target.
func (w *WakuLink) AddPeer(deviceUUID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.peers[deviceUUID] = struct{}{}
}

// RemovePeer drops deviceUUID from the broadcast set.
func (w *WakuLink) RemovePeer(deviceUUID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.peers, deviceUUID)
}

func (w *WakuLink) snapshotPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.peers))
	for id := range w.peers {
		out = append(out, id)
	}
	return out
}

// Listen subscribes to the node's private-message stream, translating
// every inbound message into a PeripheralReceivedWrite callback and
// learning its sender as a broadcast peer.
func (w *WakuLink) Listen(events Events) error {
	return w.node.SubscribePrivate(func(msg waku.PrivateMessage) {
		w.AddPeer(msg.SenderID)
		events.PeripheralReceivedWrite(msg.Payload, msg.SenderID)
	})
}

// BroadcastPacket publishes raw to every known peer not in the
// blackout list. The first error encountered is returned, but delivery
// to the remaining peers is still attempted — matching the fire-and-
// forget semantics the radio contract calls for.
func (w *WakuLink) BroadcastPacket(raw []byte, blackoutDeviceUUIDs []string) error {
	blackout := make(map[string]bool, len(blackoutDeviceUUIDs))
	for _, id := range blackoutDeviceUUIDs {
		blackout[id] = true
	}
	var firstErr error
	for _, peer := range w.snapshotPeers() {
		if blackout[peer] {
			continue
		}
		if err := w.publish(peer, raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DirectBroadcastPacket publishes raw to exactly one peer, whether or
// not it's already in the known-peers set.
func (w *WakuLink) DirectBroadcastPacket(raw []byte, deviceUUID string) error {
	return w.publish(deviceUUID, raw)
}

func (w *WakuLink) publish(recipient string, raw []byte) error {
	return w.node.PublishPrivate(context.Background(), waku.PrivateMessage{
		ID:        uuid.NewString(),
		SenderID:  w.selfID,
		Recipient: recipient,
		Payload:   raw,
	})
}
