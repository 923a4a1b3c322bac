// Package radio defines the one boundary contract the core depends on
// for moving raw bytes between nearby devices: the Link a component
// broadcasts through, and the Events a transport delivers inbound
// activity through. Neither side of the contract knows anything about
// packet framing, CGKA, or the outbox — it is pure bytes plus device
// identity, exactly as the platform radio binding (BLE peripheral and
// central roles) would hand them up.
package radio

// Link is the outbound half of the radio collaborator contract: fire-
// and-forget broadcast to every connected peer except a blackout list,
// and unicast to exactly one peer (used for gossip responses and
// deterministic single-recipient delivery).
type Link interface {
	// BroadcastPacket sends raw to every connected peer except those in
	// blackoutDeviceUUIDs.
	BroadcastPacket(raw []byte, blackoutDeviceUUIDs []string) error
	// DirectBroadcastPacket sends raw to exactly one peer.
	DirectBroadcastPacket(raw []byte, deviceUUID string) error
}

// Events is the inbound half of the radio collaborator contract: the
// callbacks a transport invokes as activity arrives. The dispatcher is
// the canonical implementer; it serializes concurrent event arrival
// onto a single packet-processing pipeline.
type Events interface {
	// PeripheralReceivedWrite is a write the local device, acting as a
	// BLE peripheral, received from a connected central.
	PeripheralReceivedWrite(raw []byte, deviceUUID string)
	// CentralReceivedNotification is a notification the local device,
	// acting as a BLE central, received from a subscribed peripheral.
	CentralReceivedNotification(raw []byte, deviceUUID string)
	// PeripheralConnection reports a new central connecting to the
	// local device's peripheral role, with RSSI if known.
	PeripheralConnection(deviceUUID string, rssi *int)
	// PeripheralDisconnect reports a connected central disconnecting.
	PeripheralDisconnect(deviceUUID string)
	// ReadRSSI reports a signal-strength sample for a connected device.
	ReadRSSI(deviceUUID string, rssi int)
	// CentralSubscription reports a peripheral peer subscribing to the
	// local device's notification characteristic.
	CentralSubscription(deviceUUID string, rssi *int)
}
