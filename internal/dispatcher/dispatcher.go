// Package dispatcher is the core's inbound-packet state machine: the
// single entry point every radio event funnels through, serialized by
// an asyncmu.Mutex so dedup, relay, and CGKA decryption never race each
// other across concurrent BLE callbacks. It owns no cryptographic or
// storage state of its own — it only sequences calls into the packet
// plane, the group cryptographic plane, and the outbox reliability
// plane, exactly as the radio collaborator contract hands work to it.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"meshmux/core/internal/asyncmu"
	"meshmux/core/internal/cgka"
	"meshmux/core/internal/dedup"
	"meshmux/core/internal/errkit"
	"meshmux/core/internal/gossip"
	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/outbox"
	"meshmux/core/internal/platform/metrics"
	"meshmux/core/internal/radio"
	"meshmux/core/internal/relay"
	"meshmux/core/internal/store"
	"meshmux/core/pkg/models"
)

// Dispatcher implements radio.Events, turning inbound BLE activity into
// the packet plane's decode-dedup-relay-decrypt pipeline.
type Dispatcher struct {
	lock *asyncmu.Mutex

	store       *store.Store
	dedupIdx    *dedup.Index
	reassembler *meshcodec.Reassembler
	relay       *relay.Relay
	member      *cgka.Member
	gossip      *gossip.Manager

	messages *outbox.MessageOutbox
	control  *outbox.ControlOutbox
	acks     *outbox.AckOutbox

	metrics *metrics.State

	now func() time.Time
	log *slog.Logger
}

// Deps collects the pipeline's collaborators, already configured and
// wired to a common radio.Link before the Dispatcher is constructed.
type Deps struct {
	Store       *store.Store
	Dedup       *dedup.Index
	Reassembler *meshcodec.Reassembler
	Relay       *relay.Relay
	Member      *cgka.Member
	Gossip      *gossip.Manager
	Messages    *outbox.MessageOutbox
	Control     *outbox.ControlOutbox
	Acks        *outbox.AckOutbox
	Metrics     *metrics.State
	Now         func() time.Time
	Log         *slog.Logger
}

func New(d Deps) *Dispatcher {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		lock:        asyncmu.New(),
		store:       d.Store,
		dedupIdx:    d.Dedup,
		reassembler: d.Reassembler,
		relay:       d.Relay,
		member:      d.Member,
		gossip:      d.Gossip,
		messages:    d.Messages,
		control:     d.Control,
		acks:        d.Acks,
		metrics:     d.Metrics,
		now:         now,
		log:         log,
	}
}

var _ radio.Events = (*Dispatcher)(nil)

// PeripheralReceivedWrite is a write the local device, acting as a BLE
// peripheral, received from a connected central.
func (d *Dispatcher) PeripheralReceivedWrite(raw []byte, deviceUUID string) {
	d.ingest(raw, deviceUUID)
}

// CentralReceivedNotification is a notification the local device,
// acting as a BLE central, received from a subscribed peripheral. Both
// radio roles feed the same pipeline: the dispatcher doesn't care which
// side of the connection delivered the bytes.
func (d *Dispatcher) CentralReceivedNotification(raw []byte, deviceUUID string) {
	d.ingest(raw, deviceUUID)
}

// PeripheralConnection records a newly connected device and kicks off
// its gossip catch-up schedule.
func (d *Dispatcher) PeripheralConnection(deviceUUID string, rssi *int) {
	d.store.UpsertConnectedDevice(models.ConnectedDevice{DeviceUUID: deviceUUID, LastSeenRSSI: rssi, Connected: true})
	d.gossip.OnPeerConnected(deviceUUID)
}

// CentralSubscription is the central-role mirror of PeripheralConnection:
// a peripheral peer subscribing to our notifications is, from the
// gossip manager's perspective, exactly the same reconnection event.
func (d *Dispatcher) CentralSubscription(deviceUUID string, rssi *int) {
	d.store.UpsertConnectedDevice(models.ConnectedDevice{DeviceUUID: deviceUUID, LastSeenRSSI: rssi, Connected: true})
	d.gossip.OnPeerConnected(deviceUUID)
}

// PeripheralDisconnect records a device as disconnected and cancels its
// pending gossip catch-up timers.
func (d *Dispatcher) PeripheralDisconnect(deviceUUID string) {
	d.store.UpsertConnectedDevice(models.ConnectedDevice{DeviceUUID: deviceUUID, Connected: false})
	d.gossip.OnPeerDisconnected(deviceUUID)
}

// ReadRSSI updates a connected device's last-seen signal strength.
func (d *Dispatcher) ReadRSSI(deviceUUID string, rssi int) {
	d.store.UpsertConnectedDevice(models.ConnectedDevice{DeviceUUID: deviceUUID, LastSeenRSSI: &rssi, Connected: true})
}

// ingest is the pipeline's single choke point: every inbound packet,
// from whichever radio role delivered it, passes through here under
// the dispatcher's async lock so dedup recording, relay, and CGKA state
// advances are never interleaved across concurrent deliveries.
func (d *Dispatcher) ingest(raw []byte, deviceUUID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.lock.Lock(ctx); err != nil {
		d.log.Warn("dispatcher: ingest lock timed out", "error", err)
		return
	}
	defer d.lock.Unlock()

	if d.dedupIdx.Seen(raw) {
		d.metrics.RecordDedup(true)
		return
	}
	d.metrics.RecordDedup(false)
	d.dedupIdx.Record(raw)

	p, err := meshcodec.DecodePacket(raw)
	if err != nil {
		d.metrics.RecordError(errkit.Category(errkit.Wrap(errkit.CategoryCodec, err)))
		d.log.Debug("dispatcher: dropping malformed packet", "error", errkit.Wrap(errkit.CategoryCodec, err), "from", deviceUUID)
		return
	}
	if !p.Type.IsValid() {
		d.metrics.RecordError(errkit.CategoryCodec)
		d.log.Debug("dispatcher: dropping unknown packet type", "type", p.Type, "from", deviceUUID)
		return
	}

	if p.AllowedHops > 0 {
		if err := d.relay.Handle(p, deviceUUID); err != nil {
			d.log.Warn("dispatcher: relay failed", "error", errkit.Wrap(errkit.CategoryNetwork, err))
		}
	}

	d.dispatchTyped(p, p.Type, p.Payload, deviceUUID)
}

// dispatchTyped handles one decoded payload according to its packet
// type. It's also the recursion point fragment reassembly feeds back
// into: a completed fragment group carries its own inner type, which is
// processed exactly as if it had arrived whole.
func (d *Dispatcher) dispatchTyped(original models.Packet, pktType models.PacketType, payload []byte, deviceUUID string) {
	switch pktType {
	case models.PacketFragment:
		d.gossip.Observe(original)
		reassembled, err := d.reassembler.Ingest(payload)
		if err != nil {
			d.log.Debug("dispatcher: dropping mismatched fragment group", "error", err)
			return
		}
		if reassembled == nil {
			return
		}
		d.dispatchTyped(original, reassembled.FragmentType, reassembled.Data, deviceUUID)

	case models.PacketMessage:
		d.gossip.Observe(original)
		groupID, plaintext, err := d.member.Decrypt(payload)
		switch {
		case err == nil:
			d.deliverMessage(plaintext)
		case errors.Is(err, cgka.ErrStateMissing):
			d.store.EnqueuePendingDecryption(payload, d.now())
			d.log.Debug("dispatcher: buffered message for missing group state", "group", groupID)
		default:
			d.log.Debug("dispatcher: dropping undecryptable message (benign duplicate)", "group", groupID)
		}

	case models.PacketAmigoWelcome:
		_, err := d.member.HandleWelcome(payload)
		if err == nil || errors.Is(err, cgka.ErrAlreadyMember) {
			d.drainPending()
			return
		}
		d.log.Debug("dispatcher: dropping invalid welcome", "error", err)

	case models.PacketAmigoPathUpdate:
		_, err := d.member.HandlePathUpdate(payload)
		switch {
		case err == nil:
			d.drainPending()
		case errors.Is(err, cgka.ErrStateMissing):
			d.log.Debug("dispatcher: dropping path update with no base state")
		default:
			d.log.Debug("dispatcher: dropping stale or duplicate path update", "error", err)
		}

	case models.PacketDeliveryAck, models.PacketReadReceipt:
		ack, err := meshcodec.DecodeDeliveryAck(payload)
		if err != nil {
			d.log.Debug("dispatcher: dropping malformed delivery ack", "error", err)
			return
		}
		d.messages.Ack(ack.MessageID)

	case models.PacketAnnounce:
		d.gossip.Observe(original)

	case models.PacketSync:
		if err := d.gossip.HandleRequestSync(payload, deviceUUID); err != nil {
			d.log.Debug("dispatcher: dropping malformed request-sync", "error", err)
		}

	case models.PacketLeave, models.PacketFileTransfer:
		// No dedicated state machine for these yet beyond relay, which
		// already ran above; nothing further to do on arrival.

	default:
		d.log.Debug("dispatcher: no handler for packet type", "type", pktType)
	}
}

// deliverMessage persists a decrypted application message, owes the
// sender a delivery acknowledgment, and retires any control outbox rows
// still addressed to them: a successful decrypt is the clearest signal
// available that whatever welcome or path update put them in this epoch
// already landed.
func (d *Dispatcher) deliverMessage(plaintext []byte) {
	msg, err := meshcodec.FromBinaryPayload(plaintext)
	if err != nil {
		d.log.Debug("dispatcher: dropping malformed message payload", "error", err)
		return
	}
	d.store.SaveMessage(msg)
	d.acks.Owe(msg.ID, msg.Sender)
	d.control.RetireForRecipient(msg.Sender)
}

// drainPending re-attempts every buffered ciphertext now that the
// member's group state just advanced (a welcome admitted it to a group,
// or a commit moved its epoch forward).
func (d *Dispatcher) drainPending() {
	cgka.Drain(d.member, d.store, func(_ string, plaintext []byte, _ time.Time) {
		d.deliverMessage(plaintext)
	})
}
