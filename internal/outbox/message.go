package outbox

import (
	"sync"
	"time"

	"meshmux/core/internal/cgka"
	"meshmux/core/internal/errkit"
	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/platform/metrics"
	"meshmux/core/internal/store"
	"meshmux/core/pkg/models"
)

// DefaultAllowedHops seeds a freshly sent application message's hop
// budget. Not fixed by the wire contract, only by this outbox's own
// default: a fresh send in a BLE mesh with maybe three or four hops of
// useful reach.
const DefaultAllowedHops = 3

// MessageOutbox owns the OutgoingMessages queue: local sends awaiting a
// DELIVERY_ACK, retried on a fixed interval until acked or exhausted.
type MessageOutbox struct {
	mu          sync.Mutex
	store       *store.Store
	member      *cgka.Member
	broadcaster Broadcaster
	cfg         Config
	now         func() time.Time
	lastSend    time.Time
	metrics     *metrics.State
}

func NewMessageOutbox(s *store.Store, m *cgka.Member, b Broadcaster, cfg Config, now func() time.Time) *MessageOutbox {
	if now == nil {
		now = time.Now
	}
	return &MessageOutbox{store: s, member: m, broadcaster: b, cfg: cfg.Normalize(), now: now}
}

// WithMetrics attaches a metrics.State the outbox records retry and
// exhaustion counts into.
func (o *MessageOutbox) WithMetrics(m *metrics.State) *MessageOutbox {
	o.metrics = m
	return o
}

// Send encrypts msg under its group's current CGKA epoch, enqueues it
// to the durable outbox, and broadcasts it without awaiting
// acknowledgment — as a single MESSAGE packet if the sealed envelope
// fits under the MTU, or as a paced sequence of FRAGMENT packets if it
// doesn't. The caller's Message is also saved to local message history
// immediately, matching a self-send's local-echo semantics.
func (o *MessageOutbox) Send(msg models.Message) error {
	o.store.SaveMessage(msg)
	o.store.EnqueueOutgoingMessage(models.OutgoingMessage{Message: msg, CreatedAt: o.now()})

	frames, err := o.encodePackets(msg)
	if err != nil {
		return errkit.Wrap(errkit.CategoryCrypto, err)
	}
	for i, raw := range frames {
		if i > 0 {
			o.mu.Lock()
			pace(&o.lastSend, o.now, o.cfg.Pacing)
			o.mu.Unlock()
		}
		if err := o.broadcaster.BroadcastPacket(raw, nil); err != nil {
			return errkit.Wrap(errkit.CategoryNetwork, err)
		}
	}
	return nil
}

// Ack retires a message from the outbox once a matching DELIVERY_ACK
// has been observed.
func (o *MessageOutbox) Ack(messageID string) {
	o.store.RetireOutgoingMessage(messageID)
}

// RunOnce performs one retry pass: every due row is re-encrypted
// (CGKA epochs may have advanced since the original send), its packets
// rebuilt — refragmenting if the sealed envelope still doesn't fit under
// the MTU — rebroadcast, and its attempt counter bumped; rows that
// exhaust their attempt budget on this pass are dropped silently per
// OutboxExhausted.
func (o *MessageOutbox) RunOnce() (attempted, exhausted int) {
	now := o.now()
	due := o.store.DueOutgoingMessages(now, o.cfg.OutgoingMessageRetryInterval, o.cfg.OutgoingMessageMaxAttempts)
	for _, row := range due {
		frames, err := o.encodePackets(row.Message)
		if err == nil {
			for _, raw := range frames {
				o.mu.Lock()
				pace(&o.lastSend, o.now, o.cfg.Pacing)
				o.mu.Unlock()
				_ = o.broadcaster.BroadcastPacket(raw, nil)
			}
		}
		o.store.RecordOutgoingMessageAttempt(row.ID, o.now())
		attempted++
		o.metrics.RecordRetryAttempt()
		if row.RetryCount+1 >= o.cfg.OutgoingMessageMaxAttempts {
			o.store.RetireOutgoingMessage(row.ID)
			exhausted++
			o.metrics.RecordOutboxExhausted()
		}
	}
	return attempted, exhausted
}

// encodePackets seals msg under its group's current CGKA epoch and
// returns the wire frame(s) to broadcast for it: a single MESSAGE frame
// if the sealed envelope is under the MTU, or the FRAGMENT frames
// Fragment splits it into otherwise.
func (o *MessageOutbox) encodePackets(msg models.Message) ([][]byte, error) {
	plaintext := meshcodec.ToBinaryPayload(msg)
	envelope, err := o.member.Encrypt(msg.GroupID, plaintext)
	if err != nil {
		return nil, err
	}

	if !meshcodec.ShouldFragment(len(envelope), o.cfg.MTULimitBytes) {
		raw, err := meshcodec.EncodePacket(models.Packet{
			Version:     meshcodec.CurrentVersion,
			Type:        models.PacketMessage,
			Timestamp:   o.now().UnixMilli(),
			Payload:     envelope,
			AllowedHops: DefaultAllowedHops,
		})
		if err != nil {
			return nil, err
		}
		return [][]byte{raw}, nil
	}

	chunks, err := meshcodec.Fragment(envelope, models.PacketMessage, meshcodec.ChunkSize(o.cfg.FragmentSizeBytes))
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		raw, err := meshcodec.EncodePacket(models.Packet{
			Version:     meshcodec.CurrentVersion,
			Type:        models.PacketFragment,
			Timestamp:   o.now().UnixMilli(),
			Payload:     chunk,
			AllowedHops: DefaultAllowedHops,
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, raw)
	}
	return frames, nil
}
