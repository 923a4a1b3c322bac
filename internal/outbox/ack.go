package outbox

import (
	"sync"
	"time"

	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/platform/metrics"
	"meshmux/core/internal/store"
	"meshmux/core/pkg/models"
)

// AckOutbox owns the PendingDeliveryAcks queue: acknowledgments the
// local device owes a sender after decrypting a MESSAGE addressed to
// it, broadcast as DELIVERY_ACK packets until the sender observes them
// (there's no ack-of-an-ack — the queue ages out) or the entry's max
// age is reached.
type AckOutbox struct {
	mu          sync.Mutex
	store       *store.Store
	broadcaster Broadcaster
	cfg         Config
	now         func() time.Time
	lastSend    time.Time
	selfKey     string
	metrics     *metrics.State
}

// NewAckOutbox builds an AckOutbox. selfVerificationKey is carried in
// every DELIVERY_ACK payload so the recipient (the original sender)
// knows who acked.
func NewAckOutbox(s *store.Store, b Broadcaster, selfVerificationKey string, cfg Config, now func() time.Time) *AckOutbox {
	if now == nil {
		now = time.Now
	}
	return &AckOutbox{store: s, broadcaster: b, selfKey: selfVerificationKey, cfg: cfg.Normalize(), now: now}
}

// WithMetrics attaches a metrics.State the outbox records retry counts
// into.
func (o *AckOutbox) WithMetrics(m *metrics.State) *AckOutbox {
	o.metrics = m
	return o
}

// Owe enqueues an acknowledgment for messageID addressed back to
// recipientVerificationKey (the original sender).
func (o *AckOutbox) Owe(messageID, recipientVerificationKey string) {
	o.store.EnqueuePendingAck(models.PendingDeliveryAck{
		MessageID:                messageID,
		RecipientVerificationKey: recipientVerificationKey,
		CreatedAt:                o.now(),
	})
}

// RunOnce broadcasts every due acknowledgment and purges any that have
// aged past the maximum retention window.
func (o *AckOutbox) RunOnce() (attempted, purged int) {
	now := o.now()
	due := o.store.DuePendingAcks(now, o.cfg.DeliveryAckRetryInterval, o.cfg.DeliveryAckMaxAge)
	for _, row := range due {
		o.mu.Lock()
		pace(&o.lastSend, o.now, o.cfg.Pacing)
		o.mu.Unlock()

		payload := meshcodec.EncodeDeliveryAck(row.MessageID, o.selfKey, now.UnixMilli())
		raw, err := meshcodec.EncodePacket(models.Packet{
			Version:     meshcodec.CurrentVersion,
			Type:        models.PacketDeliveryAck,
			Timestamp:   now.UnixMilli(),
			Payload:     payload,
			AllowedHops: DefaultAllowedHops,
		})
		if err == nil {
			_ = o.broadcaster.BroadcastPacket(raw, nil)
		}
		o.store.RecordPendingAckAttempt(row.MessageID, row.RecipientVerificationKey, now)
		attempted++
		o.metrics.RecordRetryAttempt()
	}
	purged = o.store.PurgePendingAcksOlderThan(now, o.cfg.DeliveryAckMaxAge)
	return attempted, purged
}
