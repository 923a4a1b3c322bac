package outbox

import (
	"encoding/base64"
	"sync"
	"time"

	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/platform/metrics"
	"meshmux/core/internal/store"
	"meshmux/core/pkg/models"

	"github.com/google/uuid"
)

// ControlOutbox owns the OutgoingAmigoMessages queue: CGKA welcome and
// path-update control traffic, retried until the downstream epoch
// advance is observed or the attempt budget is exhausted. Unlike
// MessageOutbox, control payloads are already CGKA-sealed at enqueue
// time (they carry a key-package-specific seal), so retries never
// re-encrypt — only re-transmit the same bytes.
type ControlOutbox struct {
	mu          sync.Mutex
	store       *store.Store
	broadcaster Broadcaster
	cfg         Config
	now         func() time.Time
	lastSend    time.Time
	metrics     *metrics.State
}

func NewControlOutbox(s *store.Store, b Broadcaster, cfg Config, now func() time.Time) *ControlOutbox {
	if now == nil {
		now = time.Now
	}
	return &ControlOutbox{store: s, broadcaster: b, cfg: cfg.Normalize(), now: now}
}

// WithMetrics attaches a metrics.State the outbox records retry and
// exhaustion counts into.
func (o *ControlOutbox) WithMetrics(m *metrics.State) *ControlOutbox {
	o.metrics = m
	return o
}

// Send enqueues a control payload (already wire-encoded by the cgka
// package) and broadcasts it once immediately.
func (o *ControlOutbox) Send(packetType models.PacketType, payload []byte, recipientVerificationKey string) (string, error) {
	id := uuid.NewString()
	o.store.EnqueueOutgoingControl(models.OutgoingControlMessage{
		ID:                       id,
		PacketType:               packetType,
		PayloadBase64:            base64.StdEncoding.EncodeToString(payload),
		RecipientVerificationKey: recipientVerificationKey,
		CreatedAt:                o.now(),
	})
	raw, err := o.encodePacket(packetType, payload)
	if err != nil {
		return id, err
	}
	return id, o.broadcaster.BroadcastPacket(raw, nil)
}

// Retire removes a control row once its corresponding state advance
// has been observed downstream.
func (o *ControlOutbox) Retire(id string) {
	o.store.RetireOutgoingControl(id)
}

// RetireForRecipient removes every pending control row addressed to
// recipientVerificationKey. The dispatcher calls this the first time it
// decrypts an application message from that contact: a successful
// decrypt is proof the welcome or path update they were sent already
// landed, since nothing would otherwise have gotten them into the
// sender's current epoch.
func (o *ControlOutbox) RetireForRecipient(recipientVerificationKey string) int {
	return o.store.RetireOutgoingControlForRecipient(recipientVerificationKey)
}

// RunOnce retries every due control row, mirroring MessageOutbox's
// pacing and exhaustion policy.
func (o *ControlOutbox) RunOnce() (attempted, exhausted int) {
	now := o.now()
	due := o.store.DueOutgoingControl(now, o.cfg.AmigoMessageRetryInterval, o.cfg.AmigoMessageMaxAttempts)
	for _, row := range due {
		o.mu.Lock()
		pace(&o.lastSend, o.now, o.cfg.Pacing)
		o.mu.Unlock()

		payload, err := base64.StdEncoding.DecodeString(row.PayloadBase64)
		if err == nil {
			if raw, err := o.encodePacket(row.PacketType, payload); err == nil {
				_ = o.broadcaster.BroadcastPacket(raw, nil)
			}
		}
		o.store.RecordOutgoingControlAttempt(row.ID, o.now())
		attempted++
		o.metrics.RecordRetryAttempt()
		if row.RetryCount+1 >= o.cfg.AmigoMessageMaxAttempts {
			o.store.RetireOutgoingControl(row.ID)
			exhausted++
			o.metrics.RecordOutboxExhausted()
		}
	}
	return attempted, exhausted
}

func (o *ControlOutbox) encodePacket(packetType models.PacketType, payload []byte) ([]byte, error) {
	return meshcodec.EncodePacket(models.Packet{
		Version:     meshcodec.CurrentVersion,
		Type:        packetType,
		Timestamp:   o.now().UnixMilli(),
		Payload:     payload,
		AllowedHops: DefaultAllowedHops,
	})
}
