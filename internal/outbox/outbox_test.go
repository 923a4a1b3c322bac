package outbox

import (
	"sync"
	"testing"
	"time"

	"meshmux/core/internal/cgka"
	"meshmux/core/internal/member"
	"meshmux/core/internal/meshcodec"
	"meshmux/core/internal/store"
	"meshmux/core/pkg/models"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeBroadcaster) BroadcastPacket(raw []byte, blackout []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestMember(t *testing.T, pseudonym string) *cgka.Member {
	t.Helper()
	keys, err := member.DeriveKeys([]byte("outbox-seed-" + pseudonym))
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	id, err := member.BuildIdentityID(keys.SigningPublicKey)
	if err != nil {
		t.Fatalf("build identity id: %v", err)
	}
	m, err := cgka.NewMember(id, pseudonym, keys)
	if err != nil {
		t.Fatalf("new member: %v", err)
	}
	return m
}

func TestMessageOutboxRetiresOnAck(t *testing.T) {
	s := store.New()
	alice := newTestMember(t, "alice")
	if _, err := alice.CreateGroup("group-a", 2, "", true); err != nil {
		t.Fatalf("create group: %v", err)
	}
	b := &fakeBroadcaster{}
	cfg := Config{}.Normalize()
	now := time.Now()
	mo := NewMessageOutbox(s, alice, b, cfg, func() time.Time { return now })

	msg := models.Message{ID: "M1", GroupID: "group-a", Sender: "alice", Contents: "hi", Timestamp: now}
	if err := mo.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.count() != 1 {
		t.Fatalf("expected 1 broadcast on send, got %d", b.count())
	}
	if s.OutgoingMessageCount() != 1 {
		t.Fatalf("expected 1 outbox row, got %d", s.OutgoingMessageCount())
	}

	mo.Ack("M1")
	if s.OutgoingMessageCount() != 0 {
		t.Fatal("expected outbox row retired after ack")
	}
}

func TestMessageOutboxRetryUntilExhausted(t *testing.T) {
	s := store.New()
	alice := newTestMember(t, "alice")
	if _, err := alice.CreateGroup("group-a", 2, "", true); err != nil {
		t.Fatalf("create group: %v", err)
	}
	b := &fakeBroadcaster{}
	now := time.Now()
	cfg := Config{OutgoingMessageRetryInterval: time.Millisecond, OutgoingMessageMaxAttempts: 3, Pacing: time.Millisecond}.Normalize()
	mo := NewMessageOutbox(s, alice, b, cfg, func() time.Time { return now })

	msg := models.Message{ID: "M1", GroupID: "group-a", Sender: "alice", Contents: "hi", Timestamp: now}
	if err := mo.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	for i := 0; i < cfg.OutgoingMessageMaxAttempts; i++ {
		now = now.Add(time.Second)
		mo.RunOnce()
	}
	if s.OutgoingMessageCount() != 0 {
		t.Fatalf("expected row dropped after exhausting retries, got %d rows", s.OutgoingMessageCount())
	}
}

func TestMessageOutboxFragmentsOversizeEnvelope(t *testing.T) {
	s := store.New()
	alice := newTestMember(t, "alice")
	if _, err := alice.CreateGroup("group-a", 2, "", true); err != nil {
		t.Fatalf("create group: %v", err)
	}
	b := &fakeBroadcaster{}
	now := time.Now()
	cfg := Config{MTULimitBytes: 64, FragmentSizeBytes: 48}.Normalize()
	mo := NewMessageOutbox(s, alice, b, cfg, func() time.Time { return now })

	msg := models.Message{
		ID:        "M1",
		GroupID:   "group-a",
		Sender:    "alice",
		Contents:  "a message long enough to blow well past a 64-byte MTU once sealed",
		Timestamp: now,
	}
	if err := mo.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.count() < 2 {
		t.Fatalf("expected the oversize envelope to be split into multiple fragments, got %d packet(s)", b.count())
	}

	r := meshcodec.NewReassembler(0, func() time.Time { return now })
	var reassembled *meshcodec.Reassembled
	for i, raw := range b.sent {
		p, err := meshcodec.DecodePacket(raw)
		if err != nil {
			t.Fatalf("decode fragment %d: %v", i, err)
		}
		if p.Type != models.PacketFragment {
			t.Fatalf("expected fragment %d to be a FRAGMENT packet, got %v", i, p.Type)
		}
		out, err := r.Ingest(p.Payload)
		if err != nil {
			t.Fatalf("ingest fragment %d: %v", i, err)
		}
		if out != nil {
			reassembled = out
		}
	}
	if reassembled == nil {
		t.Fatal("expected fragments to reassemble into a complete envelope")
	}
	if reassembled.FragmentType != models.PacketMessage {
		t.Fatalf("expected reassembled fragment type MESSAGE, got %v", reassembled.FragmentType)
	}
	if _, _, err := alice.Decrypt(reassembled.Data); err != nil {
		t.Fatalf("decrypt reassembled envelope: %v", err)
	}
}

func TestControlOutboxRetireOnStateAdvance(t *testing.T) {
	s := store.New()
	b := &fakeBroadcaster{}
	now := time.Now()
	co := NewControlOutbox(s, b, Config{}.Normalize(), func() time.Time { return now })

	id, err := co.Send(models.PacketAmigoWelcome, []byte("welcome-bytes"), "bob-key")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if b.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", b.count())
	}
	co.Retire(id)

	due := s.DueOutgoingControl(now.Add(time.Hour), 0, 100)
	if len(due) != 0 {
		t.Fatal("expected control row retired")
	}
}

func TestAckOutboxBroadcastsOwedAcks(t *testing.T) {
	s := store.New()
	b := &fakeBroadcaster{}
	now := time.Now()
	ao := NewAckOutbox(s, b, "bob-key", Config{}.Normalize(), func() time.Time { return now })

	ao.Owe("M1", "alice-key")
	attempted, purged := ao.RunOnce()
	if attempted != 1 {
		t.Fatalf("expected 1 attempted ack, got %d", attempted)
	}
	if purged != 0 {
		t.Fatalf("expected nothing purged, got %d", purged)
	}
	if b.count() != 1 {
		t.Fatalf("expected 1 broadcast, got %d", b.count())
	}

	raw := b.sent[0]
	p, err := meshcodec.DecodePacket(raw)
	if err != nil {
		t.Fatalf("decode packet: %v", err)
	}
	if p.Type != models.PacketDeliveryAck {
		t.Fatalf("expected DELIVERY_ACK packet type, got %v", p.Type)
	}
	ack, err := meshcodec.DecodeDeliveryAck(p.Payload)
	if err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	if ack.MessageID != "M1" || ack.SenderVerificationKey != "bob-key" {
		t.Fatalf("unexpected ack contents: %+v", ack)
	}
}

func TestAckOutboxPurgesByAge(t *testing.T) {
	s := store.New()
	b := &fakeBroadcaster{}
	now := time.Now()
	ao := NewAckOutbox(s, b, "bob-key", Config{DeliveryAckMaxAge: time.Hour}.Normalize(), func() time.Time { return now })

	s.EnqueuePendingAck(models.PendingDeliveryAck{MessageID: "old", RecipientVerificationKey: "alice", CreatedAt: now.Add(-2 * time.Hour)})
	_, purged := ao.RunOnce()
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
}
