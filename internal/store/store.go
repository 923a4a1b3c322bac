// Package store is the opaque durable map/queue collaborator the rest of
// the core treats as an embedded relational store: messages, outbox
// queues, the fragment and relay staging tables, contacts, groups, and
// connected-device presence. Store is a concrete in-memory type, not an
// interface; its contents persist through an encrypted snapshot that the
// composition root loads at startup and writes at shutdown.
package store

import (
	"sort"
	"sync"
	"time"

	"meshmux/core/pkg/models"
)

// RelayRecord mirrors the relay_packets schema row: a packet queued for
// re-broadcast, plus the device it must never be sent back to.
type RelayRecord struct {
	ID          int64
	Packet      models.Packet
	DeviceUUID  string
	Relayed     bool
	CreatedAt   time.Time
}

// FragmentRecord mirrors the fragments schema row: a raw FRAGMENT packet
// retained so GossipSync can serve it to a peer that lacks it.
type FragmentRecord struct {
	ID          int64
	FragmentID  [8]byte
	Position    uint16
	Version     uint8
	Type        models.PacketType
	Timestamp   int64
	Payload     []byte
	AllowedHops uint8
	CreatedAt   time.Time
}

// Store is the in-memory default implementation of the core's durable
// collaborator. All exported methods are safe for concurrent use, though
// in practice the dispatcher's exclusion primitive means callers rarely
// contend with each other.
type Store struct {
	mu sync.RWMutex

	messages         map[string]models.Message
	outgoingMessages map[string]models.OutgoingMessage
	outgoingControl  map[string]models.OutgoingControlMessage
	pendingDecrypt   map[int64]models.PendingDecryption
	nextPendingID    int64
	pendingAcks      map[string]models.PendingDeliveryAck // key: messageID|recipient
	relayPackets     map[int64]RelayRecord
	nextRelayID      int64
	fragments        map[int64]FragmentRecord
	nextFragmentID   int64
	contacts         map[string]models.Contact // key: verification key hex
	nextContactID    int64
	groups           map[string]models.Group
	groupMembers     map[string]map[int64]struct{} // groupID -> set of contact IDs
	connectedDevices map[string]models.ConnectedDevice
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		messages:         make(map[string]models.Message),
		outgoingMessages: make(map[string]models.OutgoingMessage),
		outgoingControl:  make(map[string]models.OutgoingControlMessage),
		pendingDecrypt:   make(map[int64]models.PendingDecryption),
		pendingAcks:      make(map[string]models.PendingDeliveryAck),
		relayPackets:     make(map[int64]RelayRecord),
		fragments:        make(map[int64]FragmentRecord),
		contacts:         make(map[string]models.Contact),
		groups:           make(map[string]models.Group),
		groupMembers:     make(map[string]map[int64]struct{}),
		connectedDevices: make(map[string]models.ConnectedDevice),
	}
}

// --- messages ---

func (s *Store) SaveMessage(m models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
}

func (s *Store) MessagesByGroup(groupID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// PurgeMessagesBefore deletes every message older than cutoff and
// returns the count removed.
func (s *Store) PurgeMessagesBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.Timestamp.Before(cutoff) {
			delete(s.messages, id)
			n++
		}
	}
	return n
}

// --- application outbox ---

func (s *Store) EnqueueOutgoingMessage(m models.OutgoingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoingMessages[m.ID] = m
}

// DueOutgoingMessages returns outbox rows eligible for retry, ordered by
// timestamp ascending, matching the ORDER BY timestamp ASC contract.
func (s *Store) DueOutgoingMessages(now time.Time, interval time.Duration, maxAttempts int) []models.OutgoingMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OutgoingMessage
	for _, m := range s.outgoingMessages {
		if m.RetryCount >= maxAttempts {
			continue
		}
		if m.LastRetryAt != nil && now.Sub(*m.LastRetryAt) < interval {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *Store) RecordOutgoingMessageAttempt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outgoingMessages[id]
	if !ok {
		return
	}
	m.RetryCount++
	m.LastRetryAt = &at
	s.outgoingMessages[id] = m
}

func (s *Store) RetireOutgoingMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outgoingMessages, id)
}

func (s *Store) OutgoingMessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.outgoingMessages)
}

// --- control (CGKA) outbox ---

func (s *Store) EnqueueOutgoingControl(m models.OutgoingControlMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoingControl[m.ID] = m
}

func (s *Store) DueOutgoingControl(now time.Time, interval time.Duration, maxAttempts int) []models.OutgoingControlMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.OutgoingControlMessage
	for _, m := range s.outgoingControl {
		if m.RetryCount >= maxAttempts {
			continue
		}
		if m.LastRetryAt != nil && now.Sub(*m.LastRetryAt) < interval {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) RecordOutgoingControlAttempt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outgoingControl[id]
	if !ok {
		return
	}
	m.RetryCount++
	m.LastRetryAt = &at
	s.outgoingControl[id] = m
}

func (s *Store) RetireOutgoingControl(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outgoingControl, id)
}

// RetireOutgoingControlForRecipient removes every control outbox row
// addressed to recipientVerificationKey, the dispatcher's stand-in for
// observing a downstream state advance: the first application message
// successfully decrypted from a contact is treated as proof they
// processed whatever welcome or path update was pending for them.
func (s *Store) RetireOutgoingControlForRecipient(recipientVerificationKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outgoingControl {
		if m.RecipientVerificationKey == recipientVerificationKey {
			delete(s.outgoingControl, id)
			n++
		}
	}
	return n
}

// --- pending decryption ---

func (s *Store) EnqueuePendingDecryption(payload []byte, createdAt time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pendingDecrypt {
		if string(p.EncryptedPayload) == string(payload) {
			return p.ID
		}
	}
	s.nextPendingID++
	id := s.nextPendingID
	s.pendingDecrypt[id] = models.PendingDecryption{ID: id, EncryptedPayload: payload, CreatedAt: createdAt}
	return id
}

// PendingDecryptionsOldestFirst returns all buffered ciphertexts ordered
// by arrival time, for drain-cycle iteration.
func (s *Store) PendingDecryptionsOldestFirst() []models.PendingDecryption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PendingDecryption, 0, len(s.pendingDecrypt))
	for _, p := range s.pendingDecrypt {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) DeletePendingDecryption(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingDecrypt, id)
}

// PurgePendingDecryptionsBefore deletes ciphertexts older than cutoff.
func (s *Store) PurgePendingDecryptionsBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.pendingDecrypt {
		if p.CreatedAt.Before(cutoff) {
			delete(s.pendingDecrypt, id)
			n++
		}
	}
	return n
}

// --- pending delivery acks ---

func ackKey(messageID, recipient string) string { return messageID + "|" + recipient }

func (s *Store) EnqueuePendingAck(a models.PendingDeliveryAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ackKey(a.MessageID, a.RecipientVerificationKey)
	if _, exists := s.pendingAcks[key]; exists {
		return
	}
	s.pendingAcks[key] = a
}

func (s *Store) DuePendingAcks(now time.Time, interval time.Duration, maxAge time.Duration) []models.PendingDeliveryAck {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PendingDeliveryAck
	for _, a := range s.pendingAcks {
		if now.Sub(a.CreatedAt) > maxAge {
			continue
		}
		if a.LastRetryAt != nil && now.Sub(*a.LastRetryAt) < interval {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) RecordPendingAckAttempt(messageID, recipient string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ackKey(messageID, recipient)
	a, ok := s.pendingAcks[key]
	if !ok {
		return
	}
	a.RetryCount++
	a.LastRetryAt = &at
	s.pendingAcks[key] = a
}

func (s *Store) RetirePendingAck(messageID, recipient string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingAcks, ackKey(messageID, recipient))
}

// PurgePendingAcksOlderThan deletes acks older than maxAge.
func (s *Store) PurgePendingAcksOlderThan(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, a := range s.pendingAcks {
		if now.Sub(a.CreatedAt) > maxAge {
			delete(s.pendingAcks, key)
			n++
		}
	}
	return n
}

// --- relay packets ---

// EnqueueRelay appends a relay-ready record and evicts the oldest rows
// beyond cap, mirroring the relay queue's FIFO-with-cap policy.
func (s *Store) EnqueueRelay(rec RelayRecord, capRows int) RelayRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRelayID++
	rec.ID = s.nextRelayID
	s.relayPackets[rec.ID] = rec
	if capRows > 0 && len(s.relayPackets) > capRows {
		s.evictOldestRelayLocked(len(s.relayPackets) - capRows)
	}
	return rec
}

func (s *Store) evictOldestRelayLocked(n int) {
	type idAt struct {
		id int64
		at time.Time
	}
	all := make([]idAt, 0, len(s.relayPackets))
	for id, r := range s.relayPackets {
		all = append(all, idAt{id, r.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < n && i < len(all); i++ {
		delete(s.relayPackets, all[i].id)
	}
}

func (s *Store) MarkRelayed(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relayPackets[id]
	if !ok {
		return
	}
	r.Relayed = true
	s.relayPackets[id] = r
}

func (s *Store) PendingRelayRecords() []RelayRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RelayRecord
	for _, r := range s.relayPackets {
		if !r.Relayed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- fragments (gossip serving store) ---

func (s *Store) SaveFragment(rec FragmentRecord) FragmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFragmentID++
	rec.ID = s.nextFragmentID
	s.fragments[rec.ID] = rec
	return rec
}

func (s *Store) FragmentsByFragmentID(fragmentID [8]byte) []FragmentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []FragmentRecord
	for _, r := range s.fragments {
		if r.FragmentID == fragmentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *Store) AllFragments() []FragmentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FragmentRecord, 0, len(s.fragments))
	for _, r := range s.fragments {
		out = append(out, r)
	}
	return out
}

func (s *Store) PurgeFragmentsBefore(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.fragments {
		if r.CreatedAt.Before(cutoff) {
			delete(s.fragments, id)
			n++
		}
	}
	return n
}

// --- contacts / groups / membership ---

func (s *Store) UpsertContact(c models.Contact) models.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.VerificationKeyHex()
	if existing, ok := s.contacts[key]; ok {
		c.ID = existing.ID
		c.CreatedAt = existing.CreatedAt
	} else {
		s.nextContactID++
		c.ID = s.nextContactID
	}
	s.contacts[key] = c
	return c
}

func (s *Store) ContactByVerificationKeyHex(hex string) (models.Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[hex]
	return c, ok
}

func (s *Store) SaveGroup(g models.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

func (s *Store) Group(groupID string) (models.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[groupID]
	return g, ok
}

func (s *Store) AddGroupMember(groupID string, contactID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.groupMembers[groupID]
	if !ok {
		set = make(map[int64]struct{})
		s.groupMembers[groupID] = set
	}
	set[contactID] = struct{}{}
}

func (s *Store) RemoveGroupMember(groupID string, contactID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.groupMembers[groupID]; ok {
		delete(set, contactID)
	}
}

func (s *Store) GroupMembers(groupID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.groupMembers[groupID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// --- connected devices ---

func (s *Store) UpsertConnectedDevice(d models.ConnectedDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedDevices[d.DeviceUUID] = d
}

func (s *Store) ConnectedDevices() []models.ConnectedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ConnectedDevice, 0, len(s.connectedDevices))
	for _, d := range s.connectedDevices {
		out = append(out, d)
	}
	return out
}
