package store

import (
	"encoding/json"
	"errors"
	"os"

	"meshmux/core/internal/securestore"
	"meshmux/core/pkg/models"
)

// snapshotDoc is the full-store JSON shape persisted under the device
// secret. Unlike dedup's plaintext bit-array snapshot, this carries
// message contents and key material references, so it is always
// encrypted at rest via securestore's envelope.
type snapshotDoc struct {
	Messages         []models.Message                `json:"messages"`
	OutgoingMessages []models.OutgoingMessage         `json:"outgoing_messages"`
	OutgoingControl  []models.OutgoingControlMessage  `json:"outgoing_control"`
	PendingDecrypt   []models.PendingDecryption       `json:"pending_decryption"`
	PendingAcks      []models.PendingDeliveryAck      `json:"pending_delivery_acks"`
	RelayPackets     []RelayRecord                    `json:"relay_packets"`
	Fragments        []FragmentRecord                 `json:"fragments"`
	Contacts         []models.Contact                 `json:"contacts"`
	Groups           []models.Group                   `json:"groups"`
	GroupMembers     map[string][]int64               `json:"group_members"`
}

// SaveEncrypted writes the full store contents to path, encrypted under
// secret, atomically.
func (s *Store) SaveEncrypted(path, secret string) error {
	s.mu.RLock()
	doc := snapshotDoc{
		GroupMembers: make(map[string][]int64, len(s.groupMembers)),
	}
	for _, m := range s.messages {
		doc.Messages = append(doc.Messages, m)
	}
	for _, m := range s.outgoingMessages {
		doc.OutgoingMessages = append(doc.OutgoingMessages, m)
	}
	for _, m := range s.outgoingControl {
		doc.OutgoingControl = append(doc.OutgoingControl, m)
	}
	for _, p := range s.pendingDecrypt {
		doc.PendingDecrypt = append(doc.PendingDecrypt, p)
	}
	for _, a := range s.pendingAcks {
		doc.PendingAcks = append(doc.PendingAcks, a)
	}
	for _, r := range s.relayPackets {
		doc.RelayPackets = append(doc.RelayPackets, r)
	}
	for _, f := range s.fragments {
		doc.Fragments = append(doc.Fragments, f)
	}
	for _, c := range s.contacts {
		doc.Contacts = append(doc.Contacts, c)
	}
	for _, g := range s.groups {
		doc.Groups = append(doc.Groups, g)
	}
	for groupID, set := range s.groupMembers {
		ids := make([]int64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		doc.GroupMembers[groupID] = ids
	}
	s.mu.RUnlock()

	return securestore.WriteEncryptedJSON(path, secret, doc)
}

// LoadEncrypted replaces the store's contents with the snapshot at path,
// decrypted with secret. A missing file is not an error: it's a cold
// start.
func (s *Store) LoadEncrypted(path, secret string) error {
	raw, err := securestore.ReadDecryptedFile(path, secret)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]models.Message, len(doc.Messages))
	for _, m := range doc.Messages {
		s.messages[m.ID] = m
	}
	s.outgoingMessages = make(map[string]models.OutgoingMessage, len(doc.OutgoingMessages))
	for _, m := range doc.OutgoingMessages {
		s.outgoingMessages[m.ID] = m
	}
	s.outgoingControl = make(map[string]models.OutgoingControlMessage, len(doc.OutgoingControl))
	for _, m := range doc.OutgoingControl {
		s.outgoingControl[m.ID] = m
	}
	s.pendingDecrypt = make(map[int64]models.PendingDecryption, len(doc.PendingDecrypt))
	for _, p := range doc.PendingDecrypt {
		s.pendingDecrypt[p.ID] = p
		if p.ID > s.nextPendingID {
			s.nextPendingID = p.ID
		}
	}
	s.pendingAcks = make(map[string]models.PendingDeliveryAck, len(doc.PendingAcks))
	for _, a := range doc.PendingAcks {
		s.pendingAcks[ackKey(a.MessageID, a.RecipientVerificationKey)] = a
	}
	s.relayPackets = make(map[int64]RelayRecord, len(doc.RelayPackets))
	for _, r := range doc.RelayPackets {
		s.relayPackets[r.ID] = r
		if r.ID > s.nextRelayID {
			s.nextRelayID = r.ID
		}
	}
	s.fragments = make(map[int64]FragmentRecord, len(doc.Fragments))
	for _, f := range doc.Fragments {
		s.fragments[f.ID] = f
		if f.ID > s.nextFragmentID {
			s.nextFragmentID = f.ID
		}
	}
	s.contacts = make(map[string]models.Contact, len(doc.Contacts))
	for _, c := range doc.Contacts {
		s.contacts[c.VerificationKeyHex()] = c
		if c.ID > s.nextContactID {
			s.nextContactID = c.ID
		}
	}
	s.groups = make(map[string]models.Group, len(doc.Groups))
	for _, g := range doc.Groups {
		s.groups[g.ID] = g
	}
	s.groupMembers = make(map[string]map[int64]struct{}, len(doc.GroupMembers))
	for groupID, ids := range doc.GroupMembers {
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		s.groupMembers[groupID] = set
	}
	return nil
}
