package gossip

import (
	"sort"
	"sync"
	"time"

	"meshmux/core/pkg/models"
)

// entry is one raw packet retained so a reconnecting peer can be served
// whatever it's missing, plus enough metadata to age it out or attribute
// it to a peer during stale-peer cleanup.
type entry struct {
	id        [16]byte
	raw       []byte
	pktType   models.PacketType
	timestamp int64 // ms since epoch, from the packet itself
	storedAt  time.Time
}

// fifoStore is one of GossipSync's three bounded sets (messages,
// fragments, announcements): a packetId-keyed cache with a capacity cap
// (oldest evicted first) and an independent age-based eviction sweep.
type fifoStore struct {
	mu       sync.Mutex
	cap      int
	order    []([16]byte) // insertion order, oldest first
	byID     map[[16]byte]entry
}

func newFIFOStore(capacity int) *fifoStore {
	return &fifoStore{cap: capacity, byID: make(map[[16]byte]entry)}
}

func (s *fifoStore) Add(id [16]byte, raw []byte, pktType models.PacketType, timestampMillis int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[id]; exists {
		return
	}
	s.byID[id] = entry{id: id, raw: append([]byte(nil), raw...), pktType: pktType, timestamp: timestampMillis, storedAt: now}
	s.order = append(s.order, id)
	if s.cap > 0 {
		for len(s.order) > s.cap {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.byID, oldest)
		}
	}
}

func (s *fifoStore) Has(id [16]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// All returns every retained entry, oldest first.
func (s *fifoStore) All() []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// EvictOlderThan drops entries whose packet timestamp predates cutoff.
func (s *fifoStore) EvictOlderThan(cutoffMillis int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	n := 0
	for _, id := range s.order {
		if s.byID[id].timestamp < cutoffMillis {
			delete(s.byID, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = append([][16]byte(nil), kept...)
	return n
}

// EvictBySender drops every entry whose extracted sender stand-in
// matches one of the removed peers.
func (s *fifoStore) EvictBySender(removed map[[6]byte]struct{}) int {
	if len(removed) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	n := 0
	for _, id := range s.order {
		var sender [6]byte
		copy(sender[:], id[10:16])
		if _, match := removed[sender]; match {
			delete(s.byID, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = append([][16]byte(nil), kept...)
	return n
}

// Len reports the number of retained entries.
func (s *fifoStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// sortedIDs returns every retained packetId, used to build the bloom
// filter a RequestSync carries.
func sortedIDs(entries []entry) [][16]byte {
	out := make([][16]byte, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < 16; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}
