package meshcodec

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshmux/core/pkg/models"
)

// fragmentHeaderLen is fragmentId(8) + fragmentType(1) + index(2) + total(2).
const fragmentHeaderLen = 8 + 1 + 2 + 2

// ErrFragmentMismatch indicates fragment group members disagree on total
// or fragmentId alignment. The entire group is dropped.
var ErrFragmentMismatch = errors.New("meshcodec: fragment mismatch")

// ErrTooManyFragments is a caller error: a payload would require more
// than 65535 fragments to transmit.
var ErrTooManyFragments = errors.New("meshcodec: payload requires more than 65535 fragments")

// DefaultFragmentTTL is how long an incomplete fragment group is kept
// before being garbage collected.
const DefaultFragmentTTL = 15 * time.Minute

// ShouldFragment reports whether an encoded payload of the given byte
// length must be fragmented before transmission.
func ShouldFragment(encodedLen, mtuLimitBytes int) bool {
	return encodedLen >= mtuLimitBytes
}

// ChunkSize returns the usable payload size per fragment for a given
// total fragment packet size cap.
func ChunkSize(defaultFragmentSizeBytes int) int {
	return defaultFragmentSizeBytes - fragmentHeaderLen
}

// Fragment splits data into fragment payloads (each ready to place inside
// a FRAGMENT packet's Payload field) of at most chunkSize bytes of
// carried data. A random 8-byte fragmentId seeds every fragment.
func Fragment(data []byte, fragmentType models.PacketType, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("meshcodec: invalid chunk size %d", chunkSize)
	}
	total := (len(data) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, ErrTooManyFragments
	}

	var fragmentID [8]byte
	if _, err := rand.Read(fragmentID[:]); err != nil {
		return nil, err
	}

	out := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		buf := make([]byte, fragmentHeaderLen+len(chunk))
		copy(buf[0:8], fragmentID[:])
		buf[8] = byte(fragmentType)
		binary.BigEndian.PutUint16(buf[9:11], uint16(i))
		binary.BigEndian.PutUint16(buf[11:13], uint16(total))
		copy(buf[fragmentHeaderLen:], chunk)
		out[i] = buf
	}
	return out, nil
}

// decodeFragment parses a FRAGMENT packet's payload into its header and
// chunk body.
func decodeFragment(payload []byte) (fragmentID [8]byte, fragmentType models.PacketType, index, total uint16, chunk []byte, err error) {
	if len(payload) < fragmentHeaderLen {
		err = fmt.Errorf("%w: short fragment header", ErrMalformedPacket)
		return
	}
	copy(fragmentID[:], payload[0:8])
	fragmentType = models.PacketType(payload[8])
	index = binary.BigEndian.Uint16(payload[9:11])
	total = binary.BigEndian.Uint16(payload[11:13])
	chunk = payload[fragmentHeaderLen:]
	return
}

// Reassembled is the output of a completed fragment group.
type Reassembled struct {
	Data         []byte
	FragmentType models.PacketType
	FragmentID   [8]byte
}

type fragmentGroup struct {
	fragmentID [8]byte
	fragType   models.PacketType
	total      uint16
	chunks     map[uint16][]byte
	createdAt  time.Time
}

// Reassembler buffers inbound fragments keyed by fragmentId and emits
// the reassembled payload once every distinct index in [0, total) has
// arrived. Incomplete groups are garbage collected after ttl.
type Reassembler struct {
	mu     sync.Mutex
	groups map[[8]byte]*fragmentGroup
	ttl    time.Duration
	now    func() time.Time
}

func NewReassembler(ttl time.Duration, now func() time.Time) *Reassembler {
	if ttl <= 0 {
		ttl = DefaultFragmentTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Reassembler{
		groups: make(map[[8]byte]*fragmentGroup),
		ttl:    ttl,
		now:    now,
	}
}

// Ingest processes one FRAGMENT packet's payload. It returns a non-nil
// Reassembled the moment the group it belongs to is complete, or nil
// while the group remains incomplete. A fragment whose total disagrees
// with an already-tracked group for the same fragmentId is rejected
// with ErrFragmentMismatch and the whole group is dropped.
func (r *Reassembler) Ingest(payload []byte) (*Reassembled, error) {
	fragmentID, fragType, index, total, chunk, err := decodeFragment(payload)
	if err != nil {
		return nil, err
	}
	if total == 0 || index >= total {
		r.drop(fragmentID)
		return nil, fmt.Errorf("%w: index %d out of range for total %d", ErrFragmentMismatch, index, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[fragmentID]
	if !ok {
		g = &fragmentGroup{
			fragmentID: fragmentID,
			fragType:   fragType,
			total:      total,
			chunks:     make(map[uint16][]byte, total),
			createdAt:  r.now(),
		}
		r.groups[fragmentID] = g
	}
	if g.total != total || g.fragType != fragType {
		delete(r.groups, fragmentID)
		return nil, fmt.Errorf("%w: fragmentId %x total/type changed mid-group", ErrFragmentMismatch, fragmentID)
	}

	if _, exists := g.chunks[index]; !exists {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		g.chunks[index] = cp
	}

	if uint16(len(g.chunks)) < g.total {
		return nil, nil
	}

	delete(r.groups, fragmentID)
	indices := make([]uint16, 0, len(g.chunks))
	for idx := range g.chunks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var data []byte
	for _, idx := range indices {
		data = append(data, g.chunks[idx]...)
	}
	return &Reassembled{Data: data, FragmentType: g.fragType, FragmentID: fragmentID}, nil
}

// GC purges fragment groups older than the configured TTL. It returns
// the number of groups dropped.
func (r *Reassembler) GC() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.ttl)
	n := 0
	for id, g := range r.groups {
		if g.createdAt.Before(cutoff) {
			delete(r.groups, id)
			n++
		}
	}
	return n
}

// PendingCount reports how many incomplete fragment groups are buffered.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func (r *Reassembler) drop(fragmentID [8]byte) {
	r.mu.Lock()
	delete(r.groups, fragmentID)
	r.mu.Unlock()
}
