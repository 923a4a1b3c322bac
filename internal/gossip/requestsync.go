package gossip

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// Flags is the bitmask of stores a RequestSync asks a peer to
// reconcile.
type Flags uint8

const (
	FlagAnnounce Flags = 1 << iota
	FlagMessage
	FlagFragment
)

// ErrMalformedRequestSync means a RequestSync payload failed to parse.
var ErrMalformedRequestSync = errors.New("gossip: malformed request-sync payload")

// idFilter is a one-shot bloom filter sized for an exact known
// population at a fixed false-positive rate, used to carry "packetIds
// I already have" across the wire without listing them all out.
type idFilter struct {
	bits *bitset.BitSet
	m    uint
	k    uint
}

func buildFilter(ids [][16]byte, fpr float64) idFilter {
	n := len(ids)
	if n == 0 {
		n = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFPR
	}
	m, k := optimalBloomParams(n, fpr)
	f := idFilter{bits: bitset.New(m), m: m, k: k}
	for _, id := range ids {
		for _, pos := range f.positions(id) {
			f.bits.Set(pos)
		}
	}
	return f
}

func optimalBloomParams(n int, p float64) (m, k uint) {
	mf := math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if mf < 8 {
		mf = 8
	}
	kf := math.Round((mf / float64(n)) * math.Ln2)
	if kf < 1 {
		kf = 1
	}
	return uint(mf), uint(kf)
}

func (f idFilter) positions(id [16]byte) []uint {
	h1 := xxhash.Sum64(id[:])
	h2 := xxhash.Sum64String(string(id[:]) + "\x00gossip-salt")
	out := make([]uint, f.k)
	for i := uint(0); i < f.k; i++ {
		combined := h1 + uint64(i)*h2
		out[i] = uint(combined % uint64(f.m))
	}
	return out
}

func (f idFilter) has(id [16]byte) bool {
	for _, pos := range f.positions(id) {
		if !f.bits.Test(pos) {
			return false
		}
	}
	return true
}

// DefaultFPR is the false-positive rate every RequestSync filter is
// sized for.
const DefaultFPR = 0.01

// RequestSync is the decoded form of a SYNC packet's payload: the
// stores the sender wants reconciled, plus a bloom filter of the
// packetIds it already holds.
type RequestSync struct {
	Flags  Flags
	Filter idFilter
}

// BuildRequestSync constructs a RequestSync asking for reconciliation
// of the stores named by flags, carrying a filter of every id in ids.
func BuildRequestSync(flags Flags, ids [][16]byte) RequestSync {
	return RequestSync{Flags: flags, Filter: buildFilter(ids, DefaultFPR)}
}

// Has reports whether the filter claims to already hold id (may be a
// false positive, never a false negative for entries actually added).
func (r RequestSync) Has(id [16]byte) bool {
	return r.Filter.has(id)
}

// Encode serializes a RequestSync as a SYNC packet payload:
//
//	flags(1) || m(u32) || k(u32) || wordCount(u32) || words(wordCount*8)
func Encode(r RequestSync) []byte {
	words := r.Filter.bits.Bytes()
	buf := make([]byte, 0, 1+4+4+4+len(words)*8)
	buf = append(buf, byte(r.Flags))
	buf = appendUint32(buf, uint32(r.Filter.m))
	buf = appendUint32(buf, uint32(r.Filter.k))
	buf = appendUint32(buf, uint32(len(words)))
	for _, w := range words {
		buf = appendUint64(buf, w)
	}
	return buf
}

// Decode is the inverse of Encode.
func Decode(payload []byte) (RequestSync, error) {
	if len(payload) < 1+4+4+4 {
		return RequestSync{}, ErrMalformedRequestSync
	}
	flags := Flags(payload[0])
	pos := 1
	m := binary.BigEndian.Uint32(payload[pos : pos+4])
	pos += 4
	k := binary.BigEndian.Uint32(payload[pos : pos+4])
	pos += 4
	wordCount := binary.BigEndian.Uint32(payload[pos : pos+4])
	pos += 4
	if len(payload)-pos != int(wordCount)*8 {
		return RequestSync{}, ErrMalformedRequestSync
	}
	words := make([]uint64, wordCount)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(payload[pos : pos+8])
		pos += 8
	}
	bits := bitset.From(words)
	return RequestSync{Flags: flags, Filter: idFilter{bits: bits, m: uint(m), k: uint(k)}}, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
