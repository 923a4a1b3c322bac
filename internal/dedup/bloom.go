// Package dedup implements inbound-packet suppression: a time-bounded
// bloom filter backed by an exact side table of recent fingerprints, so
// that a packet seen twice within the configured TTL is dropped the
// second time regardless of which radio it arrived on.
package dedup

import (
	"math"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// DefaultCapacity and DefaultFalsePositiveRate size the filter the way
// the rest of the configuration surface assumes unless overridden.
const (
	DefaultCapacity          = 1000
	DefaultFalsePositiveRate = 0.01
	DefaultTTL               = 5 * time.Minute
)

// Stats summarizes a filter's fill and expiry state.
type Stats struct {
	TotalEntries   int
	ActiveEntries  int
	ExpiredEntries int
	TTL            time.Duration
}

// TTLBloomFilter is a fixed-size bit array sized for (capacity, fpr),
// paired with an exact per-fingerprint insertion-time side table. The
// side table makes Has authoritative for anything still within its TTL;
// the bit array alone is what a capacity-exceeding boundary test
// exercises directly via mightContain.
type TTLBloomFilter struct {
	mu       sync.Mutex
	bits     *bitset.BitSet
	bitRefs  []uint32
	m        uint
	k        uint
	ttl      time.Duration
	entries  map[string]entryMeta
	expired  int
	now      func() time.Time
}

type entryMeta struct {
	insertedAt time.Time
	positions  []uint
}

// NewFilter builds a filter sized for capacity entries at the given false
// positive rate, retaining each entry for ttl.
func NewFilter(capacity int, fpr float64, ttl time.Duration) *TTLBloomFilter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFalsePositiveRate
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m, k := optimalParams(capacity, fpr)
	return &TTLBloomFilter{
		bits:    bitset.New(m),
		bitRefs: make([]uint32, m),
		m:       m,
		k:       k,
		ttl:     ttl,
		entries: make(map[string]entryMeta),
		now:     time.Now,
	}
}

func optimalParams(n int, p float64) (m, k uint) {
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

// Has reports whether fp is a known-recent fingerprint. An entry present
// in the side table is authoritative; one absent from it falls back to
// the probabilistic bit-array test, which can only ever return a false
// positive, never a false negative, for anything genuinely added.
func (f *TTLBloomFilter) Has(fp string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.entries[fp]; ok {
		if f.now().Sub(e.insertedAt) <= f.ttl {
			return true
		}
		return false
	}
	return f.mightContain(fp)
}

// Add records fp as seen now.
func (f *TTLBloomFilter) Add(fp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[fp]; exists {
		f.entries[fp] = entryMeta{insertedAt: f.now(), positions: f.entries[fp].positions}
		return
	}
	positions := f.positionsFor(fp)
	for _, pos := range positions {
		f.bits.Set(pos)
		f.bitRefs[pos]++
	}
	f.entries[fp] = entryMeta{insertedAt: f.now(), positions: positions}
}

// PruneExpired drops side-table entries older than the TTL and clears any
// bit whose last referencing entry just expired. Returns the count of
// entries pruned in this call.
func (f *TTLBloomFilter) PruneExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().Add(-f.ttl)
	pruned := 0
	for fp, e := range f.entries {
		if e.insertedAt.Before(cutoff) {
			delete(f.entries, fp)
			for _, pos := range e.positions {
				if f.bitRefs[pos] > 0 {
					f.bitRefs[pos]--
				}
				if f.bitRefs[pos] == 0 {
					f.bits.Clear(pos)
				}
			}
			pruned++
			f.expired++
		}
	}
	return pruned
}

// Stats reports the filter's current fill state.
func (f *TTLBloomFilter) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now().Add(-f.ttl)
	active := 0
	for _, e := range f.entries {
		if !e.insertedAt.Before(cutoff) {
			active++
		}
	}
	return Stats{
		TotalEntries:   len(f.entries),
		ActiveEntries:  active,
		ExpiredEntries: len(f.entries) - active,
		TTL:            f.ttl,
	}
}

// SetClock overrides the filter's time source; used by tests.
func (f *TTLBloomFilter) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func (f *TTLBloomFilter) mightContain(fp string) bool {
	for _, pos := range f.positionsFor(fp) {
		if !f.bits.Test(pos) {
			return false
		}
	}
	return true
}

// positionsFor applies Kirsch-Mitzenmacher double hashing: k positions
// derived from two independent 64-bit hashes of fp.
func (f *TTLBloomFilter) positionsFor(fp string) []uint {
	h1 := xxhash.Sum64String(fp)
	h2 := xxhash.Sum64String(fp + "\x00salt")
	positions := make([]uint, f.k)
	for i := uint(0); i < f.k; i++ {
		combined := h1 + uint64(i)*h2
		positions[i] = uint(combined % uint64(f.m))
	}
	return positions
}
