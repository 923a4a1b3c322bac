package dedup

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// Fingerprint is the canonical dedup key for an inbound packet: the
// base64 encoding of its raw wire bytes, exactly as received.
func Fingerprint(rawPacketBytes []byte) string {
	return base64.StdEncoding.EncodeToString(rawPacketBytes)
}

// Index wraps a TTLBloomFilter with the load/save cadence the rest of
// the core drives it on: a snapshot every 30s and at shutdown, and a
// sweep of expired entries on Load and on every retention pass (which
// calls PruneExpired, every 60s by default).
type Index struct {
	filter *TTLBloomFilter
	path   string
}

// New creates a dedup index. If path is non-empty, Load is attempted
// immediately; a missing or corrupt snapshot is treated as a cold start.
func New(capacity int, fpr float64, ttl time.Duration, path string) *Index {
	idx := &Index{filter: NewFilter(capacity, fpr, ttl), path: path}
	if path != "" {
		_ = idx.Load()
	}
	return idx
}

// Seen reports whether the raw packet bytes were already processed.
func (idx *Index) Seen(rawPacketBytes []byte) bool {
	return idx.filter.Has(Fingerprint(rawPacketBytes))
}

// Record marks the raw packet bytes as processed.
func (idx *Index) Record(rawPacketBytes []byte) {
	idx.filter.Add(Fingerprint(rawPacketBytes))
}

// PruneExpired sweeps stale entries out of the underlying filter.
func (idx *Index) PruneExpired() int {
	return idx.filter.PruneExpired()
}

// Stats reports the underlying filter's fill state.
func (idx *Index) Stats() Stats {
	return idx.filter.Stats()
}

type snapshot struct {
	Bits    *bitset.BitSet       `json:"bits"`
	BitRefs []uint32             `json:"bit_refs"`
	M       uint                 `json:"m"`
	K       uint                 `json:"k"`
	TTLMs   int64                `json:"ttl_ms"`
	Entries map[string]entrySnap `json:"entries"`
}

type entrySnap struct {
	InsertedAtUnixMs int64  `json:"inserted_at_unix_ms"`
	Positions        []uint `json:"positions"`
}

// Save writes the filter's bit array and entry timestamps as a JSON
// snapshot, atomically (write to a sibling tempfile, then rename).
func (idx *Index) Save() error {
	if idx.path == "" {
		return nil
	}
	idx.filter.mu.Lock()
	snap := snapshot{
		Bits:    idx.filter.bits,
		BitRefs: append([]uint32(nil), idx.filter.bitRefs...),
		M:       idx.filter.m,
		K:       idx.filter.k,
		TTLMs:   idx.filter.ttl.Milliseconds(),
		Entries: make(map[string]entrySnap, len(idx.filter.entries)),
	}
	for fp, e := range idx.filter.entries {
		snap.Entries[fp] = entrySnap{
			InsertedAtUnixMs: e.insertedAt.UnixMilli(),
			Positions:        e.positions,
		}
	}
	idx.filter.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("dedup: marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o700); err != nil {
		return fmt.Errorf("dedup: create snapshot dir: %w", err)
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("dedup: write snapshot: %w", err)
	}
	return os.Rename(tmp, idx.path)
}

// Load reads back a snapshot written by Save, pruning stale entries
// immediately so a long-offline restart doesn't resurrect expired state.
func (idx *Index) Load() error {
	raw, err := os.ReadFile(idx.path)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("dedup: unmarshal snapshot: %w", err)
	}

	idx.filter.mu.Lock()
	if snap.Bits != nil {
		idx.filter.bits = snap.Bits
	}
	if len(snap.BitRefs) == len(idx.filter.bitRefs) {
		idx.filter.bitRefs = snap.BitRefs
	}
	idx.filter.entries = make(map[string]entryMeta, len(snap.Entries))
	for fp, e := range snap.Entries {
		idx.filter.entries[fp] = entryMeta{
			insertedAt: time.UnixMilli(e.InsertedAtUnixMs),
			positions:  e.Positions,
		}
	}
	idx.filter.mu.Unlock()

	idx.filter.PruneExpired()
	return nil
}
