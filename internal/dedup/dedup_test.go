package dedup

import (
	"path/filepath"
	"testing"
	"time"
)

func TestIndexSeenRecord(t *testing.T) {
	idx := New(100, 0.01, time.Minute, "")
	raw := []byte("packet-bytes")
	if idx.Seen(raw) {
		t.Fatal("expected unseen packet to report Seen=false")
	}
	idx.Record(raw)
	if !idx.Seen(raw) {
		t.Fatal("expected recorded packet to report Seen=true")
	}
}

func TestIndexSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup.json")

	idx := New(100, 0.01, time.Hour, path)
	raw := []byte("persisted-packet")
	idx.Record(raw)
	if err := idx.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded := New(100, 0.01, time.Hour, path)
	if !reloaded.Seen(raw) {
		t.Fatal("expected reloaded index to still report the packet as seen")
	}
}

func TestIndexLoadPrunesStaleEntriesOnRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dedup.json")

	start := time.Unix(10000, 0)
	idx := New(100, 0.01, time.Minute, path)
	idx.filter.SetClock(func() time.Time { return start })
	raw := []byte("stale-packet")
	idx.Record(raw)
	if err := idx.Save(); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	reloaded := New(100, 0.01, time.Minute, "")
	reloaded.filter.SetClock(func() time.Time { return start.Add(time.Hour) })
	reloaded.path = path
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if reloaded.Stats().TotalEntries != 0 {
		t.Fatalf("expected stale entries pruned on load, got %d remaining", reloaded.Stats().TotalEntries)
	}
}
