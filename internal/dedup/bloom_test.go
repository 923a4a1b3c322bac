package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestFilterHasAddHasSequence(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := start
	f := NewFilter(100, 0.01, time.Minute)
	f.SetClock(func() time.Time { return clock })

	fp := "fingerprint-1"
	if f.Has(fp) {
		t.Fatal("expected Has to be false before Add")
	}
	f.Add(fp)
	if !f.Has(fp) {
		t.Fatal("expected Has to be true immediately after Add")
	}

	clock = start.Add(2 * time.Minute)
	if f.Has(fp) {
		t.Fatal("expected Has to be false once the TTL has elapsed")
	}
	f.PruneExpired()
	if f.Has(fp) {
		t.Fatal("expected Has to remain false after PruneExpired")
	}
}

func TestFilterStatsReflectsExpiry(t *testing.T) {
	start := time.Unix(0, 0)
	clock := start
	f := NewFilter(100, 0.01, time.Minute)
	f.SetClock(func() time.Time { return clock })

	f.Add("a")
	f.Add("b")
	clock = start.Add(2 * time.Minute)
	f.Add("c")

	stats := f.Stats()
	if stats.TotalEntries != 3 {
		t.Fatalf("expected 3 total entries, got %d", stats.TotalEntries)
	}
	if stats.ActiveEntries != 1 {
		t.Fatalf("expected 1 active entry, got %d", stats.ActiveEntries)
	}
	if stats.ExpiredEntries != 2 {
		t.Fatalf("expected 2 expired entries, got %d", stats.ExpiredEntries)
	}

	n := f.PruneExpired()
	if n != 2 {
		t.Fatalf("expected PruneExpired to drop 2 entries, dropped %d", n)
	}
}

func TestFilterFalsePositiveRateWithinOrderOfMagnitude(t *testing.T) {
	const capacity = 1000
	const targetFPR = 0.01
	f := NewFilter(capacity, targetFPR, time.Hour)

	for i := 0; i < capacity; i++ {
		f.Add(fmt.Sprintf("member-%d", i))
	}

	falsePositives := 0
	const trials = 5000
	for i := 0; i < trials; i++ {
		candidate := fmt.Sprintf("absent-%d", i)
		if f.mightContain(candidate) {
			falsePositives++
		}
	}
	observed := float64(falsePositives) / float64(trials)
	if observed > targetFPR*10 {
		t.Fatalf("observed false positive rate %f exceeds an order of magnitude over target %f", observed, targetFPR)
	}
}

func TestFingerprintIsBase64OfRawBytes(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0xff}
	fp := Fingerprint(raw)
	if fp == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if Fingerprint(raw) != fp {
		t.Fatal("fingerprint must be deterministic for identical bytes")
	}
	if Fingerprint([]byte{0x01, 0x02, 0x03, 0xfe}) == fp {
		t.Fatal("fingerprint must differ for differing bytes")
	}
}
