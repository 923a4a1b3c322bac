package metrics

import "testing"

func TestStateRecordsAndSnapshots(t *testing.T) {
	s := New()
	s.RecordError("crypto")
	s.RecordError("crypto")
	s.RecordError("network")
	s.RecordRetryAttempt()
	s.RecordDedup(true)
	s.RecordDedup(false)
	s.RecordDedup(false)
	s.RecordRelayed()
	s.RecordGossipSyncSent()
	s.RecordGossipServed()
	s.RecordOutboxExhausted()

	snap := s.Snapshot()
	if snap.ErrorCounters["crypto"] != 2 {
		t.Fatalf("crypto errors = %d, want 2", snap.ErrorCounters["crypto"])
	}
	if snap.ErrorCounters["network"] != 1 {
		t.Fatalf("network errors = %d, want 1", snap.ErrorCounters["network"])
	}
	if snap.RetryAttempts != 1 {
		t.Fatalf("retry attempts = %d, want 1", snap.RetryAttempts)
	}
	if snap.DedupHits != 1 || snap.DedupMisses != 2 {
		t.Fatalf("dedup hits/misses = %d/%d, want 1/2", snap.DedupHits, snap.DedupMisses)
	}
	if snap.RelayedPackets != 1 || snap.GossipSyncsSent != 1 || snap.GossipServed != 1 || snap.OutboxExhausted != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.LastUpdatedAt.IsZero() {
		t.Fatalf("expected LastUpdatedAt to be set")
	}
}

func TestNilStateIsSafe(t *testing.T) {
	var s *State
	s.RecordError("crypto")
	s.RecordRetryAttempt()
	s.RecordDedup(true)
	s.RecordRelayed()
	s.RecordGossipSyncSent()
	s.RecordGossipServed()
	s.RecordOutboxExhausted()
	if got := s.Snapshot(); got.ErrorCounters == nil {
		t.Fatalf("nil-safe Snapshot should still return a usable map")
	}
}
