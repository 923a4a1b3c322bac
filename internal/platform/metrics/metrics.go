// Package metrics is the core's in-process counters surface: the
// dispatcher, relay, outbox, and gossip loops record into one shared
// State, and a composition root exposes Snapshot() the way the
// teacher's daemonservice.Service exposes GetMetrics() over its own
// ServiceMetricsState. No registry, no scrape endpoint — a UI layer
// polls Snapshot() the same way it would poll any other status call.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is the point-in-time read of a State, safe to marshal or log.
type Snapshot struct {
	ErrorCounters   map[string]int
	RetryAttempts   int
	DedupHits       int
	DedupMisses     int
	RelayedPackets  int
	GossipSyncsSent int
	GossipServed    int
	OutboxExhausted int
	LastUpdatedAt   time.Time
}

// State accumulates counters across every core component. The zero
// value is not usable; construct with New.
type State struct {
	mu sync.RWMutex

	errorCounters   map[string]int
	retryAttempts   int
	dedupHits       int
	dedupMisses     int
	relayedPackets  int
	gossipSyncsSent int
	gossipServed    int
	outboxExhausted int
	lastUpdatedAt   time.Time
}

// New builds an empty State with the error-category buckets errkit
// names pre-seeded at zero, matching the teacher's
// NewServiceMetricsState.
func New() *State {
	return &State{
		errorCounters: map[string]int{
			"api":     0,
			"network": 0,
			"crypto":  0,
			"storage": 0,
			"codec":   0,
		},
	}
}

// RecordError bumps category's counter. Unrecognized categories are
// tracked under their own key rather than dropped, so a miscategorized
// error is still visible instead of silently vanishing.
func (s *State) RecordError(category string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCounters[category]++
	s.touch()
}

// RecordRetryAttempt bumps the shared retry-attempt counter; every
// outbox RunOnce pass calls this once per row it rebroadcasts.
func (s *State) RecordRetryAttempt() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryAttempts++
	s.touch()
}

// RecordOutboxExhausted bumps the count of outbox rows dropped after
// exceeding their retry budget.
func (s *State) RecordOutboxExhausted() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboxExhausted++
	s.touch()
}

// RecordDedup tallies one inbound packet's dedup verdict.
func (s *State) RecordDedup(seen bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seen {
		s.dedupHits++
	} else {
		s.dedupMisses++
	}
	s.touch()
}

// RecordRelayed bumps the count of packets the relay re-broadcast.
func (s *State) RecordRelayed() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayedPackets++
	s.touch()
}

// RecordGossipSyncSent bumps the count of RequestSync packets this node
// has broadcast.
func (s *State) RecordGossipSyncSent() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gossipSyncsSent++
	s.touch()
}

// RecordGossipServed bumps the count of packets sent directly to a peer
// in response to its RequestSync.
func (s *State) RecordGossipServed() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gossipServed++
	s.touch()
}

func (s *State) touch() {
	s.lastUpdatedAt = time.Now().UTC()
}

// Snapshot returns a defensive copy of the current counters.
func (s *State) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{ErrorCounters: map[string]int{}}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	counters := make(map[string]int, len(s.errorCounters))
	for k, v := range s.errorCounters {
		counters[k] = v
	}
	return Snapshot{
		ErrorCounters:   counters,
		RetryAttempts:   s.retryAttempts,
		DedupHits:       s.dedupHits,
		DedupMisses:     s.dedupMisses,
		RelayedPackets:  s.relayedPackets,
		GossipSyncsSent: s.gossipSyncsSent,
		GossipServed:    s.gossipServed,
		OutboxExhausted: s.outboxExhausted,
		LastUpdatedAt:   s.lastUpdatedAt,
	}
}
