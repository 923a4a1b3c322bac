package cgka

import (
	"errors"
	"time"

	"meshmux/core/internal/store"
)

// DefaultPendingRetention is how long a buffered ciphertext is kept
// before being purged, regardless of whether its group ever arrives.
const DefaultPendingRetention = 24 * time.Hour

// DrainResult summarizes one drain cycle over the pending-decryption
// queue.
type DrainResult struct {
	Decrypted int
	Remaining int
}

// Drain is triggered after every successful welcome or commit: it walks
// the pending-decryption queue oldest-first and attempts decryption
// against the member's current group states. A ciphertext that decrypts
// is removed from the queue and handed to emit; one that still can't be
// decrypted (its group still hasn't arrived, or it belongs to some other
// member entirely) is left in place for the next drain cycle.
func Drain(m *Member, s *store.Store, emit func(groupID string, plaintext []byte, createdAt time.Time)) DrainResult {
	entries := s.PendingDecryptionsOldestFirst()
	result := DrainResult{Remaining: len(entries)}
	for _, e := range entries {
		groupID, plaintext, err := m.Decrypt(e.EncryptedPayload)
		if err != nil {
			if errors.Is(err, ErrStateMissing) {
				continue
			}
			// Corrupted or addressed to a group we'll never hold state
			// for; leave it for the age-based purge rather than guess.
			continue
		}
		s.DeletePendingDecryption(e.ID)
		result.Decrypted++
		result.Remaining--
		if emit != nil {
			emit(groupID, plaintext, e.CreatedAt)
		}
	}
	return result
}

// PurgeStale removes pending-decryption entries older than
// DefaultPendingRetention (or the supplied maxAge), returning the count
// purged.
func PurgeStale(s *store.Store, now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultPendingRetention
	}
	return s.PurgePendingDecryptionsBefore(now.Add(-maxAge))
}
